package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// configSchema guards config.yaml shape before struct decoding so operators
// get schema-level diagnostics (wrong type, unknown section) instead of
// decode errors buried in field paths.
const configSchema = `{
  "type": "object",
  "properties": {
    "project_name": {"type": "string"},
    "camera": {
      "type": "object",
      "properties": {
        "model": {"type": "string"},
        "single": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "feature_extraction": {
      "type": "object",
      "properties": {
        "max_num_features": {"type": "integer", "minimum": 0},
        "edge_threshold": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    },
    "matching": {
      "type": "object",
      "properties": {
        "max_ratio": {"type": "number"},
        "max_distance": {"type": "number"}
      },
      "additionalProperties": false
    },
    "sparse": {
      "type": "object",
      "properties": {
        "method": {"type": "string", "enum": ["glomap", "colmap", "GLOMAP", "COLMAP"]},
        "min_num_inliers": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    },
    "dense": {
      "type": "object",
      "properties": {
        "resolution_level": {"type": "integer", "minimum": 0},
        "max_image_size": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    },
    "mesh": {
      "type": "object",
      "properties": {"enabled": {"type": "boolean"}},
      "additionalProperties": false
    },
    "texture": {
      "type": "object",
      "properties": {"enabled": {"type": "boolean"}},
      "additionalProperties": false
    },
    "execution": {
      "type": "object",
      "properties": {
        "use_gpu": {"type": "boolean"},
        "dry_run": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "tools": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledConfigSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", strings.NewReader(configSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("config.schema.json")
	})
	return compiledSchema, schemaErr
}

func validateSchema(raw []byte) error {
	sch, err := compiledConfigSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	// Round-trip through JSON so the instance uses the value types the
	// schema validator expects.
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config document: %w", err)
	}
	var inst any
	if err := json.Unmarshal(b, &inst); err != nil {
		return fmt.Errorf("normalize config document: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
