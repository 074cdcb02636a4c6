// Package config loads and validates the project-level config.yaml, the
// single source of truth for all pipeline tunables and the tool table.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type CameraConfig struct {
	Model  string `json:"model" yaml:"model"`
	Single bool   `json:"single" yaml:"single"`
}

type FeatureConfig struct {
	MaxNumFeatures int `json:"max_num_features" yaml:"max_num_features"`
	EdgeThreshold  int `json:"edge_threshold" yaml:"edge_threshold"`
}

type MatchingConfig struct {
	MaxRatio    float64 `json:"max_ratio" yaml:"max_ratio"`
	MaxDistance float64 `json:"max_distance" yaml:"max_distance"`
}

type SparseConfig struct {
	// Method selects the mapper backend: "glomap" (default) or "colmap".
	Method        string `json:"method" yaml:"method"`
	MinNumInliers int    `json:"min_num_inliers" yaml:"min_num_inliers"`
}

type DenseConfig struct {
	ResolutionLevel int `json:"resolution_level" yaml:"resolution_level"`
	MaxImageSize    int `json:"max_image_size" yaml:"max_image_size"`
}

type MeshConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

type TextureConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

type ExecutionConfig struct {
	UseGPU *bool `json:"use_gpu,omitempty" yaml:"use_gpu,omitempty"`
	DryRun bool  `json:"dry_run" yaml:"dry_run"`
}

type Config struct {
	ProjectName string `json:"project_name,omitempty" yaml:"project_name,omitempty"`

	Camera    CameraConfig    `json:"camera" yaml:"camera"`
	Features  FeatureConfig   `json:"feature_extraction" yaml:"feature_extraction"`
	Matching  MatchingConfig  `json:"matching" yaml:"matching"`
	Sparse    SparseConfig    `json:"sparse" yaml:"sparse"`
	Dense     DenseConfig     `json:"dense" yaml:"dense"`
	Mesh      MeshConfig      `json:"mesh" yaml:"mesh"`
	Texture   TextureConfig   `json:"texture" yaml:"texture"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`

	// Tools maps logical tool names to executables (absolute path or a name
	// resolvable on PATH). Individual entries may be overridden through
	// MARK2_TOOL_<NAME> environment variables.
	Tools map[string]string `json:"tools" yaml:"tools"`
}

// Logical tool names the pipeline invokes.
const (
	ToolCOLMAP          = "colmap"
	ToolGLOMAP          = "glomap"
	ToolFFmpeg          = "ffmpeg"
	ToolInterfaceCOLMAP = "interface_colmap"
	ToolDensify         = "densify_point_cloud"
	ToolReconstructMesh = "reconstruct_mesh"
	ToolTextureMesh     = "texture_mesh"
)

const toolEnvPrefix = "MARK2_TOOL_"

// Load reads <projectRoot>/config.yaml, checks it against the embedded
// schema, applies defaults and validates semantics.
func Load(projectRoot string) (*Config, error) {
	path := filepath.Join(projectRoot, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := validateSchema(b); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var cfg Config
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Camera.Model == "" {
		cfg.Camera.Model = "PINHOLE"
	}
	if cfg.Features.MaxNumFeatures == 0 {
		cfg.Features.MaxNumFeatures = 8192
	}
	if cfg.Features.EdgeThreshold == 0 {
		cfg.Features.EdgeThreshold = 10
	}
	if cfg.Matching.MaxRatio == 0 {
		cfg.Matching.MaxRatio = 0.8
	}
	if cfg.Matching.MaxDistance == 0 {
		cfg.Matching.MaxDistance = 0.7
	}
	cfg.Sparse.Method = strings.ToLower(strings.TrimSpace(cfg.Sparse.Method))
	if cfg.Sparse.Method == "" {
		cfg.Sparse.Method = "glomap"
	}
	if cfg.Sparse.MinNumInliers == 0 {
		cfg.Sparse.MinNumInliers = 15
	}
	if cfg.Dense.ResolutionLevel == 0 {
		cfg.Dense.ResolutionLevel = 1
	}
	if cfg.Dense.MaxImageSize == 0 {
		cfg.Dense.MaxImageSize = 2400
	}
	if cfg.Mesh.Enabled == nil {
		t := true
		cfg.Mesh.Enabled = &t
	}
	if cfg.Texture.Enabled == nil {
		t := true
		cfg.Texture.Enabled = &t
	}
	if cfg.Execution.UseGPU == nil {
		t := true
		cfg.Execution.UseGPU = &t
	}
	if cfg.Tools == nil {
		cfg.Tools = map[string]string{}
	}
	for name, exe := range DefaultTools() {
		if strings.TrimSpace(cfg.Tools[name]) == "" {
			cfg.Tools[name] = exe
		}
	}
}

func validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Sparse.Method {
	case "glomap", "colmap":
		// ok
	default:
		return fmt.Errorf("invalid sparse.method: %q (want glomap|colmap)", cfg.Sparse.Method)
	}
	if cfg.Sparse.MinNumInliers < 0 {
		return fmt.Errorf("sparse.min_num_inliers must be >= 0")
	}
	if cfg.Matching.MaxRatio <= 0 || cfg.Matching.MaxRatio > 1 {
		return fmt.Errorf("matching.max_ratio must be in (0, 1]")
	}
	if cfg.Matching.MaxDistance <= 0 || cfg.Matching.MaxDistance > 1 {
		return fmt.Errorf("matching.max_distance must be in (0, 1]")
	}
	if cfg.Dense.ResolutionLevel < 0 {
		return fmt.Errorf("dense.resolution_level must be >= 0")
	}
	if cfg.Dense.MaxImageSize <= 0 {
		return fmt.Errorf("dense.max_image_size must be > 0")
	}
	for _, name := range cfg.RequiredTools() {
		if strings.TrimSpace(cfg.Tools[name]) == "" {
			return fmt.Errorf("tools.%s is required", name)
		}
	}
	return nil
}

// DefaultTools returns the stock tool table: bare executable names resolved
// on PATH.
func DefaultTools() map[string]string {
	return map[string]string{
		ToolCOLMAP:          "colmap",
		ToolGLOMAP:          "glomap",
		ToolFFmpeg:          "ffmpeg",
		ToolInterfaceCOLMAP: "InterfaceCOLMAP",
		ToolDensify:         "DensifyPointCloud",
		ToolReconstructMesh: "ReconstructMesh",
		ToolTextureMesh:     "TextureMesh",
	}
}

// RequiredTools lists the logical tools this config's pipeline will invoke.
// GLOMAP is only required when it is the selected sparse backend.
func (c *Config) RequiredTools() []string {
	names := []string{
		ToolCOLMAP,
		ToolFFmpeg,
		ToolInterfaceCOLMAP,
		ToolDensify,
		ToolReconstructMesh,
		ToolTextureMesh,
	}
	if c.Sparse.Method == "glomap" {
		names = append(names, ToolGLOMAP)
	}
	return names
}

// ToolTable returns the effective logical name -> executable mapping with
// MARK2_TOOL_<NAME> environment overrides applied.
func (c *Config) ToolTable() map[string]string {
	out := make(map[string]string, len(c.Tools))
	for name, exe := range c.Tools {
		out[name] = exe
	}
	for name := range out {
		key := toolEnvPrefix + strings.ToUpper(name)
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			out[name] = v
		}
	}
	return out
}

// UseGPU resolves the effective accelerator policy, defaulting to true.
func (c *Config) UseGPU() bool {
	if c == nil || c.Execution.UseGPU == nil {
		return true
	}
	return *c.Execution.UseGPU
}

// MeshEnabled reports whether the mesh stage should run.
func (c *Config) MeshEnabled() bool {
	return c != nil && c.Mesh.Enabled != nil && *c.Mesh.Enabled
}

// TextureEnabled reports whether the texture stage should run.
func (c *Config) TextureEnabled() bool {
	return c != nil && c.Texture.Enabled != nil && *c.Texture.Enabled
}

// Default returns the config written by project initialization.
func Default(projectName string) *Config {
	cfg := &Config{ProjectName: projectName}
	applyDefaults(cfg)
	return cfg
}

// Write serializes the config as YAML to path.
func (c *Config) Write(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
