// Package stages implements the photogrammetry stages scheduled by the
// engine: ingest through report, in a fixed linear order. Every stage is
// restart-safe: it either skips cleanly when its outputs already exist or
// rebuilds them from its inputs.
package stages

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mark2vision/mark2/internal/pipeline/engine"
)

// Stage names double as checkpoint keys, so they must stay stable across
// releases.
const (
	StageIngest   = "ingest"
	StageFilter   = "filter"
	StageDatabase = "database"
	StageMatch    = "match"
	StageSparse   = "sparse"
	StageDensify  = "densify"
	StageMesh     = "mesh"
	StageTexture  = "texture"
	StageReport   = "report"
)

// All returns the full pipeline in execution order.
func All() []engine.StageDescriptor {
	return []engine.StageDescriptor{
		{Name: StageIngest, Invoke: runIngest},
		{Name: StageFilter, Invoke: runFilter},
		{Name: StageDatabase, Invoke: runDatabase},
		{Name: StageMatch, Invoke: runMatch},
		{Name: StageSparse, Invoke: runSparse},
		{Name: StageDensify, Invoke: runDensify},
		{Name: StageMesh, Invoke: runMesh},
		{Name: StageTexture, Invoke: runTexture},
		{Name: StageReport, Invoke: runReport},
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// dirHasEntries reports whether dir exists and contains at least one entry.
func dirHasEntries(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return len(entries) > 0, nil
}

// resetDir removes dir (if present) and recreates it empty.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return fi.Size()
}

func frameName(idx int) string {
	return fmt.Sprintf("frame_%06d.jpg", idx)
}

func filteredName(idx int) string {
	return fmt.Sprintf("img_%06d.jpg", idx)
}
