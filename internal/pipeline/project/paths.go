// Package project is the central registry for all MARK-2 project paths.
// No stage constructs paths by hand; every on-disk location a stage reads or
// writes is declared here.
package project

import (
	"fmt"
	"os"
	"path/filepath"
)

type Paths struct {
	Root string

	// Input and preprocessing.
	Raw            string
	Images         string
	ImagesFiltered string

	// Reconstruction.
	Database string
	Sparse   string
	Dense    string

	// Outputs.
	Mesh       string
	Textures   string
	Evaluation string

	// Metadata and logs.
	Logs string
	Runs string
}

func New(root string) (*Paths, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	return &Paths{
		Root:           abs,
		Raw:            filepath.Join(abs, "raw"),
		Images:         filepath.Join(abs, "images"),
		ImagesFiltered: filepath.Join(abs, "images_filtered"),
		Database:       filepath.Join(abs, "database"),
		Sparse:         filepath.Join(abs, "sparse"),
		Dense:          filepath.Join(abs, "dense"),
		Mesh:           filepath.Join(abs, "mesh"),
		Textures:       filepath.Join(abs, "textures"),
		Evaluation:     filepath.Join(abs, "evaluation"),
		Logs:           filepath.Join(abs, "logs"),
		Runs:           filepath.Join(abs, "runs"),
	}, nil
}

// EnsureAll creates every registered directory.
func (p *Paths) EnsureAll() error {
	for _, dir := range p.All() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// All returns every registered directory, root first.
func (p *Paths) All() []string {
	return []string{
		p.Root,
		p.Raw,
		p.Images,
		p.ImagesFiltered,
		p.Database,
		p.Sparse,
		p.Dense,
		p.Mesh,
		p.Textures,
		p.Evaluation,
		p.Logs,
		p.Runs,
	}
}

// DatabaseFile is the COLMAP database the database/match stages share.
func (p *Paths) DatabaseFile() string {
	return filepath.Join(p.Database, "database.db")
}

// SceneFile is the OpenMVS scene produced by the densify stage.
func (p *Paths) SceneFile() string {
	return filepath.Join(p.Dense, "scene.mvs")
}
