package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark2vision/mark2/internal/pipeline/config"
	"github.com/mark2vision/mark2/internal/pipeline/engine"
	"github.com/mark2vision/mark2/internal/pipeline/toolexec"
)

// runTexture bakes photometric textures onto the reconstructed mesh and
// exports an OBJ. Skipped entirely when texturing is disabled, and when
// meshing was disabled there is no mesh to texture.
func runTexture(ctx context.Context, sc *engine.StageContext) error {
	if !sc.Config.TextureEnabled() {
		sc.Log.Info("texturing disabled, skipping")
		return nil
	}
	if !sc.Config.MeshEnabled() {
		sc.Log.Info("meshing disabled, nothing to texture")
		return nil
	}

	obj := filepath.Join(sc.Paths.Textures, "textured.obj")
	if _, err := os.Stat(obj); err == nil && !sc.Force {
		sc.Log.Info("textured model exists, skipping", "obj", obj)
		return nil
	}

	meshIn := filepath.Join(sc.Paths.Mesh, "model.mvs")
	dryRun := sc.Tools.Policy().DryRun
	if !dryRun {
		if _, err := os.Stat(meshIn); err != nil {
			return fmt.Errorf("mesh missing: %s", meshIn)
		}
	}

	if sc.Force && !dryRun {
		if err := resetDir(sc.Paths.Textures); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(sc.Paths.Textures, 0o755); err != nil {
		return err
	}
	texOut := filepath.Join(sc.Paths.Textures, "textured.mvs")

	res, err := sc.Tools.Run(ctx, config.ToolTextureMesh, []string{
		meshIn,
		"-w", sc.Paths.Dense,
		"-o", texOut,
		"--export-type", "obj",
	}, toolexec.RunOpts{Dir: sc.Paths.Root})
	if err != nil {
		return err
	}
	if res.Skipped {
		return nil
	}

	if _, err := os.Stat(obj); err != nil {
		return fmt.Errorf("texturing produced no OBJ export: %s", obj)
	}
	sc.Log.Info("texture complete", "obj", obj)
	return nil
}
