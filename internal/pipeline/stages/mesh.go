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

// runMesh reconstructs a surface mesh from the dense point cloud. The stage
// is a no-op when meshing is disabled in config; its checkpoint entry is
// still written so resume accounting stays uniform.
func runMesh(ctx context.Context, sc *engine.StageContext) error {
	if !sc.Config.MeshEnabled() {
		sc.Log.Info("meshing disabled, skipping")
		return nil
	}

	meshOut := filepath.Join(sc.Paths.Mesh, "model.mvs")
	if _, err := os.Stat(meshOut); err == nil && !sc.Force {
		sc.Log.Info("mesh exists, skipping", "mesh", meshOut)
		return nil
	}

	denseScene := filepath.Join(sc.Paths.Dense, "scene_dense.mvs")
	dryRun := sc.Tools.Policy().DryRun
	if !dryRun {
		if _, err := os.Stat(denseScene); err != nil {
			return fmt.Errorf("dense scene missing: %s", denseScene)
		}
	}

	if err := os.MkdirAll(sc.Paths.Mesh, 0o755); err != nil {
		return err
	}
	if sc.Force && !dryRun {
		if err := os.RemoveAll(meshOut); err != nil {
			return err
		}
	}

	res, err := sc.Tools.Run(ctx, config.ToolReconstructMesh, []string{
		denseScene,
		"-w", sc.Paths.Dense,
		"-o", meshOut,
	}, toolexec.RunOpts{Dir: sc.Paths.Root})
	if err != nil {
		return err
	}
	if res.Skipped {
		return nil
	}
	if _, err := os.Stat(meshOut); err != nil {
		return fmt.Errorf("mesh reconstruction produced no output: %s", meshOut)
	}
	sc.Log.Info("mesh complete", "mesh", meshOut)
	return nil
}
