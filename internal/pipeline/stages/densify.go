package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mark2vision/mark2/internal/pipeline/config"
	"github.com/mark2vision/mark2/internal/pipeline/engine"
	"github.com/mark2vision/mark2/internal/pipeline/toolexec"
)

// sceneMinBytes guards against InterfaceCOLMAP writing a header-only scene
// file and exiting zero.
const sceneMinBytes = 50_000

// runDensify bridges the sparse COLMAP model into OpenMVS and densifies it:
// undistort images, convert to dense/scene.mvs, then DensifyPointCloud.
func runDensify(ctx context.Context, sc *engine.StageContext) error {
	contractPath := filepath.Join(sc.Paths.Sparse, "export_ready.json")
	var contract exportContract
	if err := readJSONFile(contractPath, &contract); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("sparse export contract missing: %s", contractPath)
		}
		return err
	}
	modelDir := filepath.Join(sc.Paths.Sparse, contract.ModelDir)
	if !validSparseModel(modelDir) {
		return fmt.Errorf("declared sparse model invalid: %s", modelDir)
	}
	sc.Log.Info("densify input", "model_dir", contract.ModelDir, "sparse_hash", contract.SparseHash)

	dryRun := sc.Tools.Policy().DryRun
	undistorted := filepath.Join(sc.Paths.Dense, "undistorted")
	if sc.Force && !dryRun {
		if err := os.RemoveAll(undistorted); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(undistorted, 0o755); err != nil {
		return err
	}

	if _, err := sc.Tools.Run(ctx, config.ToolCOLMAP, []string{
		"image_undistorter",
		"--image_path", sc.Paths.ImagesFiltered,
		"--input_path", modelDir,
		"--output_path", undistorted,
		"--output_type", "COLMAP",
		"--max_image_size", strconv.Itoa(sc.Config.Dense.MaxImageSize),
	}, toolexec.RunOpts{}); err != nil {
		return err
	}

	scene := sc.Paths.SceneFile()
	if sc.Force && !dryRun {
		if err := os.RemoveAll(scene); err != nil {
			return err
		}
	}
	res, err := sc.Tools.Run(ctx, config.ToolInterfaceCOLMAP, []string{
		"-i", undistorted,
		"-o", scene,
		"--image-folder", filepath.Join(undistorted, "images"),
	}, toolexec.RunOpts{Dir: sc.Paths.Root})
	if err != nil {
		return err
	}
	if !res.Skipped {
		if size := fileSize(scene); size < sceneMinBytes {
			return fmt.Errorf("scene conversion produced invalid %s (%d bytes)", scene, size)
		}
	}

	res, err = sc.Tools.Run(ctx, config.ToolDensify, []string{
		scene,
		"-w", sc.Paths.Dense,
		"--resolution-level", strconv.Itoa(sc.Config.Dense.ResolutionLevel),
	}, toolexec.RunOpts{Dir: sc.Paths.Root})
	if err != nil {
		return err
	}
	if res.Skipped {
		return nil
	}

	densePly := filepath.Join(sc.Paths.Dense, "scene_dense.ply")
	if _, err := os.Stat(densePly); err != nil {
		return fmt.Errorf("densification produced no point cloud: %s", densePly)
	}
	sc.Log.Info("densify complete", "point_cloud", densePly)
	return nil
}
