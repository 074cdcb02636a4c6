package stages

import (
	"context"
	"os"
	"strconv"

	"github.com/mark2vision/mark2/internal/pipeline/config"
	"github.com/mark2vision/mark2/internal/pipeline/engine"
	"github.com/mark2vision/mark2/internal/pipeline/toolexec"
)

// runDatabase creates database/database.db and populates it with SIFT
// features via the COLMAP feature extractor. The camera model is pinned from
// config so reconstruction stays deterministic across machines.
func runDatabase(ctx context.Context, sc *engine.StageContext) error {
	dbPath := sc.Paths.DatabaseFile()

	if _, err := os.Stat(dbPath); err == nil {
		if !sc.Force {
			sc.Log.Info("database exists, skipping", "path", dbPath)
			return nil
		}
		if !sc.Tools.Policy().DryRun {
			if err := os.Remove(dbPath); err != nil {
				return err
			}
		}
	}

	cam := sc.Config.Camera
	single := "0"
	if cam.Single {
		single = "1"
	}
	sc.Log.Info("building feature database",
		"camera_model", cam.Model,
		"single_camera", cam.Single,
	)

	_, err := sc.Tools.Run(ctx, config.ToolCOLMAP, []string{
		"feature_extractor",
		"--database_path", dbPath,
		"--image_path", sc.Paths.ImagesFiltered,
		"--ImageReader.camera_model", cam.Model,
		"--ImageReader.single_camera", single,
		"--SiftExtraction.max_num_features", strconv.Itoa(sc.Config.Features.MaxNumFeatures),
		"--SiftExtraction.edge_threshold", strconv.Itoa(sc.Config.Features.EdgeThreshold),
	}, toolexec.RunOpts{})
	return err
}
