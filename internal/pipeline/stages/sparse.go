package stages

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/mark2vision/mark2/internal/pipeline/config"
	"github.com/mark2vision/mark2/internal/pipeline/engine"
	"github.com/mark2vision/mark2/internal/pipeline/run"
	"github.com/mark2vision/mark2/internal/pipeline/toolexec"
)

// sparseModelFiles are the files every valid COLMAP sparse model carries.
var sparseModelFiles = []string{"cameras.bin", "images.bin", "points3D.bin"}

// ErrNoSparseModel means the mapper produced no usable model directory.
var ErrNoSparseModel = errors.New("no sparse models produced")

// exportContract is the handoff record consumed by the densify stage. The
// model hash lets downstream stages detect a sparse model that changed
// underneath them.
type exportContract struct {
	ModelDir        string `json:"model_dir"`
	Format          string `json:"format"`
	SparseHash      string `json:"sparse_hash"`
	ReadyForOpenMVS bool   `json:"ready_for_openmvs"`
}

// runSparse runs the configured mapper (GLOMAP by default, COLMAP as
// fallback), picks the best produced model by 3D point payload size, and
// publishes sparse/export_ready.json.
func runSparse(ctx context.Context, sc *engine.StageContext) error {
	sparseDir := sc.Paths.Sparse
	if sc.Force && !sc.Tools.Policy().DryRun {
		if err := resetDir(sparseDir); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(sparseDir, 0o755); err != nil {
		return err
	}

	tool := config.ToolGLOMAP
	args := []string{
		"mapper",
		"--database_path", sc.Paths.DatabaseFile(),
		"--image_path", sc.Paths.ImagesFiltered,
		"--output_path", sparseDir,
	}
	if sc.Config.Sparse.Method == "colmap" {
		tool = config.ToolCOLMAP
		args = append(args,
			"--Mapper.init_min_num_inliers", strconv.Itoa(sc.Config.Sparse.MinNumInliers),
		)
	}
	sc.Log.Info("sparse reconstruction", "method", sc.Config.Sparse.Method)

	res, err := sc.Tools.Run(ctx, tool, args, toolexec.RunOpts{})
	if err != nil {
		return err
	}
	if res.Skipped {
		return nil
	}

	best, err := selectBestModel(sparseDir)
	if err != nil {
		return err
	}
	hash, err := hashSparseModel(filepath.Join(sparseDir, best))
	if err != nil {
		return err
	}

	contract := exportContract{
		ModelDir:        best,
		Format:          "COLMAP",
		SparseHash:      hash,
		ReadyForOpenMVS: true,
	}
	if err := run.WriteJSONAtomic(filepath.Join(sparseDir, "export_ready.json"), contract); err != nil {
		return err
	}
	sc.Log.Info("sparse model selected", "model_dir", best, "hash", hash)
	return nil
}

// selectBestModel returns the model directory (relative to sparseDir) whose
// points3D.bin is largest. Ties and ordering are made deterministic by
// sorting candidates by name first.
func selectBestModel(sparseDir string) (string, error) {
	entries, err := os.ReadDir(sparseDir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && validSparseModel(filepath.Join(sparseDir, e.Name())) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", ErrNoSparseModel
	}
	sort.Strings(names)

	best := names[0]
	bestSize := fileSize(filepath.Join(sparseDir, best, "points3D.bin"))
	for _, name := range names[1:] {
		if size := fileSize(filepath.Join(sparseDir, name, "points3D.bin")); size > bestSize {
			best, bestSize = name, size
		}
	}
	return best, nil
}

func validSparseModel(dir string) bool {
	for _, f := range sparseModelFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return false
		}
	}
	return true
}

// hashSparseModel digests the model's binary files in a fixed order.
func hashSparseModel(modelDir string) (string, error) {
	h := blake3.New()
	for _, name := range sparseModelFiles {
		f, err := os.Open(filepath.Join(modelDir, name))
		if err != nil {
			return "", fmt.Errorf("hash sparse model: %w", err)
		}
		if _, err := io.Copy(h, f); err != nil {
			_ = f.Close()
			return "", err
		}
		_ = f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
