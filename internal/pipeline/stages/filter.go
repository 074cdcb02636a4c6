package stages

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mark2vision/mark2/internal/pipeline/engine"
	"github.com/mark2vision/mark2/internal/pipeline/run"
)

// Filter only drops catastrophic frames. Anything aggressive here breaks
// geometric continuity for structure-from-motion, so the thresholds are
// deliberately loose and a safety net reverts to a plain copy when filtering
// turns out too destructive.
const (
	minImageSide = 64

	// maxDropRatio is the largest fraction of frames filtering may discard
	// before it is considered destructive and reverted.
	maxDropRatio = 0.10
)

type filterReport struct {
	Input    int      `json:"input"`
	Kept     int      `json:"kept"`
	Dropped  int      `json:"dropped"`
	Reverted bool     `json:"reverted"`
	Mode     string   `json:"mode"`
	MinSide  int      `json:"min_side"`
	Reasons  []string `json:"drop_reasons,omitempty"`
}

// runFilter copies usable frames from images/ into images_filtered/ as
// img_NNNNNN.jpg, dropping frames that cannot be decoded or are too small to
// carry features.
func runFilter(ctx context.Context, sc *engine.StageContext) error {
	_ = ctx
	src := sc.Paths.Images
	dst := sc.Paths.ImagesFiltered

	if _, err := os.Stat(src); err != nil {
		return err
	}
	populated, err := dirHasEntries(dst)
	if err != nil {
		return err
	}
	if populated && !sc.Force {
		sc.Log.Info("filtered images exist, skipping", "dir", dst)
		return nil
	}
	if err := resetDir(dst); err != nil {
		return err
	}

	frames, err := listFrames(src)
	if err != nil {
		return err
	}
	sc.Log.Info("filtering frames", "count", len(frames))

	var kept []string
	var reasons []string
	for _, path := range frames {
		if reason := frameDefect(path); reason != "" {
			reasons = append(reasons, filepath.Base(path)+": "+reason)
			continue
		}
		out := filteredName(len(kept))
		if err := copyFile(path, filepath.Join(dst, out)); err != nil {
			return err
		}
		kept = append(kept, out)
	}

	total := len(frames)
	dropped := total - len(kept)
	reverted := false
	dropRatio := 0.0
	if total > 0 {
		dropRatio = float64(dropped) / float64(total)
	}
	minKept := total * 9 / 10
	if minKept < 8 {
		minKept = 8
	}
	if total > 0 && (dropRatio > maxDropRatio || len(kept) < minKept) {
		sc.Log.Warn("filtering too destructive, reverting to plain copy",
			"dropped", dropped, "total", total)
		if err := resetDir(dst); err != nil {
			return err
		}
		kept = kept[:0]
		reasons = nil
		for i, path := range frames {
			if err := copyFile(path, filepath.Join(dst, filteredName(i))); err != nil {
				return err
			}
			kept = append(kept, filteredName(i))
		}
		dropped = 0
		reverted = true
	}

	report := filterReport{
		Input:    total,
		Kept:     len(kept),
		Dropped:  dropped,
		Reverted: reverted,
		Mode:     "sfm-safe",
		MinSide:  minImageSide,
		Reasons:  reasons,
	}
	if err := run.WriteJSONAtomic(filepath.Join(dst, "filter_report.json"), report); err != nil {
		return err
	}
	sc.Log.Info("filter complete", "kept", len(kept), "dropped", dropped, "reverted", reverted)
	return nil
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var frames []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			frames = append(frames, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(frames)
	return frames, nil
}

// frameDefect returns a non-empty reason when the frame must be dropped.
func frameDefect(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "unreadable"
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return "undecodable"
	}
	if cfg.Width < minImageSide || cfg.Height < minImageSide {
		return "too_small"
	}
	return ""
}
