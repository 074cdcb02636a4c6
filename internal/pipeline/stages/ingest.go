package stages

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/mark2vision/mark2/internal/pipeline/config"
	"github.com/mark2vision/mark2/internal/pipeline/engine"
	"github.com/mark2vision/mark2/internal/pipeline/run"
	"github.com/mark2vision/mark2/internal/pipeline/toolexec"
)

var (
	imageExts = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".tiff": true, ".tif": true,
	}
	videoExts = map[string]bool{
		".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	}

	// ErrEmptyInput means raw/ held nothing usable.
	ErrEmptyInput = errors.New("no input files found in raw/")

	// ErrMixedInput means raw/ held both images and videos; the dataset
	// would have no single frame-rate or ordering semantics.
	ErrMixedInput = errors.New("mixed image and video inputs not supported")
)

// frameRecord ties an ingested frame back to its source file.
type frameRecord struct {
	Frame  string `json:"frame"`
	Source string `json:"source"`
	Hash   string `json:"hash"`
}

type framesManifest struct {
	InputType  string        `json:"input_type"`
	FrameCount int           `json:"frame_count"`
	Frames     []frameRecord `json:"frames"`
}

// runIngest normalizes raw/ into a clean, deduplicated frame dataset under
// images/. Still images are copied as frame_NNNNNN.jpg; videos are expanded
// through ffmpeg first. Content hashes drop exact duplicates.
func runIngest(ctx context.Context, sc *engine.StageContext) error {
	images := sc.Paths.Images
	populated, err := dirHasEntries(images)
	if err != nil {
		return err
	}
	if populated && !sc.Force {
		sc.Log.Info("images already populated, skipping", "dir", images)
		return nil
	}
	if populated && sc.Tools.Policy().DryRun {
		sc.Log.Info("dry run, keeping existing dataset", "dir", images)
		return nil
	}
	if err := resetDir(images); err != nil {
		return err
	}

	input := sc.Input
	if input == "" {
		input = sc.Paths.Raw
	}
	stills, videos, err := discoverInputs(input)
	if err != nil {
		return err
	}
	if len(stills) == 0 && len(videos) == 0 {
		return ErrEmptyInput
	}
	if len(stills) > 0 && len(videos) > 0 {
		return ErrMixedInput
	}

	var frames []frameRecord
	inputType := "images"
	if len(stills) > 0 {
		frames, err = ingestStills(stills, images, sc.Log)
	} else {
		inputType = "video"
		frames, err = ingestVideos(ctx, sc, videos, images)
	}
	if err != nil {
		return err
	}

	manifest := framesManifest{
		InputType:  inputType,
		FrameCount: len(frames),
		Frames:     frames,
	}
	if manifest.Frames == nil {
		manifest.Frames = []frameRecord{}
	}
	if err := run.WriteJSONAtomic(filepath.Join(images, "frames.json"), manifest); err != nil {
		return err
	}
	sc.Log.Info("ingest complete", "input_type", inputType, "frames", len(frames))
	return nil
}

// discoverInputs splits the input into still images and videos. A directory
// is walked recursively; a single file is classified directly.
func discoverInputs(input string) (stills, videos []string, err error) {
	fi, err := os.Stat(input)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var matches []string
	if fi.IsDir() {
		matches, err = doublestar.FilepathGlob(
			filepath.Join(input, "**", "*"),
			doublestar.WithFilesOnly(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", input, err)
		}
	} else {
		matches = []string{input}
	}
	sort.Strings(matches)
	for _, m := range matches {
		ext := strings.ToLower(filepath.Ext(m))
		switch {
		case imageExts[ext]:
			stills = append(stills, m)
		case videoExts[ext]:
			videos = append(videos, m)
		}
	}
	return stills, videos, nil
}

func ingestStills(paths []string, imagesDir string, log *slog.Logger) ([]frameRecord, error) {
	seen := map[string]bool{}
	var frames []frameRecord
	idx := 0
	for _, src := range paths {
		h, err := hashFile(src)
		if err != nil {
			return nil, err
		}
		if seen[h] {
			log.Warn("duplicate image skipped", "file", filepath.Base(src))
			continue
		}
		dst := filepath.Join(imagesDir, frameName(idx))
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		frames = append(frames, frameRecord{
			Frame:  frameName(idx),
			Source: filepath.Base(src),
			Hash:   h,
		})
		seen[h] = true
		idx++
	}
	return frames, nil
}

func ingestVideos(ctx context.Context, sc *engine.StageContext, videos []string, imagesDir string) ([]frameRecord, error) {
	temp := filepath.Join(imagesDir, "_ffmpeg_tmp")
	seen := map[string]bool{}
	var frames []frameRecord
	idx := 0
	for _, video := range videos {
		if err := resetDir(temp); err != nil {
			return nil, err
		}
		sc.Log.Info("extracting frames", "video", filepath.Base(video))
		res, err := sc.Tools.Run(ctx, config.ToolFFmpeg, []string{
			"-i", video,
			"-vsync", "vfr",
			"-q:v", "2",
			filepath.Join(temp, "%06d.jpg"),
		}, toolexec.RunOpts{})
		if err != nil {
			return nil, err
		}
		if res.Skipped {
			continue
		}

		extracted, err := filepath.Glob(filepath.Join(temp, "*.jpg"))
		if err != nil {
			return nil, err
		}
		sort.Strings(extracted)
		for _, frame := range extracted {
			h, err := hashFile(frame)
			if err != nil {
				return nil, err
			}
			if seen[h] {
				if err := os.Remove(frame); err != nil {
					return nil, err
				}
				continue
			}
			dst := filepath.Join(imagesDir, frameName(idx))
			if err := os.Rename(frame, dst); err != nil {
				return nil, err
			}
			frames = append(frames, frameRecord{
				Frame:  frameName(idx),
				Source: filepath.Base(video),
				Hash:   h,
			})
			seen[h] = true
			idx++
		}
	}
	if err := os.RemoveAll(temp); err != nil {
		return nil, err
	}
	return frames, nil
}

// hashFile returns the hex BLAKE3 digest of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
