package stages

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mark2vision/mark2/internal/pipeline/engine"
	"github.com/mark2vision/mark2/internal/pipeline/run"
)

type runSummary struct {
	ProjectRoot string                    `json:"project_root"`
	RunID       string                    `json:"run_id"`
	Stages      map[string]map[string]any `json:"stages"`
}

// runReport aggregates the per-stage reports into evaluation/summary.json
// and a flat evaluation/summary.csv. Missing reports are tolerated: a run
// with meshing disabled still gets a summary of what it did produce.
func runReport(ctx context.Context, sc *engine.StageContext) error {
	_ = ctx
	if err := os.MkdirAll(sc.Paths.Evaluation, 0o755); err != nil {
		return err
	}

	sources := []struct {
		stage string
		path  string
	}{
		{StageIngest, filepath.Join(sc.Paths.Images, "frames.json")},
		{StageFilter, filepath.Join(sc.Paths.ImagesFiltered, "filter_report.json")},
		{StageMatch, filepath.Join(sc.Paths.Database, "matching_report.json")},
		{StageSparse, filepath.Join(sc.Paths.Sparse, "export_ready.json")},
	}

	summary := runSummary{
		ProjectRoot: sc.Paths.Root,
		RunID:       sc.Run.RunID,
		Stages:      map[string]map[string]any{},
	}
	for _, src := range sources {
		var doc map[string]any
		if err := readJSONFile(src.path, &doc); err != nil {
			if os.IsNotExist(err) {
				sc.Log.Warn("stage report missing", "stage", src.stage, "path", src.path)
				continue
			}
			return err
		}
		summary.Stages[src.stage] = doc
	}
	if len(summary.Stages) == 0 {
		sc.Log.Warn("no stage reports found, summary will be empty")
	}

	if err := run.WriteJSONAtomic(filepath.Join(sc.Paths.Evaluation, "summary.json"), summary); err != nil {
		return err
	}
	if err := writeSummaryCSV(filepath.Join(sc.Paths.Evaluation, "summary.csv"), summary); err != nil {
		return err
	}
	sc.Log.Info("summary written", "stages", len(summary.Stages))
	return nil
}

// writeSummaryCSV flattens scalar metrics into stage,metric,value rows in a
// deterministic order.
func writeSummaryCSV(path string, summary runSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{"stage", "metric", "value"}); err != nil {
		_ = f.Close()
		return err
	}

	stages := make([]string, 0, len(summary.Stages))
	for stage := range summary.Stages {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		for _, row := range flattenScalars("", summary.Stages[stage]) {
			if err := w.Write([]string{stage, row[0], row[1]}); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// flattenScalars walks nested maps and returns sorted metric,value pairs.
// Non-scalar leaves (arrays, nulls) are skipped.
func flattenScalars(prefix string, doc map[string]any) [][2]string {
	var rows [][2]string
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := doc[k].(type) {
		case map[string]any:
			rows = append(rows, flattenScalars(name, v)...)
		case string:
			rows = append(rows, [2]string{name, v})
		case bool:
			rows = append(rows, [2]string{name, fmt.Sprintf("%t", v)})
		case float64:
			rows = append(rows, [2]string{name, fmt.Sprintf("%g", v)})
		}
	}
	return rows
}
