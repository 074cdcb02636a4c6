package stages

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark2vision/mark2/internal/pipeline/run"
)

func TestReportAggregatesStageReports(t *testing.T) {
	sc := newStageContext(t)

	mustWriteJSON(t, filepath.Join(sc.Paths.Images, "frames.json"), map[string]any{
		"input_type":  "images",
		"frame_count": 12,
	})
	mustWriteJSON(t, filepath.Join(sc.Paths.ImagesFiltered, "filter_report.json"), map[string]any{
		"input": 12, "kept": 11, "dropped": 1,
	})
	mustWriteJSON(t, filepath.Join(sc.Paths.Database, "matching_report.json"), map[string]any{
		"strategy":   "exhaustive",
		"assessment": "good",
		"statistics": map[string]any{"images": 11, "coverage_percent": 92.5},
	})
	mustWriteJSON(t, filepath.Join(sc.Paths.Sparse, "export_ready.json"), map[string]any{
		"model_dir": "0", "sparse_hash": "abc123",
	})

	if err := runReport(context.Background(), sc); err != nil {
		t.Fatalf("runReport: %v", err)
	}

	var summary struct {
		ProjectRoot string                    `json:"project_root"`
		RunID       string                    `json:"run_id"`
		Stages      map[string]map[string]any `json:"stages"`
	}
	if err := readJSONFile(filepath.Join(sc.Paths.Evaluation, "summary.json"), &summary); err != nil {
		t.Fatalf("summary.json: %v", err)
	}
	if summary.RunID != sc.Run.RunID {
		t.Fatalf("run id = %q", summary.RunID)
	}
	if len(summary.Stages) != 4 {
		t.Fatalf("stages in summary = %d, want 4", len(summary.Stages))
	}
	if summary.Stages[StageMatch]["assessment"] != "good" {
		t.Fatalf("match section = %v", summary.Stages[StageMatch])
	}

	rows := readCSV(t, filepath.Join(sc.Paths.Evaluation, "summary.csv"))
	if len(rows) < 2 {
		t.Fatalf("csv rows = %d", len(rows))
	}
	header := rows[0]
	if header[0] != "stage" || header[1] != "metric" || header[2] != "value" {
		t.Fatalf("csv header = %v", header)
	}
	if !hasRow(rows, StageFilter, "kept", "11") {
		t.Fatalf("missing filter kept row in %v", rows)
	}
	// Nested scalars flatten with dotted metric names.
	if !hasRow(rows, StageMatch, "statistics.coverage_percent", "92.5") {
		t.Fatalf("missing nested coverage row in %v", rows)
	}
}

func TestReportToleratesMissingSources(t *testing.T) {
	sc := newStageContext(t)
	mustWriteJSON(t, filepath.Join(sc.Paths.Sparse, "export_ready.json"), map[string]any{
		"model_dir": "0",
	})

	if err := runReport(context.Background(), sc); err != nil {
		t.Fatalf("runReport: %v", err)
	}
	var summary struct {
		Stages map[string]map[string]any `json:"stages"`
	}
	if err := readJSONFile(filepath.Join(sc.Paths.Evaluation, "summary.json"), &summary); err != nil {
		t.Fatalf("summary.json: %v", err)
	}
	if len(summary.Stages) != 1 {
		t.Fatalf("stages = %v", summary.Stages)
	}
}

func TestFlattenScalars(t *testing.T) {
	rows := flattenScalars("", map[string]any{
		"b":    1.0,
		"a":    "x",
		"flag": true,
		"nest": map[string]any{"inner": 2.0},
		"list": []any{"skipped"},
	})
	want := [][2]string{
		{"a", "x"},
		{"b", "1"},
		{"flag", "true"},
		{"nest.inner", "2"},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v", rows)
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("rows[%d] = %v, want %v", i, rows[i], want[i])
		}
	}
}

func mustWriteJSON(t *testing.T, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := run.WriteJSONAtomic(path, v); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func hasRow(rows [][]string, stage, metric, value string) bool {
	for _, r := range rows {
		if len(r) == 3 && r[0] == stage && r[1] == metric && r[2] == value {
			return true
		}
	}
	return false
}
