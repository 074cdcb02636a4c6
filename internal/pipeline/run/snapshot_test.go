package run

import (
	"testing"
)

func TestLoadSnapshotOfFinalizedRun(t *testing.T) {
	r := NewRegistry(t.TempDir())
	h, err := r.CreateRun("/proj", "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := h.Checkpoint().Mark("ingest", StageDone); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if err := h.Checkpoint().Mark("filter", StageFailed); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if err := h.AppendProgress(map[string]any{"event": "stage_fail", "stage": "filter"}); err != nil {
		t.Fatalf("AppendProgress: %v", err)
	}
	if err := r.FinalizeRun(h, false); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	snap, err := LoadSnapshot(h.Root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.State != StateFail {
		t.Fatalf("state = %q, want failed", snap.State)
	}
	if snap.RunID != h.RunID {
		t.Fatalf("run id = %q", snap.RunID)
	}
	if len(snap.StagesDone) != 1 || snap.StagesDone[0] != "ingest" {
		t.Fatalf("stages done = %v", snap.StagesDone)
	}
	if len(snap.StagesFailed) != 1 || snap.StagesFailed[0] != "filter" {
		t.Fatalf("stages failed = %v", snap.StagesFailed)
	}
	if snap.LastEvent != "stage_fail" || snap.LastStage != "filter" {
		t.Fatalf("last event = %q stage = %q", snap.LastEvent, snap.LastStage)
	}
	if snap.DurationSec < 0 {
		t.Fatalf("duration = %v", snap.DurationSec)
	}
}

func TestLoadSnapshotLiveRunHasAlivePID(t *testing.T) {
	r := NewRegistry(t.TempDir())
	h, err := r.CreateRun("/proj", "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	snap, err := LoadSnapshot(h.Root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.State != StateRunning {
		t.Fatalf("state = %q, want running", snap.State)
	}
	// The pid file carries this test process's pid, which is alive.
	if !snap.PIDAlive {
		t.Fatal("expected live pid")
	}
}
