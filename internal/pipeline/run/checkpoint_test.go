package run

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *CheckpointStore {
	t.Helper()
	s := NewCheckpointStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestCheckpointMarkAndDone(t *testing.T) {
	s := newTestStore(t)

	done, err := s.Done("ingest")
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	if done {
		t.Fatal("unmarked stage reported done")
	}

	if err := s.Mark("ingest", StageDone); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	done, err = s.Done("ingest")
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	if !done {
		t.Fatal("marked stage not reported done")
	}
}

func TestCheckpointFailedIsNotDone(t *testing.T) {
	s := newTestStore(t)
	if err := s.Mark("sparse", StageFailed); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	done, err := s.Done("sparse")
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	if done {
		t.Fatal("failed stage reported done")
	}
}

func TestCheckpointMarkOverwrites(t *testing.T) {
	s := newTestStore(t)
	if err := s.Mark("match", StageFailed); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if err := s.Mark("match", StageDone); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	record, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if record["match"] != StageDone {
		t.Fatalf("record[match] = %q", record["match"])
	}
}

func TestCheckpointMissingFile(t *testing.T) {
	s := NewCheckpointStore(filepath.Join(t.TempDir(), "absent.json"))
	done, err := s.Done("ingest")
	if err != nil {
		t.Fatalf("Done on missing file: %v", err)
	}
	if done {
		t.Fatal("missing checkpoint reported a stage done")
	}
}

func TestCheckpointCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte(`{"ingest": `), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewCheckpointStore(path)

	if _, err := s.Done("ingest"); err == nil {
		t.Fatal("corrupt checkpoint must error, not read as empty")
	}
	_, err := s.Load()
	if err == nil || !strings.Contains(err.Error(), "corrupt checkpoint") {
		t.Fatalf("Load err = %v, want corrupt checkpoint error", err)
	}
}

func TestCheckpointPersistsAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s := NewCheckpointStore(path)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Mark("ingest", StageDone); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	done, err := NewCheckpointStore(path).Done("ingest")
	if err != nil || !done {
		t.Fatalf("reopened store: done=%t err=%v", done, err)
	}
}
