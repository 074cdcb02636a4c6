package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

type StageStatus string

const (
	StageDone   StageStatus = "done"
	StageFailed StageStatus = "failed"
)

// CheckpointStore is the durable stage-completion record for one run: a flat
// JSON map of stage name to status. Every mark rewrites the whole document,
// which is safe under the single-orchestrator-per-run discipline.
type CheckpointStore struct {
	path string
}

func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Init writes an empty checkpoint document. Called once at run creation.
func (s *CheckpointStore) Init() error {
	return WriteJSONAtomic(s.path, map[string]StageStatus{})
}

// Load reads the full checkpoint document. A corrupt (non-parseable) file is
// an error, never an implicit fresh start: silently treating corruption as
// "nothing done" would re-run expensive stages behind the operator's back.
func (s *CheckpointStore) Load() (map[string]StageStatus, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var doc map[string]StageStatus
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %s: %w", s.path, err)
	}
	if doc == nil {
		doc = map[string]StageStatus{}
	}
	return doc, nil
}

// Mark records a stage outcome, rewriting the whole document. The checkpoint
// file must already exist; a run starts with an Init'd empty record.
func (s *CheckpointStore) Mark(stage string, status StageStatus) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	doc[stage] = status
	return WriteJSONAtomic(s.path, doc)
}

// Done reports whether a stage completed. Only an exact "done" counts; a
// "failed" entry behaves like an absent one, leaving the stage eligible for
// re-execution. A missing checkpoint file means nothing is done; a corrupt
// one is an error.
func (s *CheckpointStore) Done(stage string) (bool, error) {
	doc, err := s.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return doc[stage] == StageDone, nil
}
