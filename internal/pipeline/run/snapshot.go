package run

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mark2vision/mark2/internal/procutil"
)

type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFail    State = "failed"
)

// Snapshot is a compact, read-only view of one run's on-disk state, used by
// status tooling.
type Snapshot struct {
	RunID   string
	RunRoot string
	State   State

	StartedAt   time.Time
	FinishedAt  time.Time
	DurationSec float64

	StagesDone   []string
	StagesFailed []string

	LastEvent   string
	LastStage   string
	LastEventAt time.Time

	PID      int
	PIDAlive bool
}

// LoadSnapshot reads run artifacts in runRoot and returns a run snapshot.
// The manifest is authoritative for terminal state; the progress feed and
// PID file are best-effort activity signals.
func LoadSnapshot(runRoot string) (*Snapshot, error) {
	root := strings.TrimSpace(runRoot)
	if root == "" {
		return nil, fmt.Errorf("run root is required")
	}

	s := &Snapshot{
		RunRoot: root,
		State:   StateUnknown,
	}

	if err := applyManifest(s); err != nil {
		return nil, err
	}
	terminal := s.State == StateSuccess || s.State == StateFail

	if err := applyCheckpoint(s); err != nil {
		return nil, err
	}
	if err := applyLastProgressEvent(s); err != nil {
		return nil, err
	}
	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if s.State == StateRunning && !s.PIDAlive {
		// manifest says running but the driving process is gone.
		s.State = StateUnknown
	}

	return s, nil
}

func applyManifest(s *Snapshot) error {
	m, err := ReadManifest(filepath.Join(s.RunRoot, "manifest.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	s.RunID = m.RunID
	s.StartedAt = m.StartedAt
	switch m.Status {
	case StatusRunning:
		s.State = StateRunning
	case StatusSuccess:
		s.State = StateSuccess
	case StatusFailed:
		s.State = StateFail
	}
	if m.FinishedAt != nil {
		s.FinishedAt = *m.FinishedAt
	}
	if m.DurationSec != nil {
		s.DurationSec = *m.DurationSec
	}
	return nil
}

func applyCheckpoint(s *Snapshot) error {
	store := NewCheckpointStore(filepath.Join(s.RunRoot, "checkpoint.json"))
	doc, err := store.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for stage, status := range doc {
		switch status {
		case StageDone:
			s.StagesDone = append(s.StagesDone, stage)
		case StageFailed:
			s.StagesFailed = append(s.StagesFailed, stage)
		}
	}
	sort.Strings(s.StagesDone)
	sort.Strings(s.StagesFailed)
	return nil
}

func applyLastProgressEvent(s *Snapshot) error {
	ev, found, err := readLastProgressEvent(filepath.Join(s.RunRoot, "progress.ndjson"))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if rid := eventString(ev["run_id"]); rid != "" && s.RunID == "" {
		s.RunID = rid
	}
	s.LastEvent = eventString(ev["event"])
	s.LastStage = eventString(ev["stage"])
	if ts := parseEventTime(ev["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	return nil
}

func applyPIDFile(s *Snapshot, terminalState bool) error {
	path := filepath.Join(s.RunRoot, "run.pid")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminalState {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = procutil.PIDAlive(pid)
	return nil
}

func readLastProgressEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	last := ""
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}

	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Time{}
}
