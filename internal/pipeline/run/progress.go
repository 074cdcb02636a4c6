package run

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// AppendProgress appends one event to the run's progress.ndjson feed. Events
// are a machine-readable activity stream for status tooling; the feed is
// best-effort and never authoritative for terminal state (the manifest is).
func (h *Handle) AppendProgress(event map[string]any) error {
	if event == nil {
		event = map[string]any{}
	}
	event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	event["run_id"] = h.RunID

	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(h.ProgressPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(append(b, '\n'))
	return err
}

// ProgressPath is the run's NDJSON progress feed.
func (h *Handle) ProgressPath() string {
	return filepath.Join(h.Root, "progress.ndjson")
}
