// Package run owns the lifecycle of a single pipeline run: identity, the
// run directory, the manifest, and the per-stage checkpoint record.
package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

var (
	// ErrActiveRun is returned when a second run is started on a registry
	// that already has one in flight.
	ErrActiveRun = errors.New("a run is already active")

	// ErrRunExists is returned when the run directory already exists,
	// which indicates a duplicate run ID.
	ErrRunExists = errors.New("run directory already exists")
)

// Manifest is the persisted run record. It is written once with
// status=running and rewritten exactly once at finalization.
type Manifest struct {
	RunID       string     `json:"run_id"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationSec *float64   `json:"duration_sec,omitempty"`
	ProjectRoot string     `json:"project_root"`
	InputPath   string     `json:"input_path"`
}

// Handle identifies one run on disk. It is owned by the orchestrator for the
// run's duration and becomes read-only after finalization.
type Handle struct {
	RunID          string
	Root           string
	LogsDir        string
	CheckpointPath string
	ManifestPath   string
	StartedAt      time.Time

	checkpoint *CheckpointStore
}

// Checkpoint returns the run's checkpoint store.
func (h *Handle) Checkpoint() *CheckpointStore {
	return h.checkpoint
}

// NewRunID generates a unique, filesystem-safe run identifier:
// a UTC timestamp plus a random ULID-derived suffix.
func NewRunID() string {
	suffix := strings.ToLower(ulid.Make().String())
	return fmt.Sprintf("run_%s_%s", time.Now().UTC().Format("20060102_150405"), suffix[len(suffix)-6:])
}

// Registry creates and finalizes runs under a single runs root. At most one
// run may be active per registry instance.
type Registry struct {
	runsRoot string

	mu     sync.Mutex
	active *Handle
}

func NewRegistry(runsRoot string) *Registry {
	return &Registry{runsRoot: runsRoot}
}

// CreateRun allocates a fresh run: directory, logs dir, initial manifest
// (status=running), empty checkpoint, and PID file. Directory creation is
// atomic; an existing directory is a duplicate-run error.
func (r *Registry) CreateRun(projectRoot, inputPath string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrActiveRun, r.active.RunID)
	}

	if err := os.MkdirAll(r.runsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create runs root: %w", err)
	}

	h := newHandle(r.runsRoot, NewRunID())
	h.StartedAt = time.Now().UTC()

	if err := os.Mkdir(h.Root, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrRunExists, h.Root)
		}
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if err := os.Mkdir(h.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	manifest := Manifest{
		RunID:       h.RunID,
		Status:      StatusRunning,
		StartedAt:   h.StartedAt,
		ProjectRoot: projectRoot,
		InputPath:   inputPath,
	}
	if err := WriteJSONAtomic(h.ManifestPath, manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := h.checkpoint.Init(); err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := writePIDFile(h.Root); err != nil {
		return nil, err
	}

	r.active = h
	return h, nil
}

// ResumeRun reattaches to an existing run directory. The manifest's original
// started_at is preserved so duration_sec spans the whole run, not just the
// resumed portion.
func (r *Registry) ResumeRun(runID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrActiveRun, r.active.RunID)
	}

	h := newHandle(r.runsRoot, runID)
	manifest, err := ReadManifest(h.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	h.StartedAt = manifest.StartedAt

	// The checkpoint must already exist and parse; a corrupt checkpoint
	// must never degrade to "nothing done".
	if _, err := h.checkpoint.Load(); err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	if err := writePIDFile(h.Root); err != nil {
		return nil, err
	}

	r.active = h
	return h, nil
}

// FinalizeRun rewrites the manifest's status and timing fields and releases
// the active-run slot. Callers invoke it exactly once per run.
func (r *Registry) FinalizeRun(h *Handle, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	manifest, err := ReadManifest(h.ManifestPath)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", h.RunID, err)
	}
	finished := time.Now().UTC()
	duration := finished.Sub(manifest.StartedAt).Seconds()

	manifest.Status = StatusFailed
	if success {
		manifest.Status = StatusSuccess
	}
	manifest.FinishedAt = &finished
	manifest.DurationSec = &duration
	if err := WriteJSONAtomic(h.ManifestPath, manifest); err != nil {
		return fmt.Errorf("finalize %s: %w", h.RunID, err)
	}

	if r.active != nil && r.active.RunID == h.RunID {
		r.active = nil
	}
	return nil
}

// LatestRunID returns the most recent run directory name, or "" when no runs
// exist. Run IDs sort lexicographically by creation time.
func (r *Registry) LatestRunID() (string, error) {
	entries, err := os.ReadDir(r.runsRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "run_") {
			ids = append(ids, e.Name())
		}
	}
	if len(ids) == 0 {
		return "", nil
	}
	sort.Strings(ids)
	return ids[len(ids)-1], nil
}

func newHandle(runsRoot, runID string) *Handle {
	root := filepath.Join(runsRoot, runID)
	return &Handle{
		RunID:          runID,
		Root:           root,
		LogsDir:        filepath.Join(root, "logs"),
		CheckpointPath: filepath.Join(root, "checkpoint.json"),
		ManifestPath:   filepath.Join(root, "manifest.json"),
		checkpoint:     NewCheckpointStore(filepath.Join(root, "checkpoint.json")),
	}
}

// ReadManifest loads and decodes a run manifest.
func ReadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &m, nil
}

func writePIDFile(runRoot string) error {
	path := filepath.Join(runRoot, "run.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// WriteJSONAtomic writes v as indented JSON via a temp file + rename so
// readers never observe a partial document.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
