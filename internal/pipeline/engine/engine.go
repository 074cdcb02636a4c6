// Package engine drives a pipeline run: it walks an ordered stage list,
// consults the checkpoint record to skip completed work, and owns run
// finalization. Stages are opaque to the engine; anything satisfying the
// stage contract can be scheduled.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mark2vision/mark2/internal/pipeline/config"
	"github.com/mark2vision/mark2/internal/pipeline/project"
	"github.com/mark2vision/mark2/internal/pipeline/run"
	"github.com/mark2vision/mark2/internal/pipeline/toolexec"
)

// StageContext carries everything a stage may need. Stages read from it and
// write only to the project tree and the run directory.
type StageContext struct {
	Paths  *project.Paths
	Config *config.Config
	Tools  *toolexec.Executor
	Run    *run.Handle

	// Input is the raw input path recorded in the manifest (a video file
	// or an image directory). Only the ingest stage consumes it.
	Input string

	// Force reruns stages even when the checkpoint says they are done.
	Force bool

	Log *slog.Logger
}

// StageFunc is the uniform stage entrypoint. A nil return marks the stage
// done; any error marks it failed and aborts the run.
type StageFunc func(ctx context.Context, sc *StageContext) error

// StageDescriptor names one schedulable stage.
type StageDescriptor struct {
	Name   string
	Invoke StageFunc
}

// Request describes one run invocation.
type Request struct {
	Paths  *project.Paths
	Config *config.Config
	Tools  *toolexec.Executor
	Input  string
	Force  bool

	// ResumeRunID reattaches to an existing run instead of creating a
	// fresh one. Empty means a fresh run.
	ResumeRunID string
}

// Orchestrator executes stage lists against a run registry. It is
// single-threaded: one stage at a time, in declaration order.
type Orchestrator struct {
	registry *run.Registry
	stages   []StageDescriptor
	out      io.Writer
	log      *slog.Logger
}

// New builds an orchestrator over a registry and an ordered stage list.
// out receives the run log tee (defaults to stderr).
func New(registry *run.Registry, stages []StageDescriptor, out io.Writer, log *slog.Logger) *Orchestrator {
	if out == nil {
		out = os.Stderr
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{registry: registry, stages: stages, out: out, log: log}
}

// Execute runs every stage in order against a fresh or resumed run. The run
// is always finalized before Execute returns: success when all stages
// completed, failed as soon as one stage errors. The returned handle is
// non-nil whenever a run directory was created or reattached.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*run.Handle, error) {
	var h *run.Handle
	var err error
	if req.ResumeRunID != "" {
		h, err = o.registry.ResumeRun(req.ResumeRunID)
	} else {
		h, err = o.registry.CreateRun(req.Paths.Root, req.Input)
	}
	if err != nil {
		return nil, err
	}

	runLog, closeLog, err := o.newRunLogger(h)
	if err != nil {
		_ = o.registry.FinalizeRun(h, false)
		return h, err
	}
	defer closeLog()

	sc := &StageContext{
		Paths:  req.Paths,
		Config: req.Config,
		Tools:  req.Tools,
		Run:    h,
		Input:  req.Input,
		Force:  req.Force,
		Log:    runLog,
	}

	runLog.Info("run started",
		"run_id", h.RunID,
		"resumed", req.ResumeRunID != "",
		"stages", len(o.stages),
		"force", req.Force,
	)

	for _, st := range o.stages {
		if err := ctx.Err(); err != nil {
			return h, o.fail(h, runLog, st.Name, err)
		}

		done, err := h.Checkpoint().Done(st.Name)
		if err != nil {
			return h, o.fail(h, runLog, st.Name, err)
		}
		if done && !req.Force {
			runLog.Info("stage skipped", "stage", st.Name)
			_ = h.AppendProgress(map[string]any{"event": "stage_skip", "stage": st.Name})
			continue
		}

		runLog.Info("stage started", "stage", st.Name)
		_ = h.AppendProgress(map[string]any{"event": "stage_start", "stage": st.Name})
		start := time.Now()

		if err := st.Invoke(ctx, sc); err != nil {
			if markErr := h.Checkpoint().Mark(st.Name, run.StageFailed); markErr != nil {
				runLog.Error("checkpoint write failed", "stage", st.Name, "error", markErr)
			}
			_ = h.AppendProgress(map[string]any{
				"event": "stage_fail",
				"stage": st.Name,
				"error": err.Error(),
			})
			return h, o.fail(h, runLog, st.Name, err)
		}

		if err := h.Checkpoint().Mark(st.Name, run.StageDone); err != nil {
			return h, o.fail(h, runLog, st.Name, err)
		}
		dur := time.Since(start)
		runLog.Info("stage done", "stage", st.Name, "duration", dur.Round(time.Millisecond))
		_ = h.AppendProgress(map[string]any{
			"event":        "stage_done",
			"stage":        st.Name,
			"duration_sec": dur.Seconds(),
		})
	}

	if err := o.registry.FinalizeRun(h, true); err != nil {
		return h, err
	}
	_ = h.AppendProgress(map[string]any{"event": "run_finalized", "status": string(run.StatusSuccess)})
	runLog.Info("run finished", "run_id", h.RunID, "status", run.StatusSuccess)
	return h, nil
}

// fail finalizes the run as failed and wraps the stage error. Finalization
// errors are logged but never mask the stage error.
func (o *Orchestrator) fail(h *run.Handle, log *slog.Logger, stage string, err error) error {
	wrapped := fmt.Errorf("stage %s: %w", stage, err)
	log.Error("run failed", "run_id", h.RunID, "stage", stage, "error", err)
	if finErr := o.registry.FinalizeRun(h, false); finErr != nil {
		log.Error("finalize failed", "run_id", h.RunID, "error", finErr)
	}
	_ = h.AppendProgress(map[string]any{
		"event":  "run_finalized",
		"status": string(run.StatusFailed),
		"stage":  stage,
	})
	return wrapped
}

// newRunLogger tees structured logs to the orchestrator's output and the
// run's pipeline.log so every run keeps a self-contained transcript.
func (o *Orchestrator) newRunLogger(h *run.Handle) (*slog.Logger, func(), error) {
	f, err := os.OpenFile(filepath.Join(h.LogsDir, "pipeline.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open run log: %w", err)
	}
	handler := slog.NewTextHandler(io.MultiWriter(o.out, f), nil)
	return slog.New(handler), func() { _ = f.Close() }, nil
}
