// Package toolexec is the sole chokepoint for invoking external native
// binaries (COLMAP, GLOMAP, OpenMVS, ffmpeg). Centralizing execution here
// means accelerator policy, fail-fast missing-binary detection, dry-run and
// failure translation are implemented exactly once.
package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// acceleratorEnvKey hides GPUs from child processes that expose no CLI
// switch to disable hardware acceleration (COLMAP and OpenMVS both honor it).
const acceleratorEnvKey = "CUDA_VISIBLE_DEVICES"

// Policy controls how every tool invocation behaves.
type Policy struct {
	// UseGPU false coerces tools onto the CPU path by exporting an empty
	// accelerator visibility variable.
	UseGPU bool

	// DryRun logs fully-formed command lines without spawning anything.
	DryRun bool
}

// UnknownToolError reports an invocation of a logical tool name that was
// never registered.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %q", e.Tool)
}

// ExecError reports a tool that exited non-zero. The full command line and
// captured output ride along for postmortems.
type ExecError struct {
	Tool     string
	Command  string
	ExitCode int
	Output   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("tool %s exited %d: %s", e.Tool, e.ExitCode, e.Command)
}

// Result describes one completed (or dry-run-skipped) invocation.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	Skipped  bool
}

// RunOpts tunes a single invocation.
type RunOpts struct {
	// Dir is the working directory for the child process.
	Dir string

	// AllowFailure suppresses the non-zero-exit error; callers inspect
	// Result.ExitCode themselves.
	AllowFailure bool
}

// Executor resolves logical tool names to validated executables and spawns
// them synchronously under the configured policy.
type Executor struct {
	resolved map[string]string
	policy   Policy
	log      *slog.Logger
}

// New eagerly validates every configured executable: an absolute path must
// exist, a bare name must resolve on PATH. A missing dependency therefore
// fails in the first second of a run instead of hours into a stage.
func New(tools map[string]string, policy Policy, log *slog.Logger) (*Executor, error) {
	if log == nil {
		log = slog.Default()
	}
	resolved := make(map[string]string, len(tools))
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		exe, err := resolveExecutable(tools[name])
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		resolved[name] = exe
	}
	log.Debug("tool executables validated", "count", len(resolved))
	return &Executor{resolved: resolved, policy: policy, log: log}, nil
}

// Policy returns the executor's execution policy.
func (x *Executor) Policy() Policy {
	return x.policy
}

// Run invokes a logical tool synchronously, capturing combined
// stdout+stderr. Non-zero exits become *ExecError unless AllowFailure is
// set. Under DryRun the command is logged and nothing is spawned.
func (x *Executor) Run(ctx context.Context, tool string, args []string, opts RunOpts) (*Result, error) {
	exe, ok := x.resolved[tool]
	if !ok {
		return nil, &UnknownToolError{Tool: tool}
	}
	cmdLine := commandLine(exe, args)
	x.log.Info("tool command", "tool", tool, "cmd", cmdLine)

	if x.policy.DryRun {
		x.log.Info("dry run, skipped", "tool", tool)
		return &Result{Skipped: true}, nil
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = opts.Dir
	cmd.Env = x.childEnv()
	cmd.Stdin = strings.NewReader("")
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	runErr := cmd.Run()
	dur := time.Since(start)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	res := &Result{
		ExitCode: exitCode,
		Output:   buf.String(),
		Duration: dur,
	}

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("spawn %s: %w", tool, runErr)
		}
		if !opts.AllowFailure {
			x.log.Error("tool failed",
				"tool", tool,
				"exit_code", exitCode,
				"duration", dur.Round(time.Millisecond),
				"output", res.Output,
			)
			return res, &ExecError{
				Tool:     tool,
				Command:  cmdLine,
				ExitCode: exitCode,
				Output:   res.Output,
			}
		}
	}

	x.log.Info("tool done", "tool", tool, "exit_code", exitCode, "duration", dur.Round(time.Millisecond))
	if out := strings.TrimSpace(res.Output); out != "" {
		x.log.Debug("tool output", "tool", tool, "output", out)
	}
	return res, nil
}

// childEnv builds the environment for spawned tools. With the GPU disabled
// the accelerator visibility variable is exported empty; otherwise the
// caller's environment is inherited unchanged.
func (x *Executor) childEnv() []string {
	env := os.Environ()
	if x.policy.UseGPU {
		return env
	}
	return append(stripEnvKey(env, acceleratorEnvKey), acceleratorEnvKey+"=")
}

func stripEnvKey(env []string, key string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env))
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) || entry == key {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func resolveExecutable(exe string) (string, error) {
	exe = strings.TrimSpace(exe)
	if exe == "" {
		return "", fmt.Errorf("executable is empty")
	}
	if filepath.IsAbs(exe) {
		if _, err := os.Stat(exe); err != nil {
			return "", fmt.Errorf("executable not found: %s", exe)
		}
		return exe, nil
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return "", fmt.Errorf("executable not on PATH: %s", exe)
	}
	return path, nil
}

func commandLine(exe string, args []string) string {
	parts := append([]string{exe}, args...)
	return strings.Join(parts, " ")
}
