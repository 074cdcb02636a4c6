package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mark2vision/mark2/internal/pipeline/config"
	"github.com/mark2vision/mark2/internal/pipeline/engine"
	"github.com/mark2vision/mark2/internal/pipeline/project"
	"github.com/mark2vision/mark2/internal/pipeline/run"
	"github.com/mark2vision/mark2/internal/pipeline/stages"
	"github.com/mark2vision/mark2/internal/pipeline/toolexec"
)

func main() {
	// Optional; tool overrides like MARK2_TOOL_COLMAP often live in .env.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "init":
		cmdInit(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  mark2 init --project <dir> [--name <project_name>]")
	fmt.Fprintln(os.Stderr, "  mark2 run --project <dir> [--input <path>] [--force] [--dry-run]")
	fmt.Fprintln(os.Stderr, "  mark2 resume --project <dir> [--run <run_id>]")
	fmt.Fprintln(os.Stderr, "  mark2 status --project <dir> [--run <run_id>]")
	fmt.Fprintln(os.Stderr, "  mark2 validate --project <dir>")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func requireValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[i]
}

func cmdInit(args []string) {
	var projectRoot, name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			i++
			projectRoot = requireValue(args, i, "--project")
		case "--name":
			i++
			name = requireValue(args, i, "--name")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if projectRoot == "" {
		usage()
		os.Exit(1)
	}

	paths, err := project.New(projectRoot)
	if err != nil {
		fatal(err)
	}
	if err := paths.EnsureAll(); err != nil {
		fatal(err)
	}

	cfgPath := filepath.Join(paths.Root, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		fatal(fmt.Errorf("config already exists: %s", cfgPath))
	}
	if name == "" {
		name = filepath.Base(paths.Root)
	}
	if err := config.Default(name).Write(cfgPath); err != nil {
		fatal(err)
	}
	meta := map[string]any{
		"project_name": name,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
		"schema":       "mark2/project-v1",
	}
	if err := run.WriteJSONAtomic(filepath.Join(paths.Root, "project.json"), meta); err != nil {
		fatal(err)
	}
	fmt.Printf("initialized project at %s\n", paths.Root)
}

func cmdRun(args []string) {
	var projectRoot, input string
	var force, dryRun bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			i++
			projectRoot = requireValue(args, i, "--project")
		case "--input":
			i++
			input = requireValue(args, i, "--input")
		case "--force":
			force = true
		case "--dry-run":
			dryRun = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if projectRoot == "" {
		usage()
		os.Exit(1)
	}
	execute(projectRoot, input, force, dryRun, "")
}

func cmdResume(args []string) {
	var projectRoot, runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			i++
			projectRoot = requireValue(args, i, "--project")
		case "--run":
			i++
			runID = requireValue(args, i, "--run")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if projectRoot == "" {
		usage()
		os.Exit(1)
	}

	paths, cfg := loadProject(projectRoot)
	if runID == "" {
		registry := run.NewRegistry(paths.Runs)
		latest, err := registry.LatestRunID()
		if err != nil {
			fatal(err)
		}
		if latest == "" {
			fatal(errors.New("no runs to resume"))
		}
		runID = latest
	}

	manifest, err := run.ReadManifest(filepath.Join(paths.Runs, runID, "manifest.json"))
	if err != nil {
		fatal(fmt.Errorf("resume %s: %w", runID, err))
	}
	execute(projectRoot, manifest.InputPath, false, cfg.Execution.DryRun, runID)
}

func cmdStatus(args []string) {
	var projectRoot, runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			i++
			projectRoot = requireValue(args, i, "--project")
		case "--run":
			i++
			runID = requireValue(args, i, "--run")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if projectRoot == "" {
		usage()
		os.Exit(1)
	}

	paths, err := project.New(projectRoot)
	if err != nil {
		fatal(err)
	}
	registry := run.NewRegistry(paths.Runs)
	if runID == "" {
		runID, err = registry.LatestRunID()
		if err != nil {
			fatal(err)
		}
		if runID == "" {
			fmt.Println("no runs")
			return
		}
	}

	snap, err := run.LoadSnapshot(filepath.Join(paths.Runs, runID))
	if err != nil {
		fatal(err)
	}
	printSnapshot(snap)
}

func cmdValidate(args []string) {
	var projectRoot string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			i++
			projectRoot = requireValue(args, i, "--project")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if projectRoot == "" {
		usage()
		os.Exit(1)
	}

	_, cfg := loadProject(projectRoot)
	if _, err := toolexec.New(cfg.ToolTable(), toolexec.Policy{}, slog.Default()); err != nil {
		fatal(err)
	}

	tools := cfg.RequiredTools()
	sort.Strings(tools)
	fmt.Println("config ok")
	for _, t := range tools {
		fmt.Printf("tool ok: %s\n", t)
	}
}

func loadProject(projectRoot string) (*project.Paths, *config.Config) {
	paths, err := project.New(projectRoot)
	if err != nil {
		fatal(err)
	}
	cfg, err := config.Load(paths.Root)
	if err != nil {
		fatal(err)
	}
	return paths, cfg
}

func execute(projectRoot, input string, force, dryRun bool, resumeRunID string) {
	paths, cfg := loadProject(projectRoot)
	if err := paths.EnsureAll(); err != nil {
		fatal(err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	executor, err := toolexec.New(cfg.ToolTable(), toolexec.Policy{
		UseGPU: cfg.UseGPU(),
		DryRun: dryRun || cfg.Execution.DryRun,
	}, log)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := run.NewRegistry(paths.Runs)
	orch := engine.New(registry, stages.All(), os.Stderr, log)
	h, err := orch.Execute(ctx, engine.Request{
		Paths:       paths,
		Config:      cfg,
		Tools:       executor,
		Input:       input,
		Force:       force,
		ResumeRunID: resumeRunID,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("run %s completed\n", h.RunID)
}

func printSnapshot(snap *run.Snapshot) {
	fmt.Printf("run:        %s\n", snap.RunID)
	fmt.Printf("state:      %s\n", snap.State)
	if !snap.StartedAt.IsZero() {
		fmt.Printf("started:    %s\n", snap.StartedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if !snap.FinishedAt.IsZero() {
		fmt.Printf("finished:   %s\n", snap.FinishedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if snap.DurationSec > 0 {
		fmt.Printf("duration:   %.1fs\n", snap.DurationSec)
	}
	if len(snap.StagesDone) > 0 {
		fmt.Printf("done:       %v\n", snap.StagesDone)
	}
	if len(snap.StagesFailed) > 0 {
		fmt.Printf("failed:     %v\n", snap.StagesFailed)
	}
	if snap.LastEvent != "" {
		fmt.Printf("last event: %s", snap.LastEvent)
		if snap.LastStage != "" {
			fmt.Printf(" (%s)", snap.LastStage)
		}
		fmt.Println()
	}
	if snap.PID != 0 {
		fmt.Printf("pid:        %d (alive=%t)\n", snap.PID, snap.PIDAlive)
	}
}
