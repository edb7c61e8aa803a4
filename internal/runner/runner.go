// Package runner assembles the loop's collaborators and runs one invocation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/yarlson/ralph-loop/internal/attempts"
	"github.com/yarlson/ralph-loop/internal/beads"
	"github.com/yarlson/ralph-loop/internal/claude"
	"github.com/yarlson/ralph-loop/internal/config"
	"github.com/yarlson/ralph-loop/internal/console"
	"github.com/yarlson/ralph-loop/internal/eventlog"
	gitpkg "github.com/yarlson/ralph-loop/internal/git"
	"github.com/yarlson/ralph-loop/internal/logging"
	"github.com/yarlson/ralph-loop/internal/loop"
	"github.com/yarlson/ralph-loop/internal/prompt"
	"github.com/yarlson/ralph-loop/internal/quota"
	"github.com/yarlson/ralph-loop/internal/state"
	"github.com/yarlson/ralph-loop/internal/usage"
)

var (
	// ErrMissingBinary is returned when a required executable is not on PATH.
	ErrMissingBinary = errors.New("required executable not found")
	// ErrAborted is returned when the run was interrupted.
	ErrAborted = errors.New("loop aborted")
)

var lookPath = exec.LookPath

// Preflight checks that every executable the loop shells out to is available.
func Preflight(cfg *config.Config) error {
	for _, bin := range []string{cfg.Agent.Command, cfg.Beads.Command, "git"} {
		if _, err := lookPath(bin); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingBinary, bin)
		}
	}
	return nil
}

// Project is the resolved per-project state location.
type Project struct {
	ID       string
	StateDir string
	Remote   string
}

// OpenProject resolves the project identity for workDir and ensures its
// state directory exists.
func OpenProject(ctx context.Context, workDir, stateRoot string) (*Project, error) {
	logger := logging.Component("state")

	remote, err := gitpkg.NewShellManager(workDir).RemoteURL(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("no remote url, using working directory")
		remote = ""
	}

	id, err := state.ResolveProjectID(remote, workDir)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(stateRoot, logger)
	if err != nil {
		return nil, err
	}
	dir, err := store.EnsureStateDir(id, workDir, remote)
	if err != nil {
		return nil, err
	}
	return &Project{ID: id, StateDir: dir, Remote: remote}, nil
}

// Run executes one loop invocation in workDir and prints a summary to stdout.
func Run(ctx context.Context, workDir string, cfg *config.Config, lc loop.Configuration, stdout, stderr io.Writer) (loop.Result, error) {
	printer := console.New(stdout)
	logger := logging.Component("runner")

	if err := Preflight(cfg); err != nil {
		return loop.Result{}, err
	}

	promptDir := lc.PromptDir
	if promptDir == "" {
		promptDir = "."
	}
	if !filepath.IsAbs(promptDir) {
		promptDir = filepath.Join(workDir, promptDir)
	}
	promptText, err := prompt.Load(promptDir, string(lc.Mode), lc.Scope)
	if err != nil {
		return loop.Result{}, err
	}

	project, err := OpenProject(ctx, workDir, lc.StateRoot)
	if err != nil {
		return loop.Result{}, fmt.Errorf("failed to prepare state directory: %w", err)
	}

	if legacy, ok := state.LegacyStatePath(workDir); ok {
		printer.Warning("Found legacy attempt counts at %s; they are no longer read (state lives in %s)", legacy, project.StateDir)
	}

	runID := uuid.NewString()
	events, err := eventlog.Open(state.LogFilePath(project.StateDir, lc.Logging, time.Now(), runID), runID)
	if err != nil {
		printer.Warning("Logging disabled: %v", err)
		events = nil
	}
	defer func() { _ = events.Close() }()

	if lc.Logging {
		removed, err := state.RotateLogs(project.StateDir, lc.LogKeep)
		if err != nil {
			logger.Warn().Err(err).Msg("log rotation failed")
		}
		logger.Debug().Strs("removed", removed).Msg("rotated logs")
	}

	tracker := attempts.NewTracker(
		attempts.NewFileStore(state.AttemptsFilePath(project.StateDir)),
		logging.Component("attempts"))
	queue := beads.NewQueue(beads.NewExecRunner(cfg.Beads.Command, workDir), logging.Component("beads"))

	var usageSource quota.UsageSource
	if cfg.UsageCmd != "" {
		usageSource = usage.NewClient(cfg.UsageCmd)
	}
	backoff := quota.NewController(quota.Options{
		Usage:         usageSource,
		Voider:        tracker,
		Buffer:        cfg.Quota.Buffer,
		DefaultWindow: cfg.Quota.DefaultWait,
		OnTick:        printer.Countdown,
		Logger:        logging.Component("quota"),
	})

	var vcs gitpkg.Manager = gitpkg.NewShellManager(workDir)

	controller := loop.NewController(loop.Deps{
		Queue:     queue,
		Agent:     claude.NewSubprocessRunner(cfg.Agent.Command, cfg.Agent.Args),
		Attempts:  tracker,
		Backoff:   backoff,
		Git:       vcs,
		Events:    events,
		Printer:   printer,
		Logger:    logging.Component("loop"),
		WorkDir:   workDir,
		Pause:     cfg.Loop.StuckPause,
		ShowTools: cfg.Verbose,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			_, _ = fmt.Fprintf(stderr, "\nReceived interrupt signal, stopping...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	printer.Section("Ralph loop: " + string(lc.Mode) + " mode")
	printer.Info("Project %s (state: %s)", project.ID, project.StateDir)
	if lc.Scope != "" {
		printer.Info("Scope: %s", lc.Scope)
	}
	if events != nil {
		printer.Info("Logging to %s", events.Path())
	}
	if branch, err := vcs.CurrentBranch(ctx); err == nil {
		if head, err := vcs.HeadCommit(ctx); err == nil && len(head) >= 8 {
			printer.Info("Branch %s at %s", branch, head[:8])
		} else {
			printer.Info("Branch %s", branch)
		}
	}

	result := controller.Run(ctx, lc, promptText)

	stats, statsErr := queue.Stats(context.WithoutCancel(ctx))
	if statsErr != nil {
		logger.Debug().Err(statsErr).Msg("tracker stats unavailable")
	}
	printer.Section("Summary")
	_, _ = io.WriteString(stdout, FormatSummary(result, stats, statsErr == nil))

	switch result.Outcome {
	case loop.OutcomeAborted:
		return result, fmt.Errorf("%w: %w", ErrAborted, result.Err)
	case loop.OutcomeError:
		return result, result.Err
	}
	return result, nil
}

// FormatSummary renders the end-of-run table.
func FormatSummary(res loop.Result, stats beads.Stats, withStats bool) string {
	rows := [][2]string{
		{"Outcome", string(res.Outcome)},
		{"Iterations", strconv.Itoa(res.Iterations)},
		{"Succeeded", strconv.Itoa(res.Succeeded)},
		{"Failed", strconv.Itoa(res.Failed)},
		{"Closed", strconv.Itoa(len(res.Closed))},
	}
	if len(res.Stuck) > 0 {
		rows = append(rows, [2]string{"Stuck skips", strconv.Itoa(len(res.Stuck))})
	}
	if res.QuotaWaits > 0 {
		rows = append(rows, [2]string{"Quota waits", strconv.Itoa(res.QuotaWaits)})
	}
	rows = append(rows, [2]string{"Elapsed", res.Elapsed.Round(time.Second).String()})

	if withStats {
		rows = append(rows,
			[2]string{"Open", strconv.Itoa(stats.Open)},
			[2]string{"In progress", strconv.Itoa(stats.InProgress)},
			[2]string{"Blocked", strconv.Itoa(stats.Blocked)},
			[2]string{"Ready", strconv.Itoa(stats.Ready)},
			[2]string{"Done", strconv.Itoa(stats.Closed)},
		)
	}
	return console.Table(rows)
}
