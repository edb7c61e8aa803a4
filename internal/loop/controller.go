package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/yarlson/ralph-loop/internal/attempts"
	"github.com/yarlson/ralph-loop/internal/beads"
	"github.com/yarlson/ralph-loop/internal/claude"
	"github.com/yarlson/ralph-loop/internal/console"
	"github.com/yarlson/ralph-loop/internal/eventlog"
	"github.com/yarlson/ralph-loop/internal/quota"
	"github.com/yarlson/ralph-loop/internal/stream"
)

// Outcome is the reason a loop run stopped.
type Outcome string

const (
	// OutcomeMaxIterations indicates the iteration limit was reached.
	OutcomeMaxIterations Outcome = "max_iterations"
	// OutcomeEmptyQueue indicates no ready work was left.
	OutcomeEmptyQueue Outcome = "empty_queue"
	// OutcomeAborted indicates the run was cancelled.
	OutcomeAborted Outcome = "aborted"
	// OutcomeError indicates the work queue could not be queried.
	OutcomeError Outcome = "error"
)

var validOutcomes = map[Outcome]bool{
	OutcomeMaxIterations: true,
	OutcomeEmptyQueue:    true,
	OutcomeAborted:       true,
	OutcomeError:         true,
}

// IsValid returns true if the outcome is a valid value.
func (o Outcome) IsValid() bool {
	return validOutcomes[o]
}

// Graceful reports whether the outcome is a normal end of work.
func (o Outcome) Graceful() bool {
	return o == OutcomeMaxIterations || o == OutcomeEmptyQueue
}

// MaxQueryFailures is how many consecutive ready-queue failures end the run.
const MaxQueryFailures = 3

// StuckNote is the note attached to an item skipped for reaching the attempt threshold.
const StuckNote = "ralph-loop: stuck after %d attempts without closing; skipped"

// WorkQueue is the subset of the issue tracker the loop drives.
type WorkQueue interface {
	Ready(ctx context.Context, scope string) ([]beads.Issue, error)
	Show(ctx context.Context, id string) (beads.Issue, error)
	AddNote(ctx context.Context, id, note string) error
	Sync(ctx context.Context) error
}

// Backoff voids refused attempts and waits out a usage limit.
type Backoff interface {
	Void(itemID string) error
	ResumeTime(ctx context.Context, det quota.Detection) (time.Time, quota.Source)
	Wait(ctx context.Context, resumeAt time.Time) error
}

// Pusher publishes local commits.
type Pusher interface {
	Push(ctx context.Context) error
}

// Deps contains the collaborators of a Controller.
type Deps struct {
	Queue    WorkQueue
	Agent    claude.Runner
	Attempts *attempts.Tracker
	Backoff  Backoff
	Git      Pusher
	Events   *eventlog.Writer
	Printer  *console.Printer
	Logger   zerolog.Logger

	// WorkDir is where the agent runs.
	WorkDir string
	// TempDir holds per-iteration output captures; empty means os.TempDir.
	TempDir string
	// Pause separates stuck skips and ready-queue retries.
	Pause time.Duration
	// ShowTools prints one line per agent tool call.
	ShowTools bool
}

// Result summarizes a loop run.
type Result struct {
	Outcome    Outcome
	Iterations int
	Succeeded  int
	Failed     int
	Closed     []string
	Stuck      []string
	QuotaWaits int
	Elapsed    time.Duration
	// Err is set for OutcomeError and OutcomeAborted.
	Err error
}

// Controller drives iterations until an exit condition holds.
type Controller struct {
	deps      Deps
	threshold int
	now       func() time.Time
}

// NewController creates a Controller.
func NewController(deps Deps) *Controller {
	if deps.Printer == nil {
		deps.Printer = console.New(io.Discard)
	}
	return &Controller{
		deps:      deps,
		threshold: attempts.DefaultStuckThreshold,
		now:       time.Now,
	}
}

// selection is the item chosen for one pass.
type selection struct {
	issue beads.Issue
	retry bool
	stop  *Outcome
	err   error
}

// Run executes passes until the iteration limit, an empty queue, an
// unrecoverable query failure or cancellation.
func (c *Controller) Run(ctx context.Context, cfg Configuration, prompt string) Result {
	start := c.now()
	d := c.deps
	res := Result{}

	d.Events.LoopStart(string(cfg.Mode), cfg.MaxIterations, cfg.Scope)
	d.Logger.Info().
		Str("mode", string(cfg.Mode)).
		Int("max_iterations", cfg.MaxIterations).
		Str("scope", cfg.Scope).
		Msg("loop started")

	finish := func(o Outcome, err error) Result {
		res.Outcome = o
		res.Err = err
		res.Elapsed = c.now().Sub(start)
		d.Events.LoopEnd(string(o), res.Iterations)
		return res
	}

	queryFailures := 0
	for {
		if err := ctx.Err(); err != nil {
			return finish(OutcomeAborted, err)
		}

		if cfg.MaxIterations > 0 && res.Iterations >= cfg.MaxIterations {
			d.Printer.Success("Reached max iterations: %d", cfg.MaxIterations)
			return finish(OutcomeMaxIterations, nil)
		}

		iteration := res.Iterations + 1
		var issue beads.Issue

		if cfg.Mode == ModeBuild {
			sel := c.selectItem(ctx, cfg.Scope, &res)
			if sel.stop != nil {
				return finish(*sel.stop, sel.err)
			}
			if sel.err != nil {
				queryFailures++
				d.Printer.Warning("Ready queue query failed (%d/%d): %v", queryFailures, MaxQueryFailures, sel.err)
				if queryFailures >= MaxQueryFailures {
					return finish(OutcomeError, fmt.Errorf("ready queue unavailable: %w", sel.err))
				}
				if err := sleepCtx(ctx, d.Pause); err != nil {
					return finish(OutcomeAborted, err)
				}
				continue
			}
			queryFailures = 0
			if sel.retry {
				if err := sleepCtx(ctx, d.Pause); err != nil {
					return finish(OutcomeAborted, err)
				}
				continue
			}
			issue = sel.issue
		}

		counted, err := c.iterate(ctx, cfg, prompt, iteration, issue, &res)
		if err != nil {
			return finish(OutcomeAborted, err)
		}
		if !counted {
			continue
		}

		res.Iterations++
	}
}

// iterate runs the agent once. It reports false when the run was refused for
// quota and must not count, or an error when the run was cancelled.
func (c *Controller) iterate(ctx context.Context, cfg Configuration, prompt string, iteration int, issue beads.Issue, res *Result) (bool, error) {
	d := c.deps

	d.Printer.Section(fmt.Sprintf("Iteration %d", iteration))
	if issue.ID != "" {
		d.Printer.Info("Working on %s: %s (attempt %d)", issue.ID, issue.Title, d.Attempts.Get(issue.ID))
	}
	d.Events.IterationStart(iteration, issue.ID, string(cfg.Mode))

	result, outputPath, runErr := c.invoke(ctx, prompt)
	if outputPath != "" {
		defer func() { _ = os.Remove(outputPath) }()
	}

	end := eventlog.IterationEnd{Iteration: iteration, IssueID: issue.ID, ExitCode: -1}
	if runErr == nil {
		end.ExitCode = result.ExitCode
		end.Duration = result.Duration
		end.NumTurns = result.Summary.NumTurns
		end.CostUSD = result.Summary.CostUSD
	}

	if err := ctx.Err(); err != nil {
		if issue.ID != "" {
			_ = d.Attempts.Decrement(issue.ID)
		}
		end.Aborted = true
		d.Events.IterationEnd(end)
		return false, err
	}

	limited, err := c.handleQuota(ctx, end, outputPath, res)
	if err != nil {
		return false, err
	}
	if limited {
		return false, nil
	}

	if runErr != nil {
		d.Printer.Warning("Agent invocation failed: %v", runErr)
	}

	if end.ExitCode == 0 {
		res.Succeeded++
	} else {
		res.Failed++
		if runErr == nil {
			d.Printer.Warning("Agent exited with code %d", end.ExitCode)
		}
	}

	if issue.ID != "" {
		end.Closed = c.checkClosed(ctx, issue.ID, res)
	}
	d.Events.IterationEnd(end)

	c.publish(ctx)
	return true, nil
}

// selectItem picks the head of the ready queue, skipping it when stuck.
func (c *Controller) selectItem(ctx context.Context, scope string, res *Result) selection {
	d := c.deps

	ready, err := d.Queue.Ready(ctx, scope)
	if err != nil {
		if ctx.Err() != nil {
			o := OutcomeAborted
			return selection{stop: &o, err: ctx.Err()}
		}
		return selection{err: err}
	}
	if len(ready) == 0 {
		d.Printer.Success("No ready work left")
		o := OutcomeEmptyQueue
		return selection{stop: &o}
	}

	issue := ready[0]
	if d.Attempts.IsStuck(issue.ID, c.threshold) {
		count := d.Attempts.Get(issue.ID)
		d.Printer.Warning("%s is stuck after %d attempts; skipping", issue.ID, count)
		if err := d.Queue.AddNote(ctx, issue.ID, fmt.Sprintf(StuckNote, count)); err != nil {
			d.Printer.Warning("Failed to annotate %s: %v", issue.ID, err)
		}
		if err := d.Attempts.Reset(issue.ID); err != nil {
			d.Logger.Warn().Err(err).Str("issue_id", issue.ID).Msg("failed to reset attempts")
		}
		d.Events.Stuck(issue.ID, count)
		res.Stuck = append(res.Stuck, issue.ID)
		return selection{retry: true}
	}

	if _, err := d.Attempts.Increment(issue.ID); err != nil {
		d.Logger.Warn().Err(err).Str("issue_id", issue.ID).Msg("failed to record attempt")
	}
	return selection{issue: issue}
}

// invoke runs the agent with its output captured to a temporary file.
func (c *Controller) invoke(ctx context.Context, prompt string) (*claude.Result, string, error) {
	d := c.deps

	f, err := os.CreateTemp(d.TempDir, "ralph-iteration-*.out")
	if err != nil {
		return nil, "", fmt.Errorf("create output capture: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return nil, path, err
	}

	tee := io.MultiWriter(d.Events.Output(), stream.NewRenderer(d.Printer.Writer(), d.ShowTools))
	result, err := d.Agent.Run(ctx, claude.Request{
		Prompt:     prompt,
		WorkDir:    d.WorkDir,
		OutputPath: path,
		Tee:        tee,
	})
	return result, path, err
}

// handleQuota closes a refused run, voids its attempt and waits out the
// limit. It reports whether the run was refused, or a non-nil error when the
// wait was cancelled.
func (c *Controller) handleQuota(ctx context.Context, end eventlog.IterationEnd, outputPath string, res *Result) (bool, error) {
	d := c.deps
	if outputPath == "" || d.Backoff == nil {
		return false, nil
	}

	det, err := quota.DetectFile(outputPath)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("failed to scan iteration output")
		return false, nil
	}
	if !det.Limited {
		return false, nil
	}

	res.QuotaWaits++
	if err := d.Backoff.Void(end.IssueID); err != nil {
		d.Logger.Warn().Err(err).Msg("failed to void attempt")
	}
	end.Refused = true
	d.Events.IterationEnd(end)

	resumeAt, source := d.Backoff.ResumeTime(ctx, det)
	d.Events.QuotaExhausted(end.Iteration, end.IssueID, resumeAt, string(source))
	d.Printer.Warning("Usage limit reached; resuming at %s (%s)",
		resumeAt.Local().Format("2006-01-02 15:04:05 MST"), source)

	if err := d.Backoff.Wait(ctx, resumeAt); err != nil {
		if errors.Is(err, quota.ErrCancelled) {
			d.Printer.Warning("Wait cancelled")
		}
		return true, err
	}

	d.Events.QuotaResumed(end.Iteration)
	d.Printer.Info("Resuming")
	return true, nil
}

// checkClosed resets the attempt count of an item the tracker reports closed.
func (c *Controller) checkClosed(ctx context.Context, id string, res *Result) bool {
	d := c.deps

	issue, err := d.Queue.Show(ctx, id)
	if err != nil {
		d.Printer.Warning("Could not check status of %s: %v", id, err)
		return false
	}
	if !issue.IsClosed() {
		return false
	}

	if err := d.Attempts.Reset(id); err != nil {
		d.Logger.Warn().Err(err).Str("issue_id", id).Msg("failed to reset attempts")
	}
	res.Closed = append(res.Closed, id)
	d.Printer.Success("Closed %s", id)
	return true
}

// publish syncs the tracker and pushes. Failures are warnings only.
func (c *Controller) publish(ctx context.Context) {
	d := c.deps

	if d.Queue != nil {
		if err := d.Queue.Sync(ctx); err != nil {
			d.Printer.Warning("Tracker sync failed: %v", err)
		}
	}
	if d.Git != nil {
		if err := d.Git.Push(ctx); err != nil {
			d.Printer.Warning("Push failed: %v", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
