// Package beads drives the bd issue tracker CLI as the loop's work queue.
package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultCommand is the tracker binary.
const DefaultCommand = "bd"

// Issue statuses reported by the tracker.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusClosed     = "closed"
)

// Runner runs one tracker subcommand and returns its standard output.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// CommandError describes a failed tracker invocation.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("bd %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs the tracker binary as a subprocess in a directory.
type ExecRunner struct {
	command string
	workDir string
}

// NewExecRunner creates an ExecRunner. An empty command means DefaultCommand.
func NewExecRunner(command, workDir string) *ExecRunner {
	if command == "" {
		command = DefaultCommand
	}
	return &ExecRunner{command: command, workDir: workDir}
}

// Command returns the tracker binary name.
func (r *ExecRunner) Command() string {
	return r.command
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = r.workDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, &CommandError{Args: args, Output: strings.TrimSpace(stderr.String()), Err: err}
	}
	return out, nil
}

// Issue is the subset of a tracker issue the loop uses.
type Issue struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	IssueType string `json:"issue_type"`
	Priority  int    `json:"priority"`
}

// IsClosed reports whether the issue is closed.
func (i Issue) IsClosed() bool {
	return i.Status == StatusClosed
}

// Stats summarises the tracker database.
type Stats struct {
	Total      int `json:"total_issues"`
	Open       int `json:"open_issues"`
	InProgress int `json:"in_progress_issues"`
	Closed     int `json:"closed_issues"`
	Blocked    int `json:"blocked_issues"`
	Ready      int `json:"ready_issues"`
}

// Queue is the tracker seen as a work queue.
type Queue struct {
	runner Runner
	logger zerolog.Logger
}

// NewQueue creates a Queue over runner.
func NewQueue(runner Runner, logger zerolog.Logger) *Queue {
	return &Queue{runner: runner, logger: logger}
}

// Ready lists unblocked issues in the tracker's own priority order, restricted
// to descendants of scope when it is set. Unparseable output is an empty list.
func (q *Queue) Ready(ctx context.Context, scope string) ([]Issue, error) {
	args := []string{"ready", "--json"}
	if scope != "" {
		args = append(args, "--parent", scope)
	}
	out, err := q.runner.Run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		q.logger.Debug().Err(err).Msg("unparseable ready list, treating as empty")
		return nil, nil
	}
	return issues, nil
}

// Show fetches a single issue. Unparseable output is an empty issue.
func (q *Queue) Show(ctx context.Context, id string) (Issue, error) {
	out, err := q.runner.Run(ctx, "show", id, "--json")
	if err != nil {
		return Issue{}, err
	}

	// Depending on the tracker version show emits an object or a one-element array.
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var issues []Issue
		if err := json.Unmarshal(trimmed, &issues); err != nil || len(issues) == 0 {
			q.logger.Debug().Err(err).Str("id", id).Msg("unparseable issue")
			return Issue{}, nil
		}
		return issues[0], nil
	}

	var issue Issue
	if err := json.Unmarshal(trimmed, &issue); err != nil {
		q.logger.Debug().Err(err).Str("id", id).Msg("unparseable issue")
		return Issue{}, nil
	}
	return issue, nil
}

// AddNote attaches a note to an issue.
func (q *Queue) AddNote(ctx context.Context, id, note string) error {
	_, err := q.runner.Run(ctx, "update", id, "--notes", note)
	return err
}

// Sync flushes the tracker database to its git-backed store.
func (q *Queue) Sync(ctx context.Context) error {
	_, err := q.runner.Run(ctx, "sync")
	return err
}

// Stats reports database statistics. Unparseable output is all zeros.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	out, err := q.runner.Run(ctx, "stats", "--json")
	if err != nil {
		return Stats{}, err
	}

	// Newer trackers nest the counters under "summary".
	var nested struct {
		Summary *Stats `json:"summary"`
	}
	if err := json.Unmarshal(out, &nested); err == nil && nested.Summary != nil {
		return *nested.Summary, nil
	}

	var stats Stats
	if err := json.Unmarshal(out, &stats); err != nil {
		q.logger.Debug().Err(err).Msg("unparseable stats")
		return Stats{}, nil
	}
	return stats, nil
}
