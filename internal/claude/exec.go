package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/yarlson/ralph-loop/internal/stream"
)

// waitDelay bounds how long Wait lingers on inherited pipes after the
// process has been killed.
const waitDelay = 5 * time.Second

// SubprocessRunner executes the agent CLI as a subprocess.
type SubprocessRunner struct {
	// command is the path to the agent binary (e.g., "claude" or "/usr/bin/claude").
	command string
	args    []string
}

// NewSubprocessRunner creates a SubprocessRunner. Nil args means DefaultArgs.
func NewSubprocessRunner(command string, args []string) *SubprocessRunner {
	if command == "" {
		command = DefaultCommand
	}
	if args == nil {
		args = DefaultArgs
	}
	return &SubprocessRunner{command: command, args: args}
}

// Command returns the agent binary name.
func (r *SubprocessRunner) Command() string {
	return r.command
}

// lockedWriter serialises writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Run feeds the prompt on stdin and captures combined output into
// req.OutputPath. It returns an error only when the process could not be run
// or the context ended; a failing agent is reported through Result.ExitCode.
func (r *SubprocessRunner) Run(ctx context.Context, req Request) (*Result, error) {
	out, err := os.Create(req.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", req.OutputPath, err)
	}
	defer func() { _ = out.Close() }()

	collector := newSummaryCollector()
	writers := []io.Writer{out, collector}
	if req.Tee != nil {
		writers = append(writers, req.Tee)
	}
	sink := &lockedWriter{w: io.MultiWriter(writers...)}

	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command %s: %w", r.command, err)
	}
	waitErr := cmd.Wait()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("command cancelled: %w", ctx.Err())
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("command failed: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		ExitCode:   exitCode,
		Duration:   duration,
		OutputPath: req.OutputPath,
		Summary:    collector.summary,
	}, nil
}

// summaryCollector is an io.Writer that folds stream events into a Summary.
type summaryCollector struct {
	summary  Summary
	splitter *stream.Splitter
}

func newSummaryCollector() *summaryCollector {
	c := &summaryCollector{}
	c.splitter = stream.NewSplitter(c.summary.observe)
	return c
}

func (c *summaryCollector) Write(p []byte) (int, error) {
	return c.splitter.Write(p)
}
