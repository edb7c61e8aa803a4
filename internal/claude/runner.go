// Package claude runs the Claude Code CLI non-interactively for one iteration.
package claude

import (
	"context"
	"io"
	"time"
)

// DefaultCommand is the agent binary.
const DefaultCommand = "claude"

// DefaultArgs are passed to the agent on every invocation. The prompt itself
// is written to standard input.
var DefaultArgs = []string{
	"-p",
	"--output-format=stream-json",
	"--verbose",
	"--dangerously-skip-permissions",
}

// Request contains the parameters for one agent invocation.
type Request struct {
	// Prompt is fed to the agent on standard input.
	Prompt string

	// WorkDir is the working directory of the agent process.
	WorkDir string

	// OutputPath receives the combined stdout and stderr of the run.
	OutputPath string

	// Tee, when set, receives a copy of everything written to OutputPath.
	Tee io.Writer
}

// Result describes a finished invocation. A non-zero exit code is not an error.
type Result struct {
	ExitCode   int
	Duration   time.Duration
	OutputPath string
	Summary    Summary
}

// Runner invokes the agent.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
