// Package usage queries an external usage-accounting command for the end of
// the active quota window.
package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommand is the usage-accounting invocation used when none is configured.
const DefaultCommand = "ccusage blocks --active --json"

var (
	// ErrNoActiveWindow is returned when the report has no active block.
	ErrNoActiveWindow = errors.New("no active usage window")

	// ErrNoCommand is returned when the command line is empty.
	ErrNoCommand = errors.New("usage command is empty")
)

// Exec runs a command line and returns its standard output.
type Exec func(ctx context.Context, name string, args ...string) ([]byte, error)

// Client runs the usage command and parses its report.
type Client struct {
	argv []string
	exec Exec
}

// NewClient creates a Client for a whitespace-separated command line.
func NewClient(commandLine string) *Client {
	return &Client{argv: strings.Fields(commandLine), exec: runCommand}
}

// NewClientWithExec creates a Client that runs commands through exec.
func NewClientWithExec(commandLine string, exec Exec) *Client {
	return &Client{argv: strings.Fields(commandLine), exec: exec}
}

type block struct {
	IsActive bool   `json:"isActive"`
	EndTime  string `json:"endTime"`
}

type report struct {
	Blocks []block `json:"blocks"`
}

// ActiveWindowEnd returns the end of the active window. The caller decides
// whether the returned time is stale.
func (c *Client) ActiveWindowEnd(ctx context.Context) (time.Time, error) {
	if len(c.argv) == 0 {
		return time.Time{}, ErrNoCommand
	}

	out, err := c.exec(ctx, c.argv[0], c.argv[1:]...)
	if err != nil {
		return time.Time{}, fmt.Errorf("usage command failed: %w", err)
	}
	return ParseReport(out)
}

// ParseReport extracts the end time of the active block from a JSON report.
func ParseReport(data []byte) (time.Time, error) {
	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse usage report: %w", err)
	}
	for _, b := range r.Blocks {
		if !b.IsActive || b.EndTime == "" {
			continue
		}
		end, err := time.Parse(time.RFC3339, b.EndTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid endTime %q: %w", b.EndTime, err)
		}
		return end.UTC(), nil
	}
	return time.Time{}, ErrNoActiveWindow
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
