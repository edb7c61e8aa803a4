// Package eventlog writes, validates and summarises the per-run JSON Lines
// log. Loop events are "loop_meta" records; the agent's own stream output is
// interleaved between them.
package eventlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetaType tags every record written by the loop itself.
const MetaType = "loop_meta"

// Event names.
const (
	EventLoopStart      = "loop_start"
	EventIterationStart = "iteration_start"
	EventIterationEnd   = "iteration_end"
	EventQuotaExhausted = "quota_exhausted"
	EventQuotaResumed   = "quota_resumed"
	EventStuck          = "stuck"
	EventLoopEnd        = "loop_end"
)

// IterationEnd describes a finished iteration.
type IterationEnd struct {
	Iteration int
	IssueID   string
	ExitCode  int
	Duration  time.Duration
	Closed    bool
	NumTurns  int
	CostUSD   float64
	// Refused marks a run rejected for quota; it does not count as an iteration.
	Refused bool
	// Aborted marks a run cut short by cancellation.
	Aborted bool
}

// lockedWriter lets loop records and agent output share one file.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Writer appends loop records to a log file. A nil *Writer is valid and
// discards everything, which is how a run without logging is represented.
type Writer struct {
	file  *os.File
	out   *lockedWriter
	log   zerolog.Logger
	runID string
	now   func() time.Time
}

// Open opens path for appending. An empty path disables logging and returns
// a nil Writer.
func Open(path, runID string) (*Writer, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return newWriter(f, f, runID), nil
}

func newWriter(w io.Writer, f *os.File, runID string) *Writer {
	out := &lockedWriter{w: w}
	return &Writer{
		file:  f,
		out:   out,
		log:   zerolog.New(out),
		runID: runID,
		now:   time.Now,
	}
}

// Path returns the log file path, or "" when logging is disabled.
func (w *Writer) Path() string {
	if w == nil || w.file == nil {
		return ""
	}
	return w.file.Name()
}

// RunID returns the run identifier stamped on every record.
func (w *Writer) RunID() string {
	if w == nil {
		return ""
	}
	return w.runID
}

// Output returns a writer for agent output that interleaves safely with loop
// records. It discards when logging is disabled.
func (w *Writer) Output() io.Writer {
	if w == nil {
		return io.Discard
	}
	return w.out
}

func (w *Writer) emit(event string, data *zerolog.Event) {
	w.log.Log().
		Str("type", MetaType).
		Str("event", event).
		Str("run_id", w.runID).
		Str("timestamp", w.now().UTC().Format(time.RFC3339)).
		Dict("data", data).
		Send()
}

// LoopStart records the resolved run parameters.
func (w *Writer) LoopStart(mode string, maxIterations int, scope string) {
	if w == nil {
		return
	}
	w.emit(EventLoopStart, zerolog.Dict().
		Str("mode", mode).
		Int("max_iterations", maxIterations).
		Str("scope", scope))
}

// IterationStart records the start of an iteration.
func (w *Writer) IterationStart(iteration int, issueID, mode string) {
	if w == nil {
		return
	}
	w.emit(EventIterationStart, zerolog.Dict().
		Int("iteration", iteration).
		Str("issue_id", issueID).
		Str("mode", mode))
}

// IterationEnd records the end of an iteration.
func (w *Writer) IterationEnd(end IterationEnd) {
	if w == nil {
		return
	}
	w.emit(EventIterationEnd, zerolog.Dict().
		Int("iteration", end.Iteration).
		Str("issue_id", end.IssueID).
		Int("exit_code", end.ExitCode).
		Float64("duration_seconds", end.Duration.Seconds()).
		Bool("closed", end.Closed).
		Int("num_turns", end.NumTurns).
		Float64("cost_usd", end.CostUSD).
		Bool("refused", end.Refused).
		Bool("aborted", end.Aborted))
}

// QuotaExhausted records a refused run and when the loop will resume.
func (w *Writer) QuotaExhausted(iteration int, issueID string, resumeAt time.Time, source string) {
	if w == nil {
		return
	}
	w.emit(EventQuotaExhausted, zerolog.Dict().
		Int("iteration", iteration).
		Str("issue_id", issueID).
		Str("resume_at", resumeAt.UTC().Format(time.RFC3339)).
		Str("source", source))
}

// QuotaResumed records the end of a quota wait.
func (w *Writer) QuotaResumed(iteration int) {
	if w == nil {
		return
	}
	w.emit(EventQuotaResumed, zerolog.Dict().Int("iteration", iteration))
}

// Stuck records an item skipped for reaching the attempt threshold.
func (w *Writer) Stuck(issueID string, attempts int) {
	if w == nil {
		return
	}
	w.emit(EventStuck, zerolog.Dict().
		Str("issue_id", issueID).
		Int("attempts", attempts))
}

// LoopEnd records why the loop stopped.
func (w *Writer) LoopEnd(outcome string, iterations int) {
	if w == nil {
		return
	}
	w.emit(EventLoopEnd, zerolog.Dict().
		Str("outcome", outcome).
		Int("iterations", iterations))
}

// Close closes the log file.
func (w *Writer) Close() error {
	if w == nil || w.file == nil {
		return nil
	}
	return w.file.Close()
}
