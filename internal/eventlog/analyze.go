package eventlog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/yarlson/ralph-loop/internal/stream"
)

// BashRunThreshold is the number of consecutive shell commands reported as a
// potential stuck point.
const BashRunThreshold = 5

const (
	commandPreview = 80
	detailPreview  = 200
)

// warningPatterns mark a successful shell result that still looks like an
// environment problem.
var warningPatterns = []string{
	"command not found",
	"no module named",
	"not found",
	"permission denied",
	"cannot find",
	"missing",
	"failed to",
	"error:",
}

// checkPatterns identify test and build commands.
var checkPatterns = []string{
	"go test", "go build", "go vet",
	"cargo test", "cargo build",
	"npm test", "pytest", "jest", "make test",
}

// BashCall is one shell command issued by the agent.
type BashCall struct {
	Command string
	Failed  bool
	// Answered is false when no tool result was found for the call.
	Answered bool
}

// BashRun is a run of consecutive shell commands with no other tool in between.
type BashRun struct {
	// Line is the 1-based log line of the first command.
	Line  int
	Calls []BashCall
}

// EnvIssue is a shell result that failed or mentions a likely environment problem.
type EnvIssue struct {
	Line    int
	Command string
	// Error is true for a failed result and false for a warning pattern match.
	Error  bool
	Detail string
}

// CheckRun is a test or build command and whether it failed.
type CheckRun struct {
	Line    int
	Command string
	Failed  bool
}

// Task actions recorded in the timeline.
const (
	TaskStart = "start"
	TaskClose = "close"
)

// TaskTransition is an issue claimed or closed by the agent through bd.
type TaskTransition struct {
	Line    int
	Action  string
	IssueID string
}

// Analysis is the stuck-point report for one run log.
type Analysis struct {
	Events     int
	BashRuns   []BashRun
	EnvIssues  []EnvIssue
	Checks     []CheckRun
	Timeline   []TaskTransition
	TodoWrites int
	Edits      int
	// EditsAfterRead counts edits of a file the agent had read before.
	EditsAfterRead int
}

// ChecksFailed returns the number of failed test and build commands.
func (a *Analysis) ChecksFailed() int {
	n := 0
	for _, c := range a.Checks {
		if c.Failed {
			n++
		}
	}
	return n
}

type pendingCall struct {
	line    int
	command string
	call    *BashCall
	check   *CheckRun
}

type analyzer struct {
	a       *Analysis
	pending map[string]*pendingCall
	runs    [][]*BashCall
	runLine []int
	current []*BashCall
	curLine int
	checks  []*CheckRun
	reads   map[string]bool
}

// Analyze reads an interleaved run log and reports shell command runs,
// environment issues, test and build attempts and the bd task timeline.
func Analyze(r io.Reader) (*Analysis, error) {
	z := &analyzer{
		a:       &Analysis{},
		pending: map[string]*pendingCall{},
		reads:   map[string]bool{},
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		if rec, ok := parseMeta(line); ok {
			z.a.Events++
			if rec.Event == EventIterationStart {
				z.endRun()
			}
			continue
		}

		ev, err := stream.Decode(line)
		if err != nil {
			continue
		}
		z.a.Events++
		z.observe(lineNo, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	z.endRun()

	for i, calls := range z.runs {
		run := BashRun{Line: z.runLine[i], Calls: make([]BashCall, 0, len(calls))}
		for _, c := range calls {
			run.Calls = append(run.Calls, *c)
		}
		z.a.BashRuns = append(z.a.BashRuns, run)
	}
	for _, c := range z.checks {
		z.a.Checks = append(z.a.Checks, *c)
	}
	return z.a, nil
}

func (z *analyzer) observe(line int, ev stream.Event) {
	for _, b := range ev.ToolCalls() {
		switch b.Name {
		case "Bash":
			z.bash(line, b)
			continue
		case "TodoWrite":
			z.a.TodoWrites++
		case "Read":
			z.reads[b.InputString("file_path")] = true
		case "Edit", "MultiEdit":
			z.a.Edits++
			if z.reads[b.InputString("file_path")] {
				z.a.EditsAfterRead++
			}
		}
		z.endRun()
	}

	for _, b := range ev.ToolResults() {
		p, ok := z.pending[b.ToolUseID]
		if !ok {
			continue
		}
		delete(z.pending, b.ToolUseID)
		z.result(p, b)
	}
}

func (z *analyzer) bash(line int, b stream.Block) {
	command := b.InputString("command")
	call := &BashCall{Command: command}
	if len(z.current) == 0 {
		z.curLine = line
	}
	z.current = append(z.current, call)

	p := &pendingCall{line: line, command: command, call: call}
	if isCheck(command) {
		p.check = &CheckRun{Line: line, Command: truncate(command, commandPreview)}
		z.checks = append(z.checks, p.check)
	}
	if action, id, ok := taskTransition(command); ok {
		z.a.Timeline = append(z.a.Timeline, TaskTransition{Line: line, Action: action, IssueID: id})
	}
	if b.ID != "" {
		z.pending[b.ID] = p
	}
}

func (z *analyzer) result(p *pendingCall, b stream.Block) {
	p.call.Answered = true
	p.call.Failed = b.IsError
	if p.check != nil {
		p.check.Failed = b.IsError
	}

	text := b.ResultText()
	issue := EnvIssue{Line: p.line, Command: truncate(p.command, commandPreview), Detail: truncate(text, detailPreview)}
	switch {
	case b.IsError:
		issue.Error = true
	case containsAny(strings.ToLower(text), warningPatterns):
	default:
		return
	}
	z.a.EnvIssues = append(z.a.EnvIssues, issue)
}

func (z *analyzer) endRun() {
	if len(z.current) >= BashRunThreshold {
		z.runs = append(z.runs, z.current)
		z.runLine = append(z.runLine, z.curLine)
	}
	z.current = nil
}

// AnalyzeFile analyzes the log at path.
func AnalyzeFile(path string) (*Analysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Analyze(f)
}

func isCheck(command string) bool {
	return containsAny(command, checkPatterns)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// beadsSubcommand returns the bd subcommand a shell command runs and its
// arguments, such as "close" for "bd close bd-3". Chained commands are
// searched too.
func beadsSubcommand(command string) (string, []string, bool) {
	fields := strings.Fields(command)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "bd" {
			return fields[i+1], fields[i+2:], true
		}
	}
	return "", nil, false
}

// taskTransition recognises "bd update <id> --status in_progress" and
// "bd close <id>".
func taskTransition(command string) (string, string, bool) {
	sub, rest, ok := beadsSubcommand(command)
	if !ok {
		return "", "", false
	}
	var action string
	switch {
	case sub == "close":
		action = TaskClose
	case sub == "update" && strings.Contains(command, "in_progress"):
		action = TaskStart
	default:
		return "", "", false
	}
	for _, f := range rest {
		if strings.HasPrefix(f, "-") {
			continue
		}
		f = strings.Trim(f, `"';&`)
		if f != "" && f != "in_progress" {
			return action, f, true
		}
	}
	return action, "unknown", true
}
