package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/yarlson/ralph-loop/internal/stream"
)

// LoopThreshold is the number of consecutive identical tool calls reported as
// a potential loop.
const LoopThreshold = 5

// ToolCount is a tool name with its number of uses.
type ToolCount struct {
	Name  string
	Count int
}

// ToolRun is a run of consecutive calls to the same tool.
type ToolRun struct {
	Tool  string
	Count int
	// Line is the 1-based log line of the first call in the run.
	Line int
}

// BeadsCounts tallies the bd commands the agent ran.
type BeadsCounts struct {
	Total   int
	Creates int
	Updates int
	Closes  int
}

func (c *BeadsCounts) add(command string) {
	sub, _, ok := beadsSubcommand(command)
	if !ok {
		return
	}
	c.Total++
	switch sub {
	case "create":
		c.Creates++
	case "update":
		c.Updates++
	case "close":
		c.Closes++
	}
}

// Summary aggregates one run log.
type Summary struct {
	RunIDs        []string
	Iterations    int
	TotalDuration time.Duration
	Failures      int
	Issues        []string
	QuotaEvents   int
	StuckEvents   int
	ToolUses      int
	ToolErrors    int
	Tools         []ToolCount
	Loops         []ToolRun
	Beads         BeadsCounts
	InvalidMeta   int
	Outcome       string
}

type metaRecord struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	RunID string `json:"run_id"`
	Data  struct {
		IssueID         string  `json:"issue_id"`
		ExitCode        int     `json:"exit_code"`
		DurationSeconds float64 `json:"duration_seconds"`
		Outcome         string  `json:"outcome"`
		Refused         bool    `json:"refused"`
		Aborted         bool    `json:"aborted"`
	} `json:"data"`
}

// parseMeta decodes a loop_meta line. Older loops wrote a stray closing brace
// at the end of these records, so one trailing '}' is tolerated.
func parseMeta(line []byte) (metaRecord, bool) {
	var rec metaRecord
	if err := json.Unmarshal(line, &rec); err == nil {
		return rec, rec.Type == MetaType
	}
	if bytes.HasSuffix(line, []byte("}}")) && bytes.Contains(line, []byte(`"`+MetaType+`"`)) {
		if err := json.Unmarshal(line[:len(line)-1], &rec); err == nil {
			return rec, rec.Type == MetaType
		}
	}
	return metaRecord{}, false
}

// Summarize reads an interleaved run log. Lines that are neither loop records
// nor agent events are skipped.
func Summarize(r io.Reader) (*Summary, error) {
	s := &Summary{}
	issues := map[string]bool{}
	runs := map[string]bool{}
	tools := map[string]int{}

	var current ToolRun
	flush := func() {
		if current.Count >= LoopThreshold {
			s.Loops = append(s.Loops, current)
		}
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
			if ValidateMetaLine(line) != nil {
				s.InvalidMeta++
			}
			if rec.RunID != "" && !runs[rec.RunID] {
				runs[rec.RunID] = true
				s.RunIDs = append(s.RunIDs, rec.RunID)
			}
			switch rec.Event {
			case EventIterationStart:
				if rec.Data.IssueID != "" {
					issues[rec.Data.IssueID] = true
				}
			case EventIterationEnd:
				if rec.Data.Refused || rec.Data.Aborted {
					break
				}
				s.Iterations++
				s.TotalDuration += time.Duration(rec.Data.DurationSeconds * float64(time.Second))
				if rec.Data.ExitCode != 0 {
					s.Failures++
				}
			case EventQuotaExhausted:
				s.QuotaEvents++
			case EventStuck:
				s.StuckEvents++
			case EventLoopEnd:
				s.Outcome = rec.Data.Outcome
			}
			continue
		}

		ev, err := stream.Decode(line)
		if err != nil {
			continue
		}
		s.ToolErrors += ev.ToolErrors()
		for _, call := range ev.ToolCalls() {
			name := call.Name
			if name == "Bash" {
				s.Beads.add(call.InputString("command"))
			}
			s.ToolUses++
			tools[name]++
			if name == current.Tool {
				current.Count++
				continue
			}
			flush()
			current = ToolRun{Tool: name, Count: 1, Line: lineNo}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	flush()

	for id := range issues {
		s.Issues = append(s.Issues, id)
	}
	sort.Strings(s.Issues)

	for name, n := range tools {
		s.Tools = append(s.Tools, ToolCount{Name: name, Count: n})
	}
	sort.Slice(s.Tools, func(i, j int) bool {
		if s.Tools[i].Count != s.Tools[j].Count {
			return s.Tools[i].Count > s.Tools[j].Count
		}
		return s.Tools[i].Name < s.Tools[j].Name
	})

	return s, nil
}

// SummarizeFile summarises the log at path.
func SummarizeFile(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Summarize(f)
}
