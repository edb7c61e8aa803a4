// Package quota recognises agent runs that were refused because of a usage
// limit and waits out the limit window.
package quota

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yarlson/ralph-loop/internal/stream"
)

const (
	// RateLimitTag is the structured error tag the agent emits when refused.
	RateLimitTag = "rate_limit"

	// UsageLimitSentinel prefixes the result text of a refused run.
	UsageLimitSentinel = "Claude AI usage limit reached"
)

// Detection describes what was found in an iteration's output.
type Detection struct {
	Limited bool
	// Text is the human-readable message attached to the marker.
	Text string
	// ResetAt is set when the marker carried an exact reset instant.
	ResetAt time.Time
}

type marker struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// Detect scans agent output for a rate-limit marker. Only structured events
// count: a top-level "error":"rate_limit" field, or an error result whose
// text begins with the usage-limit sentinel. Prose mentioning rate limits
// never matches.
func Detect(r io.Reader) (Detection, error) {
	var det Detection
	err := stream.JsonObjects(r, func(raw []byte) {
		if det.Limited {
			return
		}
		var m marker
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		switch {
		case m.Error == RateLimitTag:
			det.Limited = true
			det.Text = m.Result
			if det.Text == "" {
				if ev, err := stream.Decode(raw); err == nil {
					det.Text = ev.Text()
				}
			}
		case m.Type == "result" && m.IsError && strings.HasPrefix(m.Result, UsageLimitSentinel):
			det.Limited = true
			det.Text = m.Result
		default:
			return
		}
		det.ResetAt = parseResetEpoch(det.Text)
	})
	if err != nil {
		return Detection{}, fmt.Errorf("failed to scan agent output: %w", err)
	}
	return det, nil
}

// DetectFile runs Detect over the contents of path.
func DetectFile(path string) (Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return Detection{}, fmt.Errorf("failed to open agent output: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Detect(f)
}

// The sentinel form "Claude AI usage limit reached|<unix seconds>" carries the
// reset instant directly.
func parseResetEpoch(text string) time.Time {
	_, after, ok := strings.Cut(text, "|")
	if !ok {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(after), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

var (
	resetHourPattern = regexp.MustCompile(`(?i)\bresets?\b[^0-9\n]{0,16}?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)
	resetZonePattern = regexp.MustCompile(`\(([A-Za-z_]+(?:/[A-Za-z_+\-0-9]+)+|UTC)\)`)
)

// ParseResetHour extracts a reset hour hint such as "resets 3pm" or
// "reset at 15:00" from text and projects it to the next occurrence after now.
// Hours are read in UTC unless the text names an IANA zone in parentheses.
// It is a best-effort heuristic.
func ParseResetHour(text string, now time.Time) (time.Time, bool) {
	m := resetHourPattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch strings.ToLower(m[3]) {
	case "am":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour != 12 {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 {
		return time.Time{}, false
	}

	loc := time.UTC
	if z := resetZonePattern.FindStringSubmatch(text); z != nil {
		if l, err := time.LoadLocation(z[1]); err == nil {
			loc = l
		}
	}

	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.UTC(), true
}
