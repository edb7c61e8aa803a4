// Package stream splits and decodes the agent's streaming JSON output.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"
)

// ansiCSI strips common ANSI escape sequences (CSI).
var ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// Splitter finds complete top-level JSON objects in a byte stream, even when
// they are concatenated without newlines or separated by non-JSON noise.
// Objects never span lines, so a newline abandons an unfinished object.
// Bytes may be fed in arbitrary chunks.
type Splitter struct {
	onObject  func([]byte)
	buf       bytes.Buffer
	capturing bool
	depth     int
	inStr     bool
	esc       bool
}

// NewSplitter creates a Splitter that calls onObject for every object found.
func NewSplitter(onObject func([]byte)) *Splitter {
	return &Splitter{onObject: onObject}
}

// Write feeds p into the splitter. It never fails.
func (s *Splitter) Write(p []byte) (int, error) {
	for _, b := range p {
		s.feed(b)
	}
	return len(p), nil
}

func (s *Splitter) feed(b byte) {
	if !s.capturing {
		if b == '{' {
			s.capturing = true
			s.depth = 1
			s.inStr = false
			s.esc = false
			s.buf.Reset()
			s.buf.WriteByte(b)
		}
		return
	}

	if b == '\n' {
		s.capturing = false
		s.buf.Reset()
		return
	}

	s.buf.WriteByte(b)

	if s.inStr {
		switch {
		case s.esc:
			s.esc = false
		case b == '\\':
			s.esc = true
		case b == '"':
			s.inStr = false
		}
		return
	}

	switch b {
	case '"':
		s.inStr = true
	case '{':
		s.depth++
	case '}':
		s.depth--
		if s.depth == 0 {
			raw := make([]byte, s.buf.Len())
			copy(raw, s.buf.Bytes())
			s.capturing = false
			s.buf.Reset()
			s.onObject(raw)
		}
	}
}

// JsonObjects reads r to the end and yields every complete top-level object.
func JsonObjects(r io.Reader, onObject func([]byte)) error {
	s := NewSplitter(onObject)
	if _, err := io.Copy(s, bufio.NewReaderSize(r, 64*1024)); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Block is one content block of an assistant or user message.
type Block struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// InputString returns a string field of a tool_use input, or "".
func (b Block) InputString(key string) string {
	if len(b.Input) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b.Input, &fields); err != nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(fields[key], &v); err != nil {
		return ""
	}
	return v
}

// ResultText returns the text of a tool_result block, whose content is either
// a plain string or a list of text blocks.
func (b Block) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []Block
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, c := range blocks {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Message is the message payload carried by assistant and user events.
type Message struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

// Event is the subset of a stream-json event the loop looks at.
type Event struct {
	Type    string   `json:"type"`
	Subtype string   `json:"subtype,omitempty"`
	IsError bool     `json:"is_error,omitempty"`
	Result  string   `json:"result,omitempty"`
	Error   string   `json:"error,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// Decode parses a raw object into an Event.
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ToolUses returns the names of the tools invoked in an assistant event.
func (e Event) ToolUses() []string {
	if e.Type != "assistant" || e.Message == nil {
		return nil
	}
	var names []string
	for _, b := range e.Message.Content {
		if b.Type == "tool_use" && b.Name != "" {
			names = append(names, b.Name)
		}
	}
	return names
}

// ToolCalls returns the tool_use blocks of an assistant event.
func (e Event) ToolCalls() []Block {
	if e.Type != "assistant" || e.Message == nil {
		return nil
	}
	var calls []Block
	for _, b := range e.Message.Content {
		if b.Type == "tool_use" && b.Name != "" {
			calls = append(calls, b)
		}
	}
	return calls
}

// ToolResults returns the tool_result blocks of a user event.
func (e Event) ToolResults() []Block {
	if e.Type != "user" || e.Message == nil {
		return nil
	}
	var results []Block
	for _, b := range e.Message.Content {
		if b.Type == "tool_result" {
			results = append(results, b)
		}
	}
	return results
}

// ToolErrors counts failed tool results in a user event.
func (e Event) ToolErrors() int {
	if e.Type != "user" || e.Message == nil {
		return 0
	}
	n := 0
	for _, b := range e.Message.Content {
		if b.Type == "tool_result" && b.IsError {
			n++
		}
	}
	return n
}

// Text returns the concatenated text blocks of an assistant event.
func (e Event) Text() string {
	if e.Type != "assistant" || e.Message == nil {
		return ""
	}
	var parts []string
	for _, b := range e.Message.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "")
}

// Renderer is an io.Writer that turns raw agent output into readable text:
// assistant prose and, optionally, one line per tool call.
type Renderer struct {
	out       io.Writer
	showTools bool
	splitter  *Splitter
}

// NewRenderer creates a Renderer writing to w.
func NewRenderer(w io.Writer, showTools bool) *Renderer {
	r := &Renderer{out: w, showTools: showTools}
	r.splitter = NewSplitter(r.render)
	return r
}

// Write feeds raw agent output to the renderer.
func (r *Renderer) Write(p []byte) (int, error) {
	return r.splitter.Write(p)
}

func (r *Renderer) render(raw []byte) {
	ev, err := Decode(raw)
	if err != nil {
		return
	}

	if text := Sanitize(ev.Text()); text != "" {
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		_, _ = io.WriteString(r.out, text)
	}
	if r.showTools {
		for _, name := range ev.ToolUses() {
			_, _ = io.WriteString(r.out, "  → "+Sanitize(name)+"\n")
		}
	}
}

// Sanitize removes ANSI CSI sequences and control chars except \n, \t, \r.
func Sanitize(s string) string {
	s = ansiCSI.ReplaceAllString(s, "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\n', '\t', '\r':
			b.WriteRune(r)
		default:
			if r >= 0x20 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
