// Package console prints the loop's user-facing status lines.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const sectionLine = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// Printer writes colored, tagged status lines.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
	tty bool

	info    lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	errorS  lipgloss.Style
	section lipgloss.Style
	faint   lipgloss.Style

	lastMinute int64
}

// New creates a Printer for out. Colors and in-place countdown updates are
// only used when out is a terminal.
func New(out io.Writer) *Printer {
	r := lipgloss.NewRenderer(out)
	return &Printer{
		out:        out,
		tty:        isTerminal(out),
		info:       r.NewStyle().Bold(true).Foreground(lipgloss.Color("15")),
		success:    r.NewStyle().Foreground(lipgloss.Color("2")),
		warning:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		errorS:     r.NewStyle().Foreground(lipgloss.Color("1")),
		section:    r.NewStyle().Foreground(lipgloss.Color("6")),
		faint:      r.NewStyle().Faint(true),
		lastMinute: -1,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer {
	return p.out
}

func (p *Printer) line(style lipgloss.Style, tag, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, "%s %s\n", style.Render(tag), fmt.Sprintf(format, args...))
}

// Info prints a white [INFO] line.
func (p *Printer) Info(format string, args ...any) {
	p.line(p.info, "[INFO]", format, args...)
}

// Success prints a green [SUCCESS] line.
func (p *Printer) Success(format string, args ...any) {
	p.line(p.success, "[SUCCESS]", format, args...)
}

// Warning prints a yellow [WARNING] line.
func (p *Printer) Warning(format string, args ...any) {
	p.line(p.warning, "[WARNING]", format, args...)
}

// Error prints a red [ERROR] line.
func (p *Printer) Error(format string, args ...any) {
	p.line(p.errorS, "[ERROR]", format, args...)
}

// Section prints a banner with a title.
func (p *Printer) Section(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, "\n%s\n%s\n%s\n\n",
		p.section.Render(sectionLine), p.section.Render(title), p.section.Render(sectionLine))
}

// Countdown shows the time left until work resumes. On a terminal the line is
// rewritten in place; otherwise a line is printed once per minute.
func (p *Printer) Countdown(remaining time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	text := "Resuming in " + FormatRemaining(remaining)
	if p.tty {
		if remaining <= 0 {
			_, _ = fmt.Fprintf(p.out, "\r\033[K%s\n", p.faint.Render("Resuming now"))
			return
		}
		_, _ = fmt.Fprintf(p.out, "\r\033[K%s", p.faint.Render(text))
		return
	}

	if remaining <= 0 {
		p.lastMinute = -1
		_, _ = fmt.Fprintln(p.out, "Resuming now")
		return
	}
	minute := int64(remaining / time.Minute)
	if minute == p.lastMinute {
		return
	}
	p.lastMinute = minute
	_, _ = fmt.Fprintln(p.out, text)
}

// FormatRemaining renders a duration as HH:MM:SS, rounding up to whole seconds.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// Table renders aligned key/value rows, as used by the summary and status views.
func Table(rows [][2]string) string {
	width := 0
	for _, r := range rows {
		if len(r[0])+1 > width {
			width = len(r[0]) + 1
		}
	}
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "  %-*s  %s\n", width, r[0]+":", r[1])
	}
	return b.String()
}
