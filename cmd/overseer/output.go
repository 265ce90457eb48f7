package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/overseer/internal/bus"
)

// printer renders CLI output, with color only on a terminal.
type printer struct {
	w     io.Writer
	color bool

	header lipgloss.Style
	dim    lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == ""
	}
	p := &printer{w: w, color: color}
	if color {
		p.header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
		p.dim = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
		p.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
		p.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
		p.bad = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	}
	return p
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// status colors a worker or run status.
func (p *printer) status(s string) string {
	switch s {
	case "success":
		return p.style(p.ok, s)
	case "failed", "timed_out":
		return p.style(p.bad, s)
	case "cancelled", "queued":
		return p.style(p.warn, s)
	}
	return s
}

// table writes rows under a header with columns padded to the widest
// cell. Cells may already carry styling.
func (p *printer) table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	line := func(cells []string, style func(string) string) {
		var b strings.Builder
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			text := style(cell)
			b.WriteString(text)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
			}
		}
		fmt.Fprintln(p.w, b.String())
	}
	line(header, func(s string) string { return p.style(p.header, s) })
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// event renders one stream event as a single line.
func (p *printer) event(ev bus.Event) {
	at := ev.At.Local().Format("15:04:05")
	subject := ev.WorkerID
	if subject == "" {
		subject = "supervisor"
	}
	detail := eventDetail(ev)
	fmt.Fprintf(p.w, "%s %s %-20s %s\n",
		p.style(p.dim, fmt.Sprintf("%s #%d", at, ev.Seq)),
		subject, ev.Type, detail)
}

func eventDetail(ev bus.Event) string {
	str := func(k string) string {
		v, _ := ev.Payload[k].(string)
		return v
	}
	switch ev.Type {
	case bus.TypeWorkerStarted:
		return oneLine(str("task"), 80)
	case bus.TypeToolStarted, bus.TypeToolCompleted:
		return str("tool")
	case bus.TypeToolFailed:
		return str("tool") + ": " + oneLine(str("error"), 80)
	case bus.TypeWorkerComplete:
		if ms, ok := ev.Payload["duration_ms"].(float64); ok {
			return fmt.Sprintf("%s in %s", str("status"), (time.Duration(ms) * time.Millisecond).Round(time.Millisecond))
		}
		return str("status")
	case bus.TypeDecision:
		return fmt.Sprintf("%s (%s): %s", str("outcome"), str("source"), oneLine(str("reason"), 80))
	case bus.TypeSupervisorComplete, bus.TypeError:
		return str("status")
	}
	return ""
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
