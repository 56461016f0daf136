// Package logging provides the engine's leveled structured logger:
// log/slog with level-tag coloring lifted from the teacher's TUI color
// palette (internal/tui/model.go), since the TUI itself was dropped
// (spec.md non-goal: interactive UI concerns) but its color choices
// still make a useful log-level palette.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	debugStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// Options configures New.
type Options struct {
	Level  slog.Level
	Format string // "text" or "json"
	Output io.Writer
	Colors bool
}

// New builds a slog.Logger. With Format "json" or Colors false it
// delegates to the stdlib handlers directly; with Format "text" and
// Colors true it wraps slog.NewTextHandler's output through a
// level-coloring writer.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, handlerOpts))
	}
	if !opts.Colors {
		return slog.New(slog.NewTextHandler(out, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(&colorWriter{w: out}, handlerOpts))
}

// colorWriter renders each line slog's TextHandler emits in the color
// of its "level=" value, so log lines read the way the teacher's TUI distinguished
// chunk states, without depending on a TUI runtime.
type colorWriter struct {
	w io.Writer
}

func (c *colorWriter) Write(p []byte) (int, error) {
	n := len(p)
	line := string(p)
	styled := line
	switch {
	case strings.Contains(line, "level=DEBUG"):
		styled = debugStyle.Render(line)
	case strings.Contains(line, "level=INFO"):
		styled = infoStyle.Render(line)
	case strings.Contains(line, "level=WARN"):
		styled = warnStyle.Render(line)
	case strings.Contains(line, "level=ERROR"):
		styled = errorStyle.Render(line)
	}
	if _, err := fmt.Fprint(c.w, styled); err != nil {
		return 0, err
	}
	return n, nil
}
