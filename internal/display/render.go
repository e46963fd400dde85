// Package display renders run progress to the terminal.
package display

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/signalnine/terca/internal/agent"
	"github.com/signalnine/terca/internal/runner"
)

var (
	colorPass    = lipgloss.Color("2")
	colorFail    = lipgloss.Color("1")
	colorMuted   = lipgloss.Color("242")
	colorRunning = lipgloss.Color("33")
)

// Line renders one run as `NNN name: status`.
func Line(s runner.StateSnapshot, noColor bool) string {
	prefix := fmt.Sprintf("%03d %s: ", s.ID, s.Name)
	switch s.Status {
	case runner.StatusPending:
		return prefix + stylize("pending", noColor, colorMuted)
	case runner.StatusRunning:
		return prefix + stylize(s.Message, noColor, colorRunning)
	case runner.StatusError:
		msg := "error"
		if s.Err != nil {
			msg = "ERROR: " + firstLine(s.Err.Error())
		}
		return prefix + stylize(msg, noColor, colorFail)
	}

	var status string
	if s.Passed() {
		status = stylize("PASS", noColor, colorPass)
	} else {
		status = stylize("FAIL", noColor, colorFail) + " " + strings.Join(s.FailedChecks(), ", ")
	}
	if stats := formatStats(s.Stats); stats != "" {
		status += " " + stylize(stats, noColor, colorMuted)
	}
	return prefix + status
}

func formatStats(s *agent.Stats) string {
	if s == nil {
		return ""
	}
	parts := []string{
		fmt.Sprintf("%d requests", s.Requests),
		fmt.Sprintf("%d in / %d out tokens", s.InputTokens, s.OutputTokens),
		fmt.Sprintf("%.1fs", s.DurationSeconds),
	}
	if s.TimedOut {
		parts = append(parts, "timed out")
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Render renders the header, every run and a totals line.
func Render(header string, snaps []runner.StateSnapshot, noColor bool) string {
	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteByte('\n')
	}
	var done, passed, errored int
	for _, s := range snaps {
		b.WriteString(Line(s, noColor))
		b.WriteByte('\n')
		switch s.Status {
		case runner.StatusComplete:
			done++
			if s.Passed() {
				passed++
			}
		case runner.StatusError:
			done++
			errored++
		}
	}
	totals := fmt.Sprintf("%d/%d done, %d passed", done, len(snaps), passed)
	if errored > 0 {
		totals += fmt.Sprintf(", %d errored", errored)
	}
	b.WriteString(stylize(totals, noColor, colorMuted))
	b.WriteByte('\n')
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func stylize(text string, noColor bool, color lipgloss.Color) string {
	if noColor || text == "" {
		return text
	}
	return lipgloss.NewStyle().Foreground(color).Render(text)
}
