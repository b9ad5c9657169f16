package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	severityColors = map[string]lipgloss.AdaptiveColor{
		"LOW":      {Light: "#214358", Dark: "#AEB8C4"},
		"MEDIUM":   {Light: "#DE970B", Dark: "#F6BE00"},
		"HIGH":     {Light: "#CC5500", Dark: "#FF8C00"},
		"CRITICAL": {Light: "#990000", Dark: "#FF0000"},
	}
	reportBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(tableBorderColor).
			Padding(0, 1)
	labelStyle = lipgloss.NewStyle().Foreground(mutedStyleColor)
)

// ErrorReport is the view model for a developer facing error report.
type ErrorReport struct {
	ID        string
	Severity  string
	Message   string
	Component string
	Action    string
	Timestamp time.Time
	Metadata  map[string]any
	Stack     string
}

// SeverityLabel renders severity in its color.
func SeverityLabel(severity string) string {
	style := lipgloss.NewStyle().Bold(true)
	if c, ok := severityColors[severity]; ok {
		style = style.Foreground(c)
	}
	return style.Render(severity)
}

// RenderErrorReport returns a boxed, human readable report of r.
func RenderErrorReport(r ErrorReport) string {
	var b strings.Builder
	b.WriteString(SeverityLabel(r.Severity))
	b.WriteString(" ")
	b.WriteString(Title(r.Message))
	b.WriteString("\n")
	line := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(labelStyle.Render(PadRight(label, 10, " ")))
		b.WriteString(value)
		b.WriteString("\n")
	}
	line("id", r.ID)
	if !r.Timestamp.IsZero() {
		line("time", r.Timestamp.Format(time.RFC3339))
	}
	line("component", r.Component)
	line("action", r.Action)
	if len(r.Metadata) > 0 {
		keys := make([]string, 0, len(r.Metadata))
		for k := range r.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line(k, fmt.Sprintf("%v", r.Metadata[k]))
		}
	}
	if r.Stack != "" {
		b.WriteString("\n")
		b.WriteString(Muted(strings.TrimRight(r.Stack, "\n")))
	}
	return reportBoxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
