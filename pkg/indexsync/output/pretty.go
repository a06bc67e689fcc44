package output

import (
	"bytes"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// PrettyFormatter renders a styled header box followed by an aligned table.
type PrettyFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PrettyFormatter) Format(w *bytes.Buffer, r *Result) error {
	if header := f.formatHeader(r); header != "" {
		w.WriteString(header)
		w.WriteString("\n")
	}

	switch {
	case len(r.Columns) > 0 && len(r.Rows) > 0:
		w.WriteString(f.formatTable(r))
	case r.Empty != "":
		w.WriteString(MutedStyle.Render("  " + r.Empty))
		w.WriteString("\n")
	}

	for _, note := range r.Notes {
		w.WriteString(WarningStyle.Render(note))
		w.WriteString("\n")
	}
	return nil
}

func (f *PrettyFormatter) formatHeader(r *Result) string {
	var lines []string
	if r.Title != "" {
		lines = append(lines, TitleStyle.Render(r.Title))
	}

	width := 0
	for _, field := range r.Fields {
		width = max(width, lipgloss.Width(field.Label))
	}
	for _, field := range r.Fields {
		label := LabelStyle.Render(padRight(field.Label+":", width+1))
		lines = append(lines, label+" "+valueStyle(field.Value).Render(field.Value))
	}

	if len(lines) == 0 {
		return ""
	}
	return HeaderBox.Render(strings.Join(lines, "\n"))
}

// valueStyle colors well-known states.
func valueStyle(v string) lipgloss.Style {
	switch v {
	case "running", "enabled", "done", "yes":
		return SuccessStyle
	case "stopped", "paused", "initializing":
		return WarningStyle
	case "disabled", "no":
		return MutedStyle
	default:
		return ValueStyle
	}
}

func (f *PrettyFormatter) formatTable(r *Result) string {
	widths := columnWidths(r)

	var sb strings.Builder
	cells := make([]string, len(r.Columns))
	for i, col := range r.Columns {
		cells[i] = TableHeaderStyle.Render(padRight(col, widths[i]))
	}
	sb.WriteString("  " + strings.Join(cells, "  ") + "\n")

	for _, row := range r.Rows {
		for i := range r.Columns {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			cells[i] = TableCellStyle.Render(padRight(cell, widths[i]))
		}
		sb.WriteString(strings.TrimRight("  "+strings.Join(cells, "  "), " ") + "\n")
	}
	return sb.String()
}

func columnWidths(r *Result) []int {
	widths := make([]int, len(r.Columns))
	for i, col := range r.Columns {
		widths[i] = lipgloss.Width(col)
	}
	for _, row := range r.Rows {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}
	return widths
}

func padRight(s string, width int) string {
	if n := lipgloss.Width(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func init() {
	Register("pretty", func() Formatter {
		return &PrettyFormatter{}
	})
}

var _ Formatter = (*PrettyFormatter)(nil)
