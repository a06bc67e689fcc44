package output

import (
	"bytes"
	"encoding/csv"
	"strings"
)

// CSVFormatter formats the table as RFC 4180 comma-separated values.
type CSVFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *CSVFormatter) Format(w *bytes.Buffer, r *Result) error {
	writer := csv.NewWriter(w)

	columns, rows := r.Columns, r.Rows
	if len(columns) == 0 {
		columns, rows = fieldTable(r.Fields)
	}

	if err := writer.Write(columns); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func init() {
	Register("csv", func() Formatter {
		return &CSVFormatter{}
	})
}

var _ Formatter = (*CSVFormatter)(nil)

// MarkdownFormatter formats the table as a GitHub-flavored Markdown table.
type MarkdownFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *MarkdownFormatter) Format(w *bytes.Buffer, r *Result) error {
	columns, rows := r.Columns, r.Rows
	if len(columns) == 0 {
		columns, rows = fieldTable(r.Fields)
	}

	if r.Title != "" {
		w.WriteString("## " + r.Title + "\n\n")
	}
	writeMarkdownRow(w, columns)

	sep := make([]string, len(columns))
	for i, col := range columns {
		sep[i] = strings.Repeat("-", max(3, len(col)))
	}
	writeMarkdownRow(w, sep)

	for _, row := range rows {
		writeMarkdownRow(w, row)
	}
	return nil
}

func writeMarkdownRow(w *bytes.Buffer, cells []string) {
	escaped := make([]string, len(cells))
	for i, c := range cells {
		escaped[i] = strings.ReplaceAll(c, "|", `\|`)
	}
	w.WriteString("| " + strings.Join(escaped, " | ") + " |\n")
}

// fieldTable turns fields into a two column table.
func fieldTable(fields []Field) ([]string, [][]string) {
	rows := make([][]string, len(fields))
	for i, f := range fields {
		rows[i] = []string{f.Label, f.Value}
	}
	return []string{"FIELD", "VALUE"}, rows
}

func init() {
	Register("markdown", func() Formatter {
		return &MarkdownFormatter{}
	})
}

var _ Formatter = (*MarkdownFormatter)(nil)
