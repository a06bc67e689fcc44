package output

import (
	"bytes"
	"strings"
	"text/tabwriter"
)

// PlainFormatter formats output as an aligned, unstyled table suitable for
// scripting. Views without rows print their fields one per line.
type PlainFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PlainFormatter) Format(w *bytes.Buffer, r *Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	if len(r.Rows) == 0 && len(r.Fields) > 0 {
		for _, field := range r.Fields {
			if _, err := tw.Write([]byte(field.Label + "\t" + field.Value + "\n")); err != nil {
				return err
			}
		}
		return tw.Flush()
	}

	if _, err := tw.Write([]byte(strings.Join(r.Columns, "\t") + "\n")); err != nil {
		return err
	}
	for _, row := range r.Rows {
		if _, err := tw.Write([]byte(strings.Join(row, "\t") + "\n")); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func init() {
	Register("plain", func() Formatter {
		return &PlainFormatter{}
	})
}

var _ Formatter = (*PlainFormatter)(nil)
