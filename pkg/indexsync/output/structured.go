package output

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// structured returns what the JSON and YAML formatters encode.
func structured(r *Result) any {
	if r.Data != nil {
		return r.Data
	}
	out := make(map[string]string, len(r.Fields))
	for _, f := range r.Fields {
		out[f.Label] = f.Value
	}
	return out
}

// JSONFormatter formats the view's data as indented JSON.
type JSONFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *JSONFormatter) Format(w *bytes.Buffer, r *Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(structured(r))
}

func init() {
	Register("json", func() Formatter {
		return &JSONFormatter{}
	})
}

var _ Formatter = (*JSONFormatter)(nil)

// YAMLFormatter formats the view's data as YAML. Field names follow the JSON
// tags so both formats carry the same keys.
type YAMLFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *YAMLFormatter) Format(w *bytes.Buffer, r *Result) error {
	// Round trip through JSON so yaml sees the JSON field names.
	raw, err := json.Marshal(structured(r))
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(generic); err != nil {
		return err
	}
	return encoder.Close()
}

func init() {
	Register("yaml", func() Formatter {
		return &YAMLFormatter{}
	})
}

var _ Formatter = (*YAMLFormatter)(nil)
