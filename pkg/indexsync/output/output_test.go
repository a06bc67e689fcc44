package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	indexsyncv1 "github.com/jamesainslie/indexsync/pkg/api/indexsync/v1"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

func testStatus() *indexsyncv1.StatusResponse {
	return &indexsyncv1.StatusResponse{
		PID:     1234,
		Started: time.Now().Add(-2 * time.Hour),
		Running: true,
		Backend: "badger",
		Areas: []indexsyncv1.AreaStatus{
			{Name: "content", Generation: 90, Latest: 100, Percent: 90, Documents: 80},
			{Name: "users", Generation: 5, Latest: 5, Percent: 100, Faults: 2, Documents: 3, Tombstones: 1},
		},
		Index:     indexsyncv1.IndexStats{Generation: 7, Documents: 12345, Terms: 400},
		Snapshots: indexsyncv1.SnapshotState{Enabled: true, Paused: true},
	}
}

func format(t *testing.T, name string, r *Result) string {
	t.Helper()
	f, err := Get(name)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.Format(&buf, r))
	return buf.String()
}

func TestRegistry(t *testing.T) {
	assert.Equal(t,
		[]string{"csv", "json", "markdown", "plain", "pretty", "template", "yaml"},
		Available())

	_, err := Get("nope")
	assert.EqualError(t, err, "unknown formatter: nope")

	r := NewRegistry()
	r.Register("x", func() Formatter { return &PlainFormatter{} })
	f, err := r.Get("x")
	require.NoError(t, err)
	assert.IsType(t, &PlainFormatter{}, f)
}

func TestStatusView(t *testing.T) {
	r := Status(testStatus())

	fields := make(map[string]string)
	for _, f := range r.Fields {
		fields[f.Label] = f.Value
	}
	assert.Equal(t, "1234", fields["PID"])
	assert.Equal(t, "2 hours ago", fields["Started"])
	assert.Equal(t, "running", fields["Polling"])
	assert.Equal(t, "paused", fields["Snapshots"])
	assert.Equal(t, "12,345", fields["Documents"])

	require.Len(t, r.Rows, 2)
	assert.Equal(t, []string{"content", "90", "100", "10", "90.0%", "0", "80"}, r.Rows[0])
	assert.Equal(t, []string{"users", "5", "5", "0", "100.0%", "2", "3"}, r.Rows[1])
	assert.Len(t, r.Notes, 1)
}

func TestPlainFormatter(t *testing.T) {
	out := format(t, "plain", Status(testStatus()))
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "AREA"))
	assert.Equal(t, []string{"content", "90", "100", "10", "90.0%", "0", "80"}, strings.Fields(lines[1]))

	doc := Document(&changelog.Document{Area: "content", ID: "a", Version: 3})
	out = format(t, "plain", doc)
	assert.Contains(t, out, "Version")
	assert.Contains(t, out, "3")
}

func TestPrettyFormatter(t *testing.T) {
	out := format(t, "pretty", Status(testStatus()))
	assert.Contains(t, out, "indexsyncd")
	assert.Contains(t, out, "content")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "2 changes could not be resolved")

	out = format(t, "pretty", Hits(nil))
	assert.Contains(t, out, "No matches")
}

func TestCSVFormatter(t *testing.T) {
	hits := []indexsyncv1.Hit{
		{Area: "content", ID: "a,b", Version: 2, Fields: map[string]string{"title": `say "hi"`}},
	}
	out := format(t, "csv", Hits(hits))

	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"AREA", "ID", "TYPE", "VERSION", "TITLE"}, records[0])
	assert.Equal(t, []string{"content", "a,b", "", "2", `say "hi"`}, records[1])
}

func TestMarkdownFormatter(t *testing.T) {
	snaps := []indexsyncv1.Snapshot{{
		Name:        "s|1",
		Strategy:    "zip",
		Bytes:       2048,
		Generations: map[string]int64{"users": 5, "content": 9},
	}}
	out := format(t, "markdown", Snapshots(snaps))
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "| NAME | STRATEGY | TAKEN | FILES | SIZE | GENERATIONS |", lines[0])
	assert.Contains(t, lines[2], `s\|1`)
	assert.Contains(t, lines[2], "2.0 KiB")
	assert.Contains(t, lines[2], "content=9 users=5")
}

func TestJSONFormatter(t *testing.T) {
	out := format(t, "json", Status(testStatus()))

	var got indexsyncv1.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 1234, got.PID)
	assert.Len(t, got.Areas, 2)

	out = format(t, "json", &Result{Fields: []Field{{"a", "1"}}})
	assert.JSONEq(t, `{"a":"1"}`, out)
}

func TestYAMLFormatter(t *testing.T) {
	out := format(t, "yaml", Batches([]indexsyncv1.BatchSummary{
		{Area: "content", Generation: 4, Created: 1},
	}))

	var got []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "content", got[0]["area"])
	assert.Equal(t, 4, got[0]["generation"])
}

func TestTemplateFormatter(t *testing.T) {
	out := format(t, "template", Progress(&indexsyncv1.ProgressResponse{
		Done:  true,
		Areas: []indexsyncv1.AreaProgress{{Area: "content", Generation: 3, Latest: 3, Done: true, Percent: 100}},
	}))
	assert.Equal(t, "State=done\ncontent\t3\t3\t100.0%\t0/s\t0\tyes\n", out)

	f := NewTemplateFormatter(`{{.Data.Backend}} {{comma .Data.Index.Documents}} {{bytes 1024}}`)
	var buf bytes.Buffer
	require.NoError(t, f.Format(&buf, Status(testStatus())))
	assert.Equal(t, "badger 12,345 1.0 KiB", buf.String())

	f.SetTemplate(`{{.Missing`)
	assert.Error(t, f.Format(&buf, Status(testStatus())))
}

func TestDocumentView(t *testing.T) {
	r := Document(&changelog.Document{
		Area:    "content",
		ID:      "a",
		Deleted: true,
		Fields:  map[string]string{"title": "T", "body": "B"},
	})
	assert.Equal(t, [][]string{{"body", "B"}, {"title", "T"}}, r.Rows)
	assert.Contains(t, r.Fields, Field{"Deleted", "yes"})
	assert.Contains(t, r.Fields, Field{"Modified", "-"})
}
