package output

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	indexsyncv1 "github.com/jamesainslie/indexsync/pkg/api/indexsync/v1"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

// Status renders the daemon status.
func Status(st *indexsyncv1.StatusResponse) *Result {
	r := &Result{
		Title: "indexsyncd",
		Fields: []Field{
			{"PID", strconv.Itoa(st.PID)},
			{"Started", ago(st.Started)},
			{"Backend", st.Backend},
			{"Polling", onOff(st.Running, "running", "stopped")},
			{"Snapshots", snapshotState(st.Snapshots)},
			{"Documents", humanize.Comma(st.Index.Documents)},
			{"Terms", humanize.Comma(st.Index.Terms)},
			{"Index generation", strconv.FormatInt(st.Index.Generation, 10)},
		},
		Columns: []string{"AREA", "GENERATION", "LATEST", "LAG", "PROGRESS", "FAULTS", "DOCS"},
		Empty:   "No areas configured",
		Data:    st,
	}
	if len(st.Sources) > 0 {
		r.Fields = append(r.Fields, Field{"Sources", strings.Join(st.Sources, ", ")})
	}

	for _, a := range st.Areas {
		r.Rows = append(r.Rows, []string{
			a.Name,
			strconv.FormatInt(a.Generation, 10),
			strconv.FormatInt(a.Latest, 10),
			strconv.FormatInt(max(a.Latest-a.Generation, 0), 10),
			percent(a.Percent),
			strconv.Itoa(a.Faults),
			strconv.FormatInt(a.Documents, 10),
		})
		if a.Faults > 0 {
			r.Notes = append(r.Notes, fmt.Sprintf("%s: %d changes could not be resolved", a.Name, a.Faults))
		}
	}
	return r
}

func snapshotState(s indexsyncv1.SnapshotState) string {
	switch {
	case !s.Enabled:
		return "disabled"
	case s.Paused:
		return "paused"
	default:
		return "enabled"
	}
}

// Batches renders the result of an update cycle.
func Batches(batches []indexsyncv1.BatchSummary) *Result {
	r := &Result{
		Columns: []string{"AREA", "GENERATION", "LATEST", "CREATED", "UPDATED", "DELETED", "FAULTY", "DEFERRED"},
		Empty:   "No areas updated",
		Data:    batches,
	}
	for _, b := range batches {
		r.Rows = append(r.Rows, []string{
			b.Area,
			strconv.FormatInt(b.Generation, 10),
			strconv.FormatInt(b.Latest, 10),
			strconv.Itoa(b.Created),
			strconv.Itoa(b.Updated),
			strconv.Itoa(b.Deleted),
			strconv.Itoa(b.Faulty),
			strconv.Itoa(b.Deferred),
		})
	}
	return r
}

// Hits renders search results. The title field is shown when documents
// carry one.
func Hits(hits []indexsyncv1.Hit) *Result {
	r := &Result{
		Columns: []string{"AREA", "ID", "TYPE", "VERSION", "TITLE"},
		Empty:   "No matches",
		Data:    hits,
	}
	for _, h := range hits {
		r.Rows = append(r.Rows, []string{
			h.Area,
			h.ID,
			h.ContentType,
			strconv.FormatInt(h.Version, 10),
			h.Fields["title"],
		})
	}
	return r
}

// Snapshots renders stored snapshots.
func Snapshots(snaps []indexsyncv1.Snapshot) *Result {
	r := &Result{
		Columns: []string{"NAME", "STRATEGY", "TAKEN", "FILES", "SIZE", "GENERATIONS"},
		Empty:   "No snapshots",
		Data:    snaps,
	}
	for _, s := range snaps {
		r.Rows = append(r.Rows, []string{
			s.Name,
			s.Strategy,
			ago(s.Timestamp),
			strconv.FormatInt(s.Files, 10),
			humanize.IBytes(uint64(max(s.Bytes, 0))),
			generations(s.Generations),
		})
	}
	return r
}

// Progress renders initialization progress.
func Progress(p *indexsyncv1.ProgressResponse) *Result {
	r := &Result{
		Fields:  []Field{{"State", onOff(p.Done, "done", "initializing")}},
		Columns: []string{"AREA", "GENERATION", "LATEST", "PROGRESS", "RATE", "FAULTS", "DONE"},
		Empty:   "No progress reported",
		Data:    p,
	}
	for _, a := range p.Areas {
		r.Rows = append(r.Rows, []string{
			a.Area,
			strconv.FormatInt(a.Generation, 10),
			strconv.FormatInt(a.Latest, 10),
			percent(a.Percent),
			strconv.FormatFloat(a.Rate, 'f', 0, 64) + "/s",
			strconv.Itoa(a.Faults),
			onOff(a.Done, "yes", "no"),
		})
	}
	return r
}

// Document renders a stored document or tombstone.
func Document(doc *changelog.Document) *Result {
	r := &Result{
		Fields: []Field{
			{"Area", doc.Area},
			{"ID", doc.ID},
			{"Type", doc.ContentType},
			{"Version", strconv.FormatInt(doc.Version, 10)},
			{"Modified", ago(doc.Modified)},
			{"Deleted", onOff(doc.Deleted, "yes", "no")},
		},
		Columns: []string{"FIELD", "VALUE"},
		Data:    doc,
	}
	for _, k := range slices.Sorted(maps.Keys(doc.Fields)) {
		r.Rows = append(r.Rows, []string{k, doc.Fields[k]})
	}
	return r
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func percent(p float64) string {
	return strconv.FormatFloat(p, 'f', 1, 64) + "%"
}

func onOff(b bool, on, off string) string {
	if b {
		return on
	}
	return off
}

func generations(gens map[string]int64) string {
	parts := make([]string, 0, len(gens))
	for _, area := range slices.Sorted(maps.Keys(gens)) {
		parts = append(parts, area+"="+strconv.FormatInt(gens[area], 10))
	}
	return strings.Join(parts, " ")
}
