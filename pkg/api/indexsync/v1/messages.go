// Package indexsyncv1 defines the indexsync daemon admin service. Messages
// are plain Go structs carried on the wire as JSON inside a
// google.protobuf.BytesValue, so the service needs no generated code.
package indexsyncv1

import (
	"encoding/json"
	"time"

	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

// Empty is the request or response of methods without parameters.
type Empty struct{}

// StatusResponse describes the running daemon.
type StatusResponse struct {
	PID       int           `json:"pid"`
	Started   time.Time     `json:"started"`
	Running   bool          `json:"running"`
	Backend   string        `json:"backend"`
	Areas     []AreaStatus  `json:"areas"`
	Index     IndexStats    `json:"index"`
	Snapshots SnapshotState `json:"snapshots"`
	Sources   []string      `json:"sources,omitempty"`
}

// AreaStatus is the position of one area's watcher.
type AreaStatus struct {
	Name       string  `json:"name"`
	Generation int64   `json:"generation"`
	Latest     int64   `json:"latest"`
	Percent    float64 `json:"percent"`
	Faults     int     `json:"faults"`
	Documents  int64   `json:"documents"`
	Tombstones int64   `json:"tombstones"`
}

// IndexStats summarizes the search index.
type IndexStats struct {
	Generation int64 `json:"generation"`
	Documents  int64 `json:"documents"`
	Tombstones int64 `json:"tombstones"`
	Terms      int64 `json:"terms"`
}

// SnapshotState is the snapshot manager state.
type SnapshotState struct {
	Enabled bool `json:"enabled"`
	Paused  bool `json:"paused"`
}

// BatchSummary counts what one area applied in an update.
type BatchSummary struct {
	Area       string `json:"area"`
	Count      int    `json:"count"`
	Generation int64  `json:"generation"`
	Latest     int64  `json:"latest"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Deleted    int    `json:"deleted"`
	Faulty     int    `json:"faulty"`
	Deferred   int    `json:"deferred"`
}

// Summarize converts a batch.
func Summarize(b *changelog.Batch) BatchSummary {
	return BatchSummary{
		Area:       b.Area,
		Count:      b.Count,
		Generation: b.Generation,
		Latest:     b.Latest,
		Created:    len(b.Created),
		Updated:    len(b.Updated),
		Deleted:    len(b.Deleted),
		Faulty:     len(b.Faulty),
		Deferred:   b.Deferred,
	}
}

// UpdateResponse lists the batches of one update cycle.
type UpdateResponse struct {
	Batches []BatchSummary `json:"batches"`
}

// ResetRequest resets the whole index, or a single area when Area is set.
type ResetRequest struct {
	Area       string `json:"area,omitempty"`
	Generation int64  `json:"generation,omitempty"`
}

// SeekRequest repositions an area's log without reindexing.
type SeekRequest struct {
	Area       string `json:"area"`
	Generation int64  `json:"generation"`
}

// SeekResponse reports whether the area exists.
type SeekResponse struct {
	Moved bool `json:"moved"`
}

// CheckRequest reconciles one document between store and index.
type CheckRequest struct {
	Area        string `json:"area"`
	ContentType string `json:"content_type,omitempty"`
	ID          string `json:"id"`
}

// PutRequest stores a document and indexes it right away.
type PutRequest struct {
	Document *changelog.Document `json:"document"`
}

// DeleteRequest deletes a document and removes it from the index.
type DeleteRequest struct {
	Area string `json:"area"`
	ID   string `json:"id"`
}

// DocumentResponse returns the stored document.
type DocumentResponse struct {
	Document *changelog.Document `json:"document"`
}

// SearchRequest queries the index.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Hit is a search result.
type Hit struct {
	Area        string            `json:"area"`
	ID          string            `json:"id"`
	ContentType string            `json:"content_type,omitempty"`
	Version     int64             `json:"version"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// SearchResponse holds search results.
type SearchResponse struct {
	Hits []Hit `json:"hits"`
}

// SnapshotResponse names the snapshot taken. Name is empty when snapshots
// are disabled or paused.
type SnapshotResponse struct {
	Name string `json:"name"`
}

// Snapshot describes a stored snapshot.
type Snapshot struct {
	Name        string           `json:"name"`
	Strategy    string           `json:"strategy"`
	Timestamp   time.Time        `json:"timestamp"`
	Files       int64            `json:"files"`
	Bytes       int64            `json:"bytes"`
	Generations map[string]int64 `json:"generations"`
}

// SnapshotList lists snapshots, newest first.
type SnapshotList struct {
	Snapshots []Snapshot `json:"snapshots"`
}

// ProgressResponse is the initialization progress of every area.
type ProgressResponse struct {
	Areas []AreaProgress `json:"areas"`
	Done  bool           `json:"done"`
}

// AreaProgress is the initialization progress of one area.
type AreaProgress struct {
	Area       string    `json:"area"`
	Count      int       `json:"count"`
	Generation int64     `json:"generation"`
	Latest     int64     `json:"latest"`
	Done       bool      `json:"done"`
	Faults     int       `json:"faults"`
	Percent    float64   `json:"percent"`
	Rate       float64   `json:"rate"`
	Started    time.Time `json:"started"`
	Updated    time.Time `json:"updated"`
}

// WatchRequest subscribes to info events. Empty Kinds means all kinds.
type WatchRequest struct {
	Kinds []string `json:"kinds,omitempty"`
}

// Event is an info event. Data holds the JSON form of the event.
type Event struct {
	Time time.Time       `json:"time"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}
