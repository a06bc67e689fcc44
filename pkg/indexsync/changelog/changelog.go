// Package changelog defines the document and change-log model shared by the
// stores, the watchers and the index.
package changelog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a document does not exist in a store.
var ErrNotFound = errors.New("document not found")

// ChangeType is the kind of mutation recorded in a change log.
type ChangeType int

const (
	ChangeCreate ChangeType = iota
	ChangeUpdate
	ChangeDelete
)

// String returns the string representation of the change type.
func (t ChangeType) String() string {
	switch t {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Document is a versioned document as held by a store.
// Version is incremented by the store on every write or delete of the id.
type Document struct {
	Area        string            `json:"area"`
	ID          string            `json:"id"`
	ContentType string            `json:"content_type"`
	Version     int64             `json:"version"`
	Modified    time.Time         `json:"modified"`
	Fields      map[string]string `json:"fields,omitempty"`
	Deleted     bool              `json:"deleted,omitempty"`
}

// Key returns the area-qualified identity of the document.
func (d *Document) Key() string {
	return d.Area + "/" + d.ID
}

// Entry is a single change-log record.
type Entry struct {
	Generation  int64
	Area        string
	Type        ChangeType
	ID          string
	ContentType string
	Version     int64
	Timestamp   time.Time

	// Document is the resolved payload. Deletes carry a tombstone.
	Document *Document
}

// Fault is an entry whose document could not be materialized.
type Fault struct {
	Generation int64
	Area       string
	Type       ChangeType
	ID         string
	Reason     string
}

// Batch is the result of one log pull.
type Batch struct {
	Area    string
	Created []Entry
	Updated []Entry
	Deleted []Entry
	Faulty  []Fault

	// Generation is the cursor position reached by this batch.
	Generation int64
	// Latest is the latest generation known when the batch was fetched.
	Latest int64
	// Count is the number of log entries covered, faults included.
	Count int
	// Deferred is the number of fetched entries held back for a later poll.
	Deferred int
}

// Empty reports whether the batch carries no entries at all.
// An empty batch means the log was drained up to Latest.
func (b *Batch) Empty() bool {
	return b == nil || b.Count == 0
}

// Entries returns created, updated and deleted entries in application order.
func (b *Batch) Entries() []Entry {
	out := make([]Entry, 0, len(b.Created)+len(b.Updated)+len(b.Deleted))
	out = append(out, b.Created...)
	out = append(out, b.Updated...)
	out = append(out, b.Deleted...)
	return out
}

// Fetch describes a single log pull.
type Fetch struct {
	// Reset moves the cursor to Generation before fetching. With a zero
	// BatchSize nothing is fetched and only the cursor moves.
	Reset      bool
	Generation int64

	// Replay allows delivery of entries at or below the highest generation
	// already delivered. Required after the cursor was moved backward.
	Replay bool

	BatchSize int
}

// Log is the cursor over one area's change log.
type Log interface {
	Area() string
	Get(ctx context.Context, f Fetch) (*Batch, error)
	CurrentGeneration() int64
	LatestGeneration(ctx context.Context) (int64, error)

	// Seek positions the log as if it had delivered exactly up to generation.
	Seek(generation int64)
}

// Source reads raw change records from a store.
type Source interface {
	// Changes returns up to limit entries with a generation above after, in
	// generation order. Entries whose document cannot be resolved are returned
	// as faults.
	Changes(ctx context.Context, area string, after int64, limit int) ([]Entry, []Fault, error)

	// Latest returns the highest generation appended to the area's log.
	Latest(ctx context.Context, area string) (int64, error)
}

// Counts holds the document totals of one area.
type Counts struct {
	Documents  int64 `json:"documents"`
	Tombstones int64 `json:"tombstones"`
}

// Store is the authoritative document store.
type Store interface {
	Source

	Areas(ctx context.Context) ([]string, error)
	Log(area string) Log
	Get(ctx context.Context, area, id string) (*Document, error)
	Put(ctx context.Context, doc *Document) (*Document, error)
	Delete(ctx context.Context, area, id string) (*Document, error)
	Count(ctx context.Context, area string) (Counts, error)
	Close() error
}
