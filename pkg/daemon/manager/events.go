package manager

import "github.com/jamesainslie/indexsync/pkg/indexsync/changelog"

// EventKind identifies a manager event.
type EventKind int

const (
	// EventInitialized fires once Start completed initialization.
	EventInitialized EventKind = iota
	// EventChanged fires after index contents changed.
	EventChanged
	// EventReset fires after ResetIndex rebuilt the index.
	EventReset
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventInitialized:
		return "initialized"
	case EventChanged:
		return "changed"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event is delivered to observers after the triggering operation completed.
type Event struct {
	Kind EventKind
	// Batches holds the applied batch per area of an update cycle.
	Batches map[string]*changelog.Batch
	// Queued holds documents written through the queue.
	Queued      []*changelog.Document
	Generations map[string]int64
}

// Observer receives manager events. It runs on the goroutine that completed
// the operation and must not call back into the manager's cycle operations.
type Observer func(Event)

func (m *Manager) fire(ev Event) {
	for _, o := range m.observers {
		o(ev)
	}
}
