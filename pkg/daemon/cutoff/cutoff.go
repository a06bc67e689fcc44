// Package cutoff decides which change-log entries are too recent to index.
package cutoff

import (
	"time"

	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

// Filter returns the entries that may be indexed now. Entries it leaves out
// are retried by a later poll.
type Filter interface {
	Filter(entries []changelog.Entry) []changelog.Entry
}

// None accepts every entry.
type None struct{}

// Filter returns entries unchanged.
func (None) Filter(entries []changelog.Entry) []changelog.Entry {
	return entries
}

// Horizon rejects entries whose timestamp is within Window of now. Writes
// that recent may still be rolled back by the store.
type Horizon struct {
	Window time.Duration
	Now    func() time.Time
}

// NewHorizon returns a time-horizon filter. A non-positive window yields None.
func NewHorizon(window time.Duration) Filter {
	if window <= 0 {
		return None{}
	}
	return &Horizon{Window: window, Now: time.Now}
}

// Filter keeps entries stamped at or before now minus the window.
func (h *Horizon) Filter(entries []changelog.Entry) []changelog.Entry {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	limit := now().Add(-h.Window)

	out := make([]changelog.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp.After(limit) {
			continue
		}
		out = append(out, e)
	}
	return out
}
