package info

import (
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// Progress receives drain progress from watchers.
type Progress interface {
	Report(p BatchProgress)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(p BatchProgress)

// Report calls f(p).
func (f ProgressFunc) Report(p BatchProgress) {
	f(p)
}

// Discard is a Progress that ignores everything.
var Discard Progress = ProgressFunc(func(BatchProgress) {})

// AreaProgress is the tracked state of one area.
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

// Tracker records initialization progress per area. It republishes every
// report on its stream and logs at most once per interval while areas are
// still draining.
type Tracker struct {
	stream  *Stream
	logger  *logging.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu    sync.Mutex
	areas map[string]*AreaProgress
}

// NewTracker creates a tracker publishing to stream, which may be nil.
func NewTracker(stream *Stream, logEvery time.Duration) *Tracker {
	if logEvery <= 0 {
		logEvery = 5 * time.Second
	}
	return &Tracker{
		stream:  stream,
		logger:  logging.Get("manager"),
		limiter: rate.NewLimiter(rate.Every(logEvery), 1),
		now:     time.Now,
		areas:   make(map[string]*AreaProgress),
	}
}

// SetClock overrides the clock used for rates.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Report records p.
func (t *Tracker) Report(p BatchProgress) {
	now := t.now()

	t.mu.Lock()
	ap, ok := t.areas[p.Area]
	if !ok {
		ap = &AreaProgress{Area: p.Area, Started: now}
		t.areas[p.Area] = ap
	}
	ap.Count = p.Count
	ap.Generation = p.Generation
	ap.Latest = max(ap.Latest, p.Latest)
	ap.Done = p.Done
	ap.Faults += p.Faulty
	ap.Updated = now
	ap.Percent = percent(ap.Generation, ap.Latest, ap.Done)
	if elapsed := now.Sub(ap.Started).Seconds(); elapsed > 0 {
		ap.Rate = float64(ap.Count) / elapsed
	}
	snap := *ap
	t.mu.Unlock()

	t.stream.Publish(p)

	switch {
	case snap.Done:
		t.logger.Info("area initialized",
			"area", snap.Area, "count", snap.Count, "generation", snap.Generation, "faults", snap.Faults)
	case t.limiter.Allow():
		t.logger.Info("initializing",
			"area", snap.Area, "percent", int(snap.Percent), "generation", snap.Generation,
			"latest", snap.Latest, "rate", int(snap.Rate))
	}
}

func percent(gen, latest int64, done bool) float64 {
	if done {
		return 100
	}
	if latest <= 0 {
		return 0
	}
	return min(100, float64(gen)*100/float64(latest))
}

// Area returns the progress of one area.
func (t *Tracker) Area(area string) (AreaProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ap, ok := t.areas[area]
	if !ok {
		return AreaProgress{}, false
	}
	return *ap, true
}

// All returns the progress of all reported areas sorted by name.
func (t *Tracker) All() []AreaProgress {
	t.mu.Lock()
	out := make([]AreaProgress, 0, len(t.areas))
	for _, ap := range t.areas {
		out = append(out, *ap)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b AreaProgress) int {
		return strings.Compare(a.Area, b.Area)
	})
	return out
}

// Done reports whether every reported area finished.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ap := range t.areas {
		if !ap.Done {
			return false
		}
	}
	return true
}
