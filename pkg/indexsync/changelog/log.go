package changelog

import (
	"context"
	"fmt"
	"sync"
)

// CursorLog implements Log on top of a Source.
//
// It tracks a cursor and a high-water mark: the highest generation ever
// delivered. Ordinary fetches never deliver at or below the mark, so moving
// backward requires a Replay fetch.
type CursorLog struct {
	src  Source
	area string

	mu     sync.Mutex
	cursor int64
	mark   int64
	latest int64
}

// NewLog creates a cursor log for area positioned at generation zero.
func NewLog(src Source, area string) *CursorLog {
	return &CursorLog{src: src, area: area}
}

// Area returns the area name.
func (l *CursorLog) Area() string {
	return l.area
}

// Get fetches the next batch.
func (l *CursorLog) Get(ctx context.Context, f Fetch) (*Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f.Reset {
		l.cursor = f.Generation
	}

	if err := l.refreshLatest(ctx); err != nil {
		return nil, err
	}

	batch := &Batch{Area: l.area, Generation: l.cursor, Latest: l.latest}
	if f.BatchSize <= 0 {
		return batch, nil
	}

	from := l.cursor
	if !f.Replay && l.mark > from {
		from = l.mark
	}

	entries, faults, err := l.src.Changes(ctx, l.area, from, f.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("reading %s changes after %d: %w", l.area, from, err)
	}

	reached := from
	for _, e := range entries {
		switch e.Type {
		case ChangeCreate:
			batch.Created = append(batch.Created, e)
		case ChangeUpdate:
			batch.Updated = append(batch.Updated, e)
		case ChangeDelete:
			batch.Deleted = append(batch.Deleted, e)
		}
		reached = max(reached, e.Generation)
	}
	for _, f := range faults {
		batch.Faulty = append(batch.Faulty, f)
		reached = max(reached, f.Generation)
	}

	l.cursor = reached
	l.mark = max(l.mark, reached)
	l.latest = max(l.latest, reached)

	batch.Count = len(entries) + len(faults)
	batch.Generation = reached
	batch.Latest = l.latest
	return batch, nil
}

// refreshLatest reads the latest generation. The observed value never decreases.
// Must be called with l.mu held.
func (l *CursorLog) refreshLatest(ctx context.Context) error {
	latest, err := l.src.Latest(ctx, l.area)
	if err != nil {
		return fmt.Errorf("reading %s latest generation: %w", l.area, err)
	}
	l.latest = max(l.latest, latest)
	return nil
}

// CurrentGeneration returns the cursor.
func (l *CursorLog) CurrentGeneration() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// LatestGeneration returns the latest known generation of the area.
func (l *CursorLog) LatestGeneration(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.refreshLatest(ctx); err != nil {
		return 0, err
	}
	return l.latest, nil
}

// Seek sets both the cursor and the high-water mark.
func (l *CursorLog) Seek(generation int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursor = generation
	l.mark = generation
}

var _ Log = (*CursorLog)(nil)
