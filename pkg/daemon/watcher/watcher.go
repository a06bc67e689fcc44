// Package watcher drains one area's change log into the search index.
package watcher

import (
	"context"

	"github.com/jamesainslie/indexsync/pkg/daemon/cutoff"
	"github.com/jamesainslie/indexsync/pkg/daemon/info"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// DefaultBatchSize is used when a config leaves the batch size unset.
const DefaultBatchSize = 1000

// IndexWriter applies documents to the index. Implementations must accept
// concurrent callers.
type IndexWriter interface {
	WriteAll(ctx context.Context, docs []*changelog.Document) error
	DeleteAll(ctx context.Context, docs []*changelog.Document) error
}

// Config configures a Watcher.
type Config struct {
	Area              string
	BatchSize         int
	InitialGeneration int64
}

// Watcher keeps the index in step with one area's change log. Its position is
// the log cursor; the watcher holds none of its own.
type Watcher struct {
	cfg    Config
	log    changelog.Log
	cutoff cutoff.Filter
	stream *info.Stream
	logger *logging.Logger
}

// New creates a watcher over log. filter and stream may be nil.
func New(cfg Config, log changelog.Log, filter cutoff.Filter, stream *info.Stream) *Watcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Area == "" {
		cfg.Area = log.Area()
	}
	if filter == nil {
		filter = cutoff.None{}
	}
	return &Watcher{
		cfg:    cfg,
		log:    log,
		cutoff: filter,
		stream: stream,
		logger: logging.Get("watcher").With("area", cfg.Area),
	}
}

// Area returns the area name.
func (w *Watcher) Area() string {
	return w.cfg.Area
}

// Config returns the watcher configuration.
func (w *Watcher) Config() Config {
	return w.cfg
}

// Generation returns the log cursor.
func (w *Watcher) Generation() int64 {
	return w.log.CurrentGeneration()
}

// Log returns the underlying change log.
func (w *Watcher) Log() changelog.Log {
	return w.log
}

// Initialize seeds the cursor to the initial generation and drains the log.
// A cursor already past the initial generation, for example after a snapshot
// restore, is kept.
func (w *Watcher) Initialize(ctx context.Context, iw IndexWriter, progress info.Progress) error {
	start := max(w.log.CurrentGeneration(), w.cfg.InitialGeneration)
	if _, err := w.log.Get(ctx, changelog.Fetch{Reset: true, Generation: start}); err != nil {
		return err
	}
	w.logger.Debug("initializing", "from", start)
	return w.drain(ctx, iw, progress, false)
}

// Reset rewinds the cursor to generation and drains the log again,
// re-delivering entries that were already seen.
func (w *Watcher) Reset(ctx context.Context, iw IndexWriter, generation int64, progress info.Progress) error {
	if _, err := w.log.Get(ctx, changelog.Fetch{Reset: true, Generation: generation}); err != nil {
		return err
	}
	w.logger.Info("resetting", "generation", generation)
	return w.drain(ctx, iw, progress, true)
}

func (w *Watcher) drain(ctx context.Context, iw IndexWriter, progress info.Progress, replay bool) error {
	if progress == nil {
		progress = info.Discard
	}

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		before := w.log.CurrentGeneration()
		batch, err := w.log.Get(ctx, changelog.Fetch{Replay: replay, BatchSize: w.cfg.BatchSize})
		if err != nil {
			return err
		}
		if batch.Empty() {
			progress.Report(w.progress(batch, count, true))
			return nil
		}

		applied, err := w.apply(ctx, iw, batch)
		if err != nil {
			w.log.Seek(before)
			return err
		}
		count += applied.Count
		w.reportFaults(applied.Faulty)

		// A batch that made no progress was deferred entirely by the cutoff;
		// the periodic update picks it up once it ages.
		done := applied.Generation <= before || applied.Generation >= batch.Latest
		progress.Report(w.progress(applied, count, done))
		if done {
			return nil
		}
	}
}

// Update pulls at most one batch and applies it. The returned batch holds the
// entries that were applied; it is empty when there was nothing to do.
func (w *Watcher) Update(ctx context.Context, iw IndexWriter) (*changelog.Batch, error) {
	before := w.log.CurrentGeneration()
	batch, err := w.log.Get(ctx, changelog.Fetch{BatchSize: w.cfg.BatchSize})
	if err != nil {
		return nil, err
	}
	if batch.Empty() {
		return batch, nil
	}

	applied, err := w.apply(ctx, iw, batch)
	if err != nil {
		// Rewind so the next poll retries the batch.
		w.log.Seek(before)
		return nil, err
	}

	w.reportFaults(applied.Faulty)
	w.stream.Publish(w.progress(applied, applied.Count, true))
	return applied, nil
}

// apply writes the entries of batch that pass the cutoff. When the cutoff
// rejects an entry, it and everything after it stay unapplied and the cursor
// is moved back so the next pull delivers them again.
func (w *Watcher) apply(ctx context.Context, iw IndexWriter, batch *changelog.Batch) (*changelog.Batch, error) {
	entries := batch.Entries()
	kept := w.cutoff.Filter(entries)

	horizon := int64(-1)
	if len(kept) < len(entries) {
		accepted := make(map[int64]bool, len(kept))
		for _, e := range kept {
			accepted[e.Generation] = true
		}
		for _, e := range entries {
			if !accepted[e.Generation] && (horizon < 0 || e.Generation < horizon) {
				horizon = e.Generation
			}
		}
	}

	applied := &changelog.Batch{
		Area:       batch.Area,
		Generation: batch.Generation,
		Latest:     batch.Latest,
	}
	for _, f := range batch.Faulty {
		if horizon < 0 || f.Generation < horizon {
			applied.Faulty = append(applied.Faulty, f)
		}
	}

	var writes, deletes []*changelog.Document
	for _, e := range kept {
		if horizon >= 0 && e.Generation >= horizon {
			continue
		}
		switch e.Type {
		case changelog.ChangeCreate:
			applied.Created = append(applied.Created, e)
			writes = append(writes, e.Document)
		case changelog.ChangeUpdate:
			applied.Updated = append(applied.Updated, e)
			writes = append(writes, e.Document)
		case changelog.ChangeDelete:
			applied.Deleted = append(applied.Deleted, e)
			deletes = append(deletes, e.Document)
		}
	}
	applied.Count = len(applied.Created) + len(applied.Updated) + len(applied.Deleted) + len(applied.Faulty)
	applied.Deferred = batch.Count - applied.Count

	if len(writes) > 0 {
		if err := iw.WriteAll(ctx, writes); err != nil {
			return nil, err
		}
	}
	if len(deletes) > 0 {
		if err := iw.DeleteAll(ctx, deletes); err != nil {
			return nil, err
		}
	}

	if horizon >= 0 {
		w.log.Seek(horizon - 1)
		applied.Generation = horizon - 1
		w.logger.Debug("deferring recent changes", "from", horizon, "deferred", applied.Deferred)
	}
	return applied, nil
}

func (w *Watcher) reportFaults(faults []changelog.Fault) {
	for _, f := range info.Faults(faults) {
		w.logger.Warn("skipping faulty change", "generation", f.Generation, "id", f.ID, "type", f.Type, "reason", f.Reason)
		w.stream.Publish(f)
	}
}

func (w *Watcher) progress(b *changelog.Batch, count int, done bool) info.BatchProgress {
	return info.BatchProgress{
		Area:       w.cfg.Area,
		Count:      count,
		Generation: b.Generation,
		Latest:     b.Latest,
		Done:       done,
		Created:    len(b.Created),
		Updated:    len(b.Updated),
		Deleted:    len(b.Deleted),
		Faulty:     len(b.Faulty),
		Deferred:   b.Deferred,
	}
}
