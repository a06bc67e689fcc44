// Package manager orchestrates the change-log watchers of all areas against
// one shared index.
package manager

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/jamesainslie/indexsync/pkg/daemon/cutoff"
	"github.com/jamesainslie/indexsync/pkg/daemon/info"
	"github.com/jamesainslie/indexsync/pkg/daemon/metrics"
	"github.com/jamesainslie/indexsync/pkg/daemon/scheduler"
	"github.com/jamesainslie/indexsync/pkg/daemon/snapshot"
	"github.com/jamesainslie/indexsync/pkg/daemon/watcher"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// Wildcard selects every area the store knows.
const Wildcard = "*"

// DefaultInterval is the polling interval used when none is configured.
const DefaultInterval = 5 * time.Second

// AreaConfig configures the watcher of one area. The Wildcard name applies to
// every store area without an explicit entry.
type AreaConfig struct {
	Name              string `mapstructure:"name"`
	BatchSize         int    `mapstructure:"batch_size"`
	InitialGeneration int64  `mapstructure:"initial_generation"`
}

// Config configures a Manager.
type Config struct {
	Areas     []AreaConfig
	BatchSize int
	Interval  time.Duration
}

// Store is the part of the document store the manager needs.
type Store interface {
	Areas(ctx context.Context) ([]string, error)
	Log(area string) changelog.Log
	Get(ctx context.Context, area, id string) (*changelog.Document, error)
}

// Index is the shared index writer.
type Index interface {
	watcher.IndexWriter
	Commit(ctx context.Context) error
	Purge(ctx context.Context) error
	Lookup(ctx context.Context, area, id string) (*changelog.Document, error)
}

// Snapshots restores and takes snapshots on behalf of the manager.
type Snapshots interface {
	TakeSnapshot(ctx context.Context) (string, error)
	RestoreSnapshot(ctx context.Context) (snapshot.Result, error)
	Pause()
	Resume()
}

// GhostFactory builds the tombstone queued by CheckIndex for a document the
// store no longer has.
type GhostFactory func(area, contentType, id string) *changelog.Document

// Ghost is the default GhostFactory. Its tombstone carries no version and so
// takes the version of the indexed document.
func Ghost(area, contentType, id string) *changelog.Document {
	return changelog.Tombstone(area, contentType, id, 0)
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithCutoff sets the cutoff filter shared by all watchers.
func WithCutoff(f cutoff.Filter) Option {
	return func(m *Manager) { m.cutoff = f }
}

// WithStream publishes progress and faults to s.
func WithStream(s *info.Stream) Option {
	return func(m *Manager) { m.stream = s }
}

// WithProgress receives initialization and reset progress.
func WithProgress(p info.Progress) Option {
	return func(m *Manager) { m.progress = p }
}

// WithMetrics records synchronization metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithScheduler runs the polling task on s instead of a private scheduler.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// Manager owns the watchers, the polling task and the write-through queue.
type Manager struct {
	cfg       Config
	store     Store
	index     Index
	cutoff    cutoff.Filter
	stream    *info.Stream
	progress  info.Progress
	metrics   *metrics.Metrics
	sched     *scheduler.Scheduler
	observers []Observer
	logger    *logging.Logger

	watchers map[string]*watcher.Watcher
	areas    []string

	// cycle is held for the duration of initialize, update and reset cycles.
	cycle sync.Mutex

	mu        sync.Mutex
	task      *scheduler.Task
	snapshots Snapshots
}

// New resolves a watcher per configured area. A Wildcard entry, or no entry
// at all, adds every area known to the store.
func New(ctx context.Context, store Store, ix Index, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = watcher.DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		index:    ix,
		logger:   logging.Get("manager"),
		watchers: make(map[string]*watcher.Watcher),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cutoff == nil {
		m.cutoff = cutoff.None{}
	}
	if m.progress == nil {
		m.progress = info.NewTracker(m.stream, 0)
	}
	if m.sched == nil {
		m.sched = scheduler.New(scheduler.WithErrorHandler(m.taskFailed))
	}

	areas, err := m.resolve(ctx)
	if err != nil {
		return nil, err
	}
	for _, ac := range areas {
		batch := ac.BatchSize
		if batch <= 0 {
			batch = cfg.BatchSize
		}
		m.watchers[ac.Name] = watcher.New(watcher.Config{
			Area:              ac.Name,
			BatchSize:         batch,
			InitialGeneration: ac.InitialGeneration,
		}, store.Log(ac.Name), m.cutoff, m.stream)
		m.areas = append(m.areas, ac.Name)
	}
	slices.Sort(m.areas)

	m.logger.Info("watchers configured", "areas", m.areas)
	return m, nil
}

func (m *Manager) resolve(ctx context.Context) ([]AreaConfig, error) {
	configured := make(map[string]AreaConfig)
	wildcard, all := AreaConfig{}, len(m.cfg.Areas) == 0
	for _, ac := range m.cfg.Areas {
		if ac.Name == Wildcard {
			wildcard, all = ac, true
			continue
		}
		if ac.Name != "" {
			configured[ac.Name] = ac
		}
	}

	if all {
		known, err := m.store.Areas(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing store areas: %w", err)
		}
		for _, name := range known {
			if _, ok := configured[name]; !ok {
				ac := wildcard
				ac.Name = name
				configured[name] = ac
			}
		}
	}
	return slices.Collect(maps.Values(configured)), nil
}

// SetSnapshots attaches the snapshot manager. The snapshot manager needs the
// manager itself, so it is attached after construction.
func (m *Manager) SetSnapshots(s Snapshots) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = s
}

func (m *Manager) snapshotter() Snapshots {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots
}

// Areas returns the watched areas sorted by name.
func (m *Manager) Areas() []string {
	return slices.Clone(m.areas)
}

// Stream returns the info stream, which may be nil.
func (m *Manager) Stream() *info.Stream {
	return m.stream
}

// Start restores the newest snapshot, initializes every watcher, and schedules
// the periodic update. It blocks until initialization is complete.
func (m *Manager) Start(ctx context.Context) error {
	if m.Running() {
		return errors.New("manager already started")
	}

	if err := m.restore(ctx); err != nil {
		return err
	}

	start := time.Now()
	if err := m.initialize(ctx); err != nil {
		return fmt.Errorf("initializing index: %w", err)
	}
	m.logger.Info("index initialized", "areas", len(m.areas), "duration", time.Since(start))

	m.fire(Event{Kind: EventInitialized, Generations: m.Generations()})
	m.schedule()
	return nil
}

// restore tries the snapshot shortcut. A failed attempt may leave a partial
// index behind, which is purged so the full replay starts clean.
func (m *Manager) restore(ctx context.Context) error {
	snaps := m.snapshotter()
	if snaps == nil {
		return nil
	}

	res, err := snaps.RestoreSnapshot(ctx)
	switch {
	case err == nil:
		m.logger.Info("restored snapshot", "name", res.Name, "generations", res.Generations)
		return nil
	case errors.Is(err, snapshot.ErrNoSnapshot):
		m.logger.Info("no snapshot restored, replaying from initial generations", "attempts", res.Attempts)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		m.logger.Warn("snapshot restore failed", "error", err)
	}

	if res.Attempts > 0 {
		if err := m.index.Purge(ctx); err != nil {
			return fmt.Errorf("purging after failed restore: %w", err)
		}
	}
	return nil
}

func (m *Manager) initialize(ctx context.Context) error {
	m.cycle.Lock()
	defer m.cycle.Unlock()

	err := m.fanOut(ctx, func(ctx context.Context, w *watcher.Watcher) error {
		return w.Initialize(ctx, m.index, m.progress)
	})
	return m.commit(ctx, err)
}

// commit commits the index and records generations, joining err.
func (m *Manager) commit(ctx context.Context, err error) error {
	if cerr := m.index.Commit(ctx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("committing index: %w", cerr))
	}
	for area, gen := range m.Generations() {
		m.metrics.SetGeneration(area, gen)
	}
	return err
}

// fanOut runs fn for every watcher concurrently and joins the errors.
func (m *Manager) fanOut(ctx context.Context, fn func(ctx context.Context, w *watcher.Watcher) error) error {
	if len(m.areas) == 0 {
		return nil
	}

	p := pool.New().WithMaxGoroutines(len(m.areas)).WithContext(ctx)
	for _, area := range m.areas {
		w := m.watchers[area]
		p.Go(func(ctx context.Context) error {
			if err := fn(ctx, w); err != nil {
				return fmt.Errorf("area %s: %w", area, err)
			}
			return nil
		})
	}
	return p.Wait()
}

func (m *Manager) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.task != nil {
		return
	}
	m.task = m.sched.Every("update", m.cfg.Interval, func(ctx context.Context) error {
		_, err := m.UpdateIndex(ctx)
		return err
	})
}

// stopTask disposes the polling task and reports whether one was running.
func (m *Manager) stopTask() bool {
	m.mu.Lock()
	task := m.task
	m.task = nil
	m.mu.Unlock()

	if task == nil {
		return false
	}
	task.Dispose()
	return true
}

// Stop disposes the polling task, waiting for a running update to finish.
func (m *Manager) Stop() {
	if m.stopTask() {
		m.logger.Info("polling stopped")
	}
}

// Running reports whether the polling task is scheduled.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.task != nil
}

// Signal wakes the polling task early.
func (m *Manager) Signal() {
	m.mu.Lock()
	task := m.task
	m.mu.Unlock()

	if task != nil {
		task.Signal()
	}
}

// UpdateIndex pulls one batch per area, commits once and fires a changed
// event when anything was applied.
func (m *Manager) UpdateIndex(ctx context.Context) (map[string]*changelog.Batch, error) {
	batches, err := m.update(ctx)

	changed := false
	for area, b := range batches {
		m.metrics.ObserveBatch(area, b)
		m.metrics.Deferred(area, b.Deferred)
		changed = changed || !b.Empty()
	}
	if changed {
		m.fire(Event{Kind: EventChanged, Batches: batches, Generations: m.Generations()})
	}
	return batches, err
}

func (m *Manager) update(ctx context.Context) (map[string]*changelog.Batch, error) {
	m.cycle.Lock()
	defer m.cycle.Unlock()

	start := time.Now()
	defer func() { m.metrics.ObserveUpdate(time.Since(start)) }()

	var mu sync.Mutex
	batches := make(map[string]*changelog.Batch, len(m.areas))
	err := m.fanOut(ctx, func(ctx context.Context, w *watcher.Watcher) error {
		batch, err := w.Update(ctx, m.index)
		if err != nil {
			return err
		}
		mu.Lock()
		batches[w.Area()] = batch
		mu.Unlock()
		return nil
	})
	return batches, m.commit(ctx, err)
}

// ResetIndex rebuilds the index from scratch: it stops polling, purges the
// index, replays every area from its initial generation, takes a fresh
// snapshot and restarts polling.
func (m *Manager) ResetIndex(ctx context.Context) error {
	running := m.stopTask()
	snaps := m.snapshotter()
	if snaps != nil {
		snaps.Pause()
	}

	m.logger.Info("resetting index", "areas", len(m.areas))
	err := m.reset(ctx)

	if snaps != nil {
		snaps.Resume()
	}
	if err == nil {
		if snaps != nil {
			if _, serr := snaps.TakeSnapshot(ctx); serr != nil {
				m.logger.Warn("snapshot after reset failed", "error", serr)
			}
		}
		m.metrics.Reset()
		m.fire(Event{Kind: EventReset, Generations: m.Generations()})
	}
	if running {
		m.schedule()
	}
	return err
}

func (m *Manager) reset(ctx context.Context) error {
	m.cycle.Lock()
	defer m.cycle.Unlock()

	if err := m.index.Purge(ctx); err != nil {
		return fmt.Errorf("purging index: %w", err)
	}
	err := m.fanOut(ctx, func(ctx context.Context, w *watcher.Watcher) error {
		return w.Reset(ctx, m.index, w.Config().InitialGeneration, m.progress)
	})
	return m.commit(ctx, err)
}

// Generation re-indexes one area from generation. Unknown areas are ignored.
func (m *Manager) Generation(ctx context.Context, area string, generation int64, progress info.Progress) error {
	w, ok := m.watchers[area]
	if !ok {
		m.logger.Debug("ignoring generation reset of unknown area", "area", area)
		return nil
	}
	if progress == nil {
		progress = m.progress
	}

	m.cycle.Lock()
	err := m.commit(ctx, w.Reset(ctx, m.index, generation, progress))
	m.cycle.Unlock()
	if err != nil {
		return err
	}

	m.fire(Event{Kind: EventChanged, Generations: m.Generations()})
	return nil
}

// Seek moves the cursor of area without fetching. It reports false for
// unknown areas.
func (m *Manager) Seek(area string, generation int64) bool {
	w, ok := m.watchers[area]
	if !ok {
		return false
	}
	w.Log().Seek(generation)
	m.metrics.SetGeneration(area, generation)
	return true
}

// Generations returns the cursor of every area.
func (m *Manager) Generations() map[string]int64 {
	gens := make(map[string]int64, len(m.watchers))
	for area, w := range m.watchers {
		gens[area] = w.Generation()
	}
	return gens
}

// Quiesce runs fn with the generation map while no cycle is in flight.
func (m *Manager) Quiesce(ctx context.Context, fn func(gens map[string]int64) error) error {
	m.cycle.Lock()
	defer m.cycle.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(m.Generations())
}

// QueueUpdate writes doc to the index ahead of the log and wakes the polling
// task. The log delivers the same change later; the index keeps whichever
// version is newer.
func (m *Manager) QueueUpdate(ctx context.Context, doc *changelog.Document) error {
	if err := m.index.WriteAll(ctx, []*changelog.Document{doc}); err != nil {
		return err
	}
	return m.queued(ctx, doc)
}

// QueueDelete removes doc from the index ahead of the log and wakes the
// polling task. A tombstone without version takes the indexed version.
func (m *Manager) QueueDelete(ctx context.Context, doc *changelog.Document) error {
	tomb := doc.Clone()
	tomb.Deleted = true
	if tomb.Version == 0 {
		cur, err := m.index.Lookup(ctx, doc.Area, doc.ID)
		switch {
		case err == nil:
			tomb.Version = cur.Version
		case !errors.Is(err, changelog.ErrNotFound):
			return err
		}
	}

	if err := m.index.DeleteAll(ctx, []*changelog.Document{tomb}); err != nil {
		return err
	}
	return m.queued(ctx, tomb)
}

func (m *Manager) queued(ctx context.Context, doc *changelog.Document) error {
	if err := m.index.Commit(ctx); err != nil {
		return err
	}
	m.fire(Event{Kind: EventChanged, Queued: []*changelog.Document{doc}})
	m.Signal()
	return nil
}

// CheckIndex heals the index entry of one document: it is re-queued when the
// store has it and deleted through a ghost tombstone when it does not.
func (m *Manager) CheckIndex(ctx context.Context, area, contentType, id string, ghost GhostFactory) error {
	doc, err := m.store.Get(ctx, area, id)
	if errors.Is(err, changelog.ErrNotFound) {
		if ghost == nil {
			ghost = Ghost
		}
		m.logger.Info("removing ghost from index", "area", area, "id", id)
		return m.QueueDelete(ctx, ghost(area, contentType, id))
	}
	if err != nil {
		return err
	}
	return m.QueueUpdate(ctx, doc)
}

func (m *Manager) taskFailed(task string, err error) {
	m.logger.Error("task failed", "task", task, "error", err)
	m.metrics.TaskFailed(task)
	m.stream.Publish(info.TaskFailed{Task: task, Error: err.Error(), At: time.Now()})
}
