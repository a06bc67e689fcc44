// Package snapshot persists the index together with the per-area generation
// map, and restores the newest intact snapshot on startup.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/indexsync/pkg/daemon/index"
	"github.com/jamesainslie/indexsync/pkg/daemon/info"
	"github.com/jamesainslie/indexsync/pkg/daemon/metrics"
	"github.com/jamesainslie/indexsync/pkg/daemon/scheduler"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// Config configures a Manager.
type Config struct {
	// MaxSnapshots is the retention count. Zero or less disables snapshots.
	MaxSnapshots int
	// Schedule is an optional cron expression for periodic snapshots.
	Schedule string
	// DeleteCorrupt removes snapshots that fail verification.
	DeleteCorrupt bool
}

// Index is the snapshot capability of the index.
type Index interface {
	Freeze(ctx context.Context) (*index.Commit, error)
	Restore(ctx context.Context, src index.RestoreSource) error
}

// Generations gives access to the per-area log cursors.
type Generations interface {
	// Quiesce runs fn with the current generation map while no update cycle
	// is in flight.
	Quiesce(ctx context.Context, fn func(gens map[string]int64) error) error
	// Seek sets the cursor of area. It reports false for unknown areas.
	Seek(area string, generation int64) bool
}

// Result describes the outcome of RestoreSnapshot.
type Result struct {
	// Name is the restored snapshot, empty when none was restored.
	Name        string
	Attempts    int
	Generations map[string]int64
}

// Restored reports whether a snapshot was restored.
func (r Result) Restored() bool {
	return r.Name != ""
}

// Option configures a Manager.
type Option func(*Manager)

// WithStream publishes snapshot events to s.
func WithStream(s *info.Stream) Option {
	return func(m *Manager) { m.stream = s }
}

// WithMetrics records snapshot outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithScheduler runs the cron task on s instead of a private scheduler.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// Manager takes and restores snapshots.
type Manager struct {
	cfg      Config
	strategy Strategy
	index    Index
	gens     Generations
	stream   *info.Stream
	metrics  *metrics.Metrics
	sched    *scheduler.Scheduler
	logger   *logging.Logger
	now      func() time.Time

	paused atomic.Int32

	mu   sync.Mutex // serializes snapshot operations
	task *scheduler.Task
}

// New creates a snapshot manager.
func New(cfg Config, strategy Strategy, ix Index, gens Generations, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		strategy: strategy,
		index:    ix,
		gens:     gens,
		logger:   logging.Get("snapshot"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether snapshots are kept at all.
func (m *Manager) Enabled() bool {
	return m.cfg.MaxSnapshots > 0
}

// Start schedules periodic snapshots when a cron schedule is configured.
func (m *Manager) Start() error {
	if !m.Enabled() || m.cfg.Schedule == "" {
		return nil
	}
	if m.sched == nil {
		m.sched = scheduler.New(scheduler.WithErrorHandler(func(task string, err error) {
			m.metrics.TaskFailed(task)
			m.stream.Publish(info.TaskFailed{Task: task, Error: err.Error(), At: time.Now()})
		}))
	}

	task, err := m.sched.Cron("snapshot", m.cfg.Schedule, func(ctx context.Context) error {
		_, err := m.TakeSnapshot(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("scheduling snapshots: %w", err)
	}

	m.mu.Lock()
	m.task = task
	m.mu.Unlock()
	m.logger.Info("snapshots scheduled", "schedule", m.cfg.Schedule)
	return nil
}

// Stop cancels the scheduled snapshots.
func (m *Manager) Stop() {
	m.mu.Lock()
	task := m.task
	m.task = nil
	m.mu.Unlock()

	if task != nil {
		task.Dispose()
	}
}

// Pause suppresses TakeSnapshot until the matching Resume.
func (m *Manager) Pause() {
	m.paused.Add(1)
}

// Resume undoes one Pause.
func (m *Manager) Resume() {
	if m.paused.Add(-1) < 0 {
		m.paused.Store(0)
	}
}

// Paused reports whether snapshots are suppressed.
func (m *Manager) Paused() bool {
	return m.paused.Load() > 0
}

// TakeSnapshot writes a new snapshot and prunes old ones. It returns the
// snapshot name, or "" when snapshots are disabled or paused.
func (m *Manager) TakeSnapshot(ctx context.Context) (string, error) {
	if !m.Enabled() || m.Paused() {
		m.metrics.Snapshot(metrics.OutcomeSkipped)
		return "", nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	name := id.String()

	start := m.now()
	var manifest *Manifest
	err = m.gens.Quiesce(ctx, func(gens map[string]int64) error {
		var err error
		manifest, err = m.write(ctx, name, gens)
		return err
	})
	if err != nil {
		m.metrics.Snapshot(metrics.OutcomeFailed)
		return "", fmt.Errorf("taking snapshot %s: %w", name, err)
	}

	m.metrics.Snapshot(metrics.OutcomeTaken)
	m.logger.Info("snapshot taken",
		"name", name, "commit", manifest.Commit, "bytes", manifest.Summary.TotalBytes, "duration", m.now().Sub(start))

	removed, err := Prune(m.strategy, m.cfg.MaxSnapshots)
	for _, r := range removed {
		m.logger.Debug("pruned snapshot", "name", r)
	}
	if err != nil {
		m.logger.Warn("pruning snapshots failed", "error", err)
	}
	return name, nil
}

func (m *Manager) write(ctx context.Context, name string, gens map[string]int64) (*Manifest, error) {
	commit, err := m.index.Freeze(ctx)
	if err != nil {
		return nil, err
	}
	defer commit.Release()

	target, err := m.strategy.Create(name)
	if err != nil {
		return nil, err
	}

	m.stream.Publish(info.SnapshotOpened{Name: name, Strategy: m.strategy.Name(), Mode: info.ModeWrite, Generations: gens})

	manifest := &Manifest{
		Name:      name,
		Strategy:  m.strategy.Name(),
		Timestamp: m.now().UTC(),
		Commit:    commit.Generation,
	}

	for _, file := range commit.Files {
		if err := m.writeFile(target, name, manifest, file, func(w io.Writer) error {
			return commit.Stream(file, w)
		}); err != nil {
			return nil, errors.Join(err, target.Abort())
		}
	}

	if err := m.writeFile(target, name, manifest, GenerationsFile, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(gens)
	}); err != nil {
		return nil, errors.Join(err, target.Abort())
	}

	if err := m.writeFile(target, name, nil, ManifestFile, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(manifest)
	}); err != nil {
		return nil, errors.Join(err, target.Abort())
	}

	if err := target.Commit(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// writeFile writes one file through fill and records it in manifest when
// manifest is not nil.
func (m *Manager) writeFile(target Target, name string, manifest *Manifest, file string, fill func(w io.Writer) error) error {
	w, err := target.Create(file)
	if err != nil {
		return fmt.Errorf("creating %s: %w", file, err)
	}
	m.stream.Publish(info.FileOpened{Snapshot: name, File: file})

	hw := newHashWriter(w)
	if err := fill(hw); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing %s: %w", file, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", file, err)
	}

	m.stream.Publish(info.FileClosed{Snapshot: name, File: file, Bytes: hw.size})
	if manifest != nil {
		manifest.add(hw.record(file))
	}
	return nil
}

// RestoreSnapshot restores the newest snapshot that verifies and loads,
// trying older ones on failure, and moves each area's cursor to the recorded
// generation. It returns ErrNoSnapshot when no candidate succeeded; Attempts
// tells whether the index may have been partially overwritten.
func (m *Manager) RestoreSnapshot(ctx context.Context) (Result, error) {
	var res Result
	if !m.Enabled() {
		return res, ErrNoSnapshot
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.strategy.List()
	if err != nil {
		return res, err
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempts++
		gens, err := m.restore(ctx, name)
		if err != nil {
			m.metrics.Snapshot(metrics.OutcomeCorrupt)
			m.logger.Warn("snapshot restore failed, trying older", "name", name, "error", err)
			continue
		}

		res.Name = name
		res.Generations = gens
		m.metrics.Snapshot(metrics.OutcomeRestored)
		m.logger.Info("snapshot restored", "name", name, "attempts", res.Attempts, "areas", len(gens))
		return res, nil
	}

	m.metrics.Snapshot(metrics.OutcomeNone)
	return res, ErrNoSnapshot
}

func (m *Manager) restore(ctx context.Context, name string) (map[string]int64, error) {
	src, err := m.strategy.Open(name)
	if err != nil {
		if m.cfg.DeleteCorrupt {
			_ = m.strategy.Remove(name)
		}
		return nil, err
	}

	if err := src.Verify(); err != nil {
		if m.cfg.DeleteCorrupt {
			if derr := src.Delete(); derr != nil {
				m.logger.Warn("deleting corrupt snapshot failed", "name", name, "error", derr)
			} else {
				m.logger.Info("deleted corrupt snapshot", "name", name)
			}
		} else {
			_ = src.Close()
		}
		return nil, fmt.Errorf("verifying: %w", err)
	}
	defer src.Close()

	gens, err := readGenerations(src.Open)
	if err != nil {
		return nil, err
	}

	m.stream.Publish(info.SnapshotOpened{Name: name, Strategy: m.strategy.Name(), Mode: info.ModeRead, Generations: gens})
	if err := m.index.Restore(ctx, &trackedSource{src: src, stream: m.stream}); err != nil {
		return nil, err
	}

	for area, gen := range gens {
		if !m.gens.Seek(area, gen) {
			m.logger.Debug("snapshot area not configured", "area", area)
		}
	}
	return gens, nil
}

// List returns the manifests of stored snapshots, newest first. Snapshots
// whose manifest cannot be read are skipped.
func (m *Manager) List(_ context.Context) ([]Manifest, error) {
	names, err := m.strategy.List()
	if err != nil {
		return nil, err
	}

	out := make([]Manifest, 0, len(names))
	for _, name := range names {
		src, err := m.strategy.Open(name)
		if err != nil {
			continue
		}
		manifest, err := readManifest(src.Open)
		if err == nil {
			manifest.Generations, _ = readGenerations(src.Open)
			out = append(out, *manifest)
		}
		_ = src.Close()
	}
	return out, nil
}

// trackedSource publishes file events while the index reads a snapshot.
type trackedSource struct {
	src    Source
	stream *info.Stream
}

func (t *trackedSource) Open(name string) (io.ReadCloser, error) {
	rc, err := t.src.Open(name)
	if err != nil {
		return nil, err
	}
	t.stream.Publish(info.FileOpened{Snapshot: t.src.Name(), File: name})
	return &countingReader{rc: rc, onClose: func(n int64) {
		t.stream.Publish(info.FileClosed{Snapshot: t.src.Name(), File: name, Bytes: n})
	}}, nil
}

type countingReader struct {
	rc      io.ReadCloser
	n       int64
	onClose func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) Close() error {
	c.onClose(c.n)
	return c.rc.Close()
}
