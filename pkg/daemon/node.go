// Package daemon wires the document store, the search index, the index
// manager, snapshots and filesystem sources into the indexsyncd process and
// exposes them over a gRPC admin service and an HTTP metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jamesainslie/indexsync/pkg/daemon/cutoff"
	"github.com/jamesainslie/indexsync/pkg/daemon/index"
	"github.com/jamesainslie/indexsync/pkg/daemon/info"
	"github.com/jamesainslie/indexsync/pkg/daemon/manager"
	"github.com/jamesainslie/indexsync/pkg/daemon/metrics"
	"github.com/jamesainslie/indexsync/pkg/daemon/scheduler"
	"github.com/jamesainslie/indexsync/pkg/daemon/snapshot"
	"github.com/jamesainslie/indexsync/pkg/daemon/source"
	"github.com/jamesainslie/indexsync/pkg/daemon/store"
	"github.com/jamesainslie/indexsync/pkg/daemon/store/sqlstore"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
	"github.com/jamesainslie/indexsync/pkg/indexsync/config"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// areaCreator is implemented by stores that can register an empty area.
type areaCreator interface {
	CreateArea(ctx context.Context, area string) error
}

// Node is one running indexsync instance.
type Node struct {
	cfg    *config.Config
	logger *logging.Logger

	store     changelog.Store
	index     *index.Index
	searcher  *index.Searcher
	stream    *info.Stream
	tracker   *info.Tracker
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	sched     *scheduler.Scheduler
	manager   *manager.Manager
	snapshots *snapshot.Manager
	sources   []*source.Source

	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewNode opens the store and the index and builds the managers. Nothing runs
// until Start.
func NewNode(ctx context.Context, cfg *config.Config) (_ *Node, err error) {
	n := &Node{
		cfg:      cfg,
		logger:   logging.Get("daemon"),
		stream:   info.NewStream(0),
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = metrics.New(n.registry)
	n.tracker = info.NewTracker(n.stream, 2*time.Second)
	n.sched = scheduler.New(scheduler.WithErrorHandler(n.taskFailed))

	if n.store, err = OpenStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	if n.index, err = index.Open(cfg.Index.Path); err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if n.searcher, err = index.NewSearcher(n.index, cfg.Index.SearchCache); err != nil {
		return nil, err
	}

	// Source areas must exist before the manager resolves its areas.
	for _, sc := range cfg.Sources {
		src, err := source.New(sc, n.store)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Area, err)
		}
		if ac, ok := n.store.(areaCreator); ok {
			if err := ac.CreateArea(ctx, sc.Area); err != nil {
				return nil, err
			}
		}
		n.sources = append(n.sources, src)
	}

	opts := []manager.Option{
		manager.WithObserver(n.observe),
		manager.WithStream(n.stream),
		manager.WithProgress(n.tracker),
		manager.WithMetrics(n.metrics),
		manager.WithScheduler(n.sched),
	}
	if cfg.Sync.Cutoff > 0 {
		opts = append(opts, manager.WithCutoff(cutoff.NewHorizon(cfg.Sync.Cutoff)))
	}
	if n.manager, err = manager.New(ctx, n.store, n.index, cfg.Manager(), opts...); err != nil {
		return nil, err
	}

	strategy, err := snapshot.NewStrategy(cfg.Snapshots.Strategy, cfg.Snapshots.Path)
	if err != nil {
		return nil, err
	}
	n.snapshots = snapshot.New(snapshot.Config{
		MaxSnapshots:  cfg.Snapshots.MaxSnapshots,
		Schedule:      cfg.Snapshots.Schedule,
		DeleteCorrupt: cfg.Snapshots.DeleteCorrupt,
	}, strategy, n.index, n.manager,
		snapshot.WithStream(n.stream),
		snapshot.WithMetrics(n.metrics),
		snapshot.WithScheduler(n.sched),
	)
	n.manager.SetSnapshots(n.snapshots)

	return n, nil
}

// OpenStore opens the configured document store, migrating a badger store
// when its layout is outdated.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (changelog.Store, error) {
	log := logging.Get("store")

	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := sqlstore.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil

	default:
		s, err := store.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening badger store: %w", err)
		}
		if s.NeedsMigration() {
			log.Info("migrating store", "path", cfg.Path)
			n, err := s.Migrate(ctx, func(p store.MigrationProgress) {
				log.Debug("migration progress", "area", p.Area, "records", p.RecordsDone)
			})
			if err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("migrating store: %w", err)
			}
			log.Info("store migrated", "migrations", n)
		}
		return s, nil
	}
}

// Start imports the sources, initializes the index and schedules polling,
// snapshots and source watches. It blocks until the index is initialized.
func (n *Node) Start(ctx context.Context) error {
	for _, src := range n.sources {
		area := src.Config().Area
		if _, err := src.Import(ctx, func(p source.Progress) {
			n.logger.Debug("importing", "area", area, "files", p.Files)
		}); err != nil {
			return fmt.Errorf("importing %s: %w", area, err)
		}
	}

	if err := n.manager.Start(ctx); err != nil {
		return err
	}
	if err := n.snapshots.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	logs := logging.Subscribe(logging.LevelWarn)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer logging.Unsubscribe(logs)
		n.forwardLogs(runCtx, logs)
	}()
	for _, src := range n.sources {
		if !src.Config().Watch {
			continue
		}
		if err := src.Watch(); err != nil {
			n.logger.Warn("failed to watch source", "area", src.Config().Area, "error", err)
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			src.Run(runCtx)
		}()
	}

	n.logger.Info("node started", "areas", n.manager.Areas(), "sources", len(n.sources))
	return nil
}

// observe releases cached results of earlier generations.
func (n *Node) observe(ev manager.Event) {
	n.searcher.Invalidate()
	n.logger.Debug("index changed", "event", ev.Kind, "generations", ev.Generations)
}

// forwardLogs publishes warnings and errors on the info stream until ctx is
// done or logging is closed.
func (n *Node) forwardLogs(ctx context.Context, logs <-chan logging.LogEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-logs:
			if !ok {
				return
			}
			n.stream.Publish(logMessage(e))
		}
	}
}

func logMessage(e logging.LogEntry) info.LogMessage {
	msg := info.LogMessage{
		Component: e.Component,
		Level:     e.Level.String(),
		Message:   e.Message,
		At:        e.Time,
	}
	if len(e.Fields) > 0 {
		msg.Fields = make(map[string]string, len(e.Fields)/2)
		for i := 0; i+1 < len(e.Fields); i += 2 {
			msg.Fields[fmt.Sprint(e.Fields[i])] = fmt.Sprint(e.Fields[i+1])
		}
	}
	return msg
}

func (n *Node) taskFailed(task string, err error) {
	n.logger.Error("task failed", "task", task, "error", err)
	n.metrics.TaskFailed(task)
	n.stream.Publish(info.TaskFailed{Task: task, Error: err.Error(), At: time.Now()})
}

// Manager returns the index manager.
func (n *Node) Manager() *manager.Manager { return n.manager }

// Snapshots returns the snapshot manager.
func (n *Node) Snapshots() *snapshot.Manager { return n.snapshots }

// Store returns the document store.
func (n *Node) Store() changelog.Store { return n.store }

// Index returns the search index.
func (n *Node) Index() *index.Index { return n.index }

// Searcher returns the cached searcher.
func (n *Node) Searcher() *index.Searcher { return n.searcher }

// Stream returns the info stream.
func (n *Node) Stream() *info.Stream { return n.stream }

// Tracker returns the initialization progress tracker.
func (n *Node) Tracker() *info.Tracker { return n.tracker }

// Registry returns the metrics registry.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Started returns when the node was created.
func (n *Node) Started() time.Time { return n.started }

// Close stops every task and closes the index and the store.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()

		var errs []error
		for _, src := range n.sources {
			errs = append(errs, src.Close())
		}
		if n.manager != nil {
			n.manager.Stop()
		}
		if n.snapshots != nil {
			n.snapshots.Stop()
		}
		n.sched.Close()
		n.stream.Close()
		if n.index != nil {
			errs = append(errs, n.index.Close())
		}
		if n.store != nil {
			errs = append(errs, n.store.Close())
		}
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}
