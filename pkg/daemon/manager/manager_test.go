package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/indexsync/pkg/daemon/index"
	"github.com/jamesainslie/indexsync/pkg/daemon/info"
	"github.com/jamesainslie/indexsync/pkg/daemon/snapshot"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

type events struct {
	mu   sync.Mutex
	list []Event
}

func (e *events) observe(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventKind, 0, len(e.list))
	for _, ev := range e.list {
		out = append(out, ev.Kind)
	}
	return out
}

func openIndex(t *testing.T) *index.Index {
	t.Helper()
	ix, err := index.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func put(t *testing.T, s *changelog.MemoryStore, area string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := s.Put(context.Background(), &changelog.Document{
			Area:   area,
			ID:     id,
			Fields: map[string]string{"title": "doc " + id},
		})
		require.NoError(t, err)
	}
}

func live(t *testing.T, ix *index.Index) int64 {
	t.Helper()
	st, err := ix.Stats(context.Background())
	require.NoError(t, err)
	return st.Documents
}

func newManager(t *testing.T, s Store, ix Index, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(context.Background(), s, ix, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestStartInitializesAllAreas(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	put(t, s, "content", "a", "b", "c")
	put(t, s, "diagnostic", "x")
	ix := openIndex(t)
	ev := &events{}
	tracker := info.NewTracker(nil, time.Hour)

	m := newManager(t, s, ix, Config{
		Areas:     []AreaConfig{{Name: Wildcard}, {Name: "content", BatchSize: 2}},
		BatchSize: 10,
		Interval:  time.Hour,
	}, WithObserver(ev.observe), WithProgress(tracker))

	assert.Equal(t, []string{"content", "diagnostic"}, m.Areas())
	require.NoError(t, m.Start(ctx))
	assert.True(t, m.Running())

	assert.Equal(t, int64(4), live(t, ix))
	assert.Equal(t, map[string]int64{"content": 3, "diagnostic": 1}, m.Generations())
	assert.Equal(t, []EventKind{EventInitialized}, ev.kinds())
	assert.True(t, tracker.Done())

	require.Error(t, m.Start(ctx))
	m.Stop()
	assert.False(t, m.Running())
}

func TestExplicitAreasOnly(t *testing.T) {
	s := changelog.NewMemoryStore()
	put(t, s, "content", "a")
	put(t, s, "diagnostic", "x")

	m := newManager(t, s, openIndex(t), Config{Areas: []AreaConfig{{Name: "content"}}})
	assert.Equal(t, []string{"content"}, m.Areas())
}

func TestUpdateIndexFiresChanged(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	s.CreateArea("content")
	ix := openIndex(t)
	ev := &events{}
	m := newManager(t, s, ix, Config{Interval: time.Hour}, WithObserver(ev.observe))

	put(t, s, "content", "a", "b")
	batches, err := m.UpdateIndex(ctx)
	require.NoError(t, err)
	require.Contains(t, batches, "content")
	assert.Len(t, batches["content"].Created, 2)
	assert.Equal(t, int64(2), live(t, ix))

	batches, err = m.UpdateIndex(ctx)
	require.NoError(t, err)
	assert.True(t, batches["content"].Empty())

	assert.Equal(t, []EventKind{EventChanged}, ev.kinds())
}

func TestQueuedWriteThenReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	s.CreateArea("content")
	ix := openIndex(t)
	m := newManager(t, s, ix, Config{Interval: time.Hour})

	doc, err := s.Put(ctx, &changelog.Document{Area: "content", ID: "a", Fields: map[string]string{"title": "alpha"}})
	require.NoError(t, err)
	require.NoError(t, m.QueueUpdate(ctx, doc))
	once, err := ix.Stats(ctx)
	require.NoError(t, err)

	_, err = m.UpdateIndex(ctx)
	require.NoError(t, err)
	twice, err := ix.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, once.Documents, twice.Documents)
	assert.Equal(t, once.Terms, twice.Terms)
	got, err := ix.Lookup(ctx, "content", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestQueueDeleteIsNotResurrectedByLog(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	s.CreateArea("content")
	ix := openIndex(t)
	m := newManager(t, s, ix, Config{Interval: time.Hour})

	// The store holds v1; the caller already deleted it as v2, and the log
	// has not delivered the create yet.
	put(t, s, "content", "a")
	require.NoError(t, m.QueueDelete(ctx, changelog.Tombstone("content", "", "a", 2)))

	batches, err := m.UpdateIndex(ctx)
	require.NoError(t, err)
	assert.Len(t, batches["content"].Created, 1, "the create was delivered")

	got, err := ix.Lookup(ctx, "content", "a")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Zero(t, live(t, ix))
}

func TestQueueSignalsPolling(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	s.CreateArea("content")
	ix := openIndex(t)
	m := newManager(t, s, ix, Config{Interval: time.Hour})
	require.NoError(t, m.Start(ctx))

	put(t, s, "content", "a", "b")
	doc, err := s.Get(ctx, "content", "a")
	require.NoError(t, err)
	require.NoError(t, m.QueueUpdate(ctx, doc))

	require.Eventually(t, func() bool {
		return m.Generations()["content"] == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), live(t, ix))
}

type fakeSnapshots struct {
	mu      sync.Mutex
	calls   []string
	restore func() (snapshot.Result, error)
}

func (f *fakeSnapshots) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSnapshots) TakeSnapshot(context.Context) (string, error) {
	f.record("take")
	return "snap", nil
}

func (f *fakeSnapshots) RestoreSnapshot(context.Context) (snapshot.Result, error) {
	f.record("restore")
	if f.restore == nil {
		return snapshot.Result{}, snapshot.ErrNoSnapshot
	}
	return f.restore()
}

func (f *fakeSnapshots) Pause()  { f.record("pause") }
func (f *fakeSnapshots) Resume() { f.record("resume") }

func TestStartFromRestoredSnapshot(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	put(t, s, "content", "a", "b", "c")
	ix := openIndex(t)
	m := newManager(t, s, ix, Config{Interval: time.Hour})

	snaps := &fakeSnapshots{}
	snaps.restore = func() (snapshot.Result, error) {
		m.Seek("content", 2)
		return snapshot.Result{Name: "snap", Attempts: 1, Generations: map[string]int64{"content": 2}}, nil
	}
	m.SetSnapshots(snaps)

	require.NoError(t, m.Start(ctx))
	_, err := ix.Lookup(ctx, "content", "c")
	require.NoError(t, err)
	_, err = ix.Lookup(ctx, "content", "a")
	require.ErrorIs(t, err, changelog.ErrNotFound, "covered by the snapshot")
	assert.Equal(t, int64(3), m.Generations()["content"])
}

func TestFailedRestorePurgesIndex(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	put(t, s, "content", "a")
	ix := openIndex(t)
	require.NoError(t, ix.WriteAll(ctx, []*changelog.Document{{Area: "content", ID: "stale", Version: 1}}))

	m := newManager(t, s, ix, Config{Interval: time.Hour})
	m.SetSnapshots(&fakeSnapshots{restore: func() (snapshot.Result, error) {
		return snapshot.Result{Attempts: 2}, snapshot.ErrNoSnapshot
	}})

	require.NoError(t, m.Start(ctx))
	_, err := ix.Lookup(ctx, "content", "stale")
	require.ErrorIs(t, err, changelog.ErrNotFound)
	assert.Equal(t, int64(1), live(t, ix))
}

func TestResetIndex(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	put(t, s, "content", "a", "b")
	ix := openIndex(t)
	ev := &events{}
	m := newManager(t, s, ix, Config{Interval: time.Hour}, WithObserver(ev.observe))
	snaps := &fakeSnapshots{}
	m.SetSnapshots(snaps)

	require.NoError(t, m.Start(ctx))
	require.NoError(t, ix.WriteAll(ctx, []*changelog.Document{{Area: "content", ID: "orphan", Version: 1}}))
	_, err := s.Delete(ctx, "content", "b")
	require.NoError(t, err)

	require.NoError(t, m.ResetIndex(ctx))

	assert.Equal(t, int64(1), live(t, ix))
	_, err = ix.Lookup(ctx, "content", "orphan")
	require.ErrorIs(t, err, changelog.ErrNotFound)
	assert.Equal(t, int64(3), m.Generations()["content"])
	assert.True(t, m.Running(), "polling restarted")
	assert.Equal(t, []string{"restore", "pause", "resume", "take"}, snaps.calls)
	assert.Equal(t, []EventKind{EventInitialized, EventReset}, ev.kinds())
}

func TestResetIndexWhenStopped(t *testing.T) {
	s := changelog.NewMemoryStore()
	put(t, s, "content", "a")
	ix := openIndex(t)
	m := newManager(t, s, ix, Config{})

	require.NoError(t, m.ResetIndex(context.Background()))
	assert.False(t, m.Running())
	assert.Equal(t, int64(1), live(t, ix))
}

func TestGenerationReindexesOneArea(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	put(t, s, "content", "a", "b")
	put(t, s, "diagnostic", "x")
	ix := openIndex(t)
	m := newManager(t, s, ix, Config{Interval: time.Hour})
	require.NoError(t, m.Start(ctx))

	require.NoError(t, ix.Purge(ctx))
	require.NoError(t, m.Generation(ctx, "content", 1, nil))

	_, err := ix.Lookup(ctx, "content", "b")
	require.NoError(t, err)
	_, err = ix.Lookup(ctx, "content", "a")
	require.ErrorIs(t, err, changelog.ErrNotFound)
	_, err = ix.Lookup(ctx, "diagnostic", "x")
	require.ErrorIs(t, err, changelog.ErrNotFound)

	require.NoError(t, m.Generation(ctx, "missing", 0, nil))
	assert.False(t, m.Seek("missing", 3))
}

func TestCheckIndex(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	put(t, s, "content", "a", "b")
	ix := openIndex(t)
	m := newManager(t, s, ix, Config{Interval: time.Hour})
	require.NoError(t, m.Start(ctx))

	// c was never indexed; b was deleted in the store but the index never
	// heard of it.
	put(t, s, "content", "c")
	_, err := s.Delete(ctx, "content", "b")
	require.NoError(t, err)

	require.NoError(t, m.CheckIndex(ctx, "content", "", "c", nil))
	got, err := ix.Lookup(ctx, "content", "c")
	require.NoError(t, err)
	assert.False(t, got.Deleted)

	var ghosted atomic.Bool
	require.NoError(t, m.CheckIndex(ctx, "content", "page", "b", func(area, ct, id string) *changelog.Document {
		ghosted.Store(true)
		return Ghost(area, ct, id)
	}))
	assert.True(t, ghosted.Load())
	got, err = ix.Lookup(ctx, "content", "b")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestQuiesce(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	put(t, s, "content", "a")
	m := newManager(t, s, openIndex(t), Config{Interval: time.Hour})
	require.NoError(t, m.Start(ctx))

	var seen map[string]int64
	require.NoError(t, m.Quiesce(ctx, func(gens map[string]int64) error {
		seen = gens
		return nil
	}))
	assert.Equal(t, map[string]int64{"content": 1}, seen)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, m.Quiesce(canceled, func(map[string]int64) error { return nil }), context.Canceled)
}

// flakyIndex fails writes while broken is set.
type flakyIndex struct {
	*index.Index
	broken atomic.Bool
}

var errBroken = errors.New("disk full")

func (f *flakyIndex) WriteAll(ctx context.Context, docs []*changelog.Document) error {
	if f.broken.Load() {
		return errBroken
	}
	return f.Index.WriteAll(ctx, docs)
}

func TestTaskFailureIsReportedAndRetried(t *testing.T) {
	ctx := context.Background()
	s := changelog.NewMemoryStore()
	s.CreateArea("content")
	ix := &flakyIndex{Index: openIndex(t)}
	stream := info.NewStream(16)
	defer stream.Close()
	sub := stream.Subscribe(info.KindTaskFailed)

	m := newManager(t, s, ix, Config{Interval: 20 * time.Millisecond}, WithStream(stream))
	require.NoError(t, m.Start(ctx))

	ix.broken.Store(true)
	put(t, s, "content", "a")

	select {
	case msg := <-sub.Events:
		failed, ok := msg.Event.(info.TaskFailed)
		require.True(t, ok)
		assert.Equal(t, "update", failed.Task)
		assert.Contains(t, failed.Error, "disk full")
	case <-time.After(2 * time.Second):
		t.Fatal("no task failure reported")
	}

	ix.broken.Store(false)
	require.Eventually(t, func() bool {
		_, err := ix.Lookup(ctx, "content", "a")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "initialized", EventInitialized.String())
	assert.Equal(t, "changed", EventChanged.String())
	assert.Equal(t, "reset", EventReset.String())
	assert.Equal(t, "unknown", EventKind(7).String())
}
