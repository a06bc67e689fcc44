package snapshot

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/indexsync/pkg/daemon/index"
	"github.com/jamesainslie/indexsync/pkg/daemon/info"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

type fakeGens struct {
	mu   sync.Mutex
	gens map[string]int64
}

func newGens(gens map[string]int64) *fakeGens {
	return &fakeGens{gens: maps.Clone(gens)}
}

func (f *fakeGens) Quiesce(_ context.Context, fn func(map[string]int64) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(maps.Clone(f.gens))
}

func (f *fakeGens) Seek(area string, gen int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.gens[area]; !ok {
		return false
	}
	f.gens[area] = gen
	return true
}

func (f *fakeGens) snapshot() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.gens)
}

func openIndex(t *testing.T, ids ...string) *index.Index {
	t.Helper()
	ix, err := index.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	docs := make([]*changelog.Document, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, &changelog.Document{Area: "content", ID: id, Version: 1, Fields: map[string]string{"title": id}})
	}
	ctx := context.Background()
	require.NoError(t, ix.WriteAll(ctx, docs))
	require.NoError(t, ix.Commit(ctx))
	return ix
}

func strategies(t *testing.T) map[string]Strategy {
	return map[string]Strategy{
		"zip": NewZip(filepath.Join(t.TempDir(), "snapshots")),
		"dir": NewDir(filepath.Join(t.TempDir(), "snapshots")),
	}
}

func TestRoundTrip(t *testing.T) {
	for kind, strategy := range strategies(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			src := openIndex(t, "a", "b", "c")
			gens := newGens(map[string]int64{"content": 5, "diagnostic": 2})

			m := New(Config{MaxSnapshots: 3}, strategy, src, gens)
			name, err := m.TakeSnapshot(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, name)

			dst := openIndex(t, "z")
			fresh := newGens(map[string]int64{"content": 0, "diagnostic": 0})
			restorer := New(Config{MaxSnapshots: 3}, strategy, dst, fresh)

			res, err := restorer.RestoreSnapshot(ctx)
			require.NoError(t, err)
			assert.True(t, res.Restored())
			assert.Equal(t, name, res.Name)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, gens.snapshot(), fresh.snapshot())

			want, err := src.Stats(ctx)
			require.NoError(t, err)
			got, err := dst.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, want.Documents, got.Documents)

			_, err = dst.Lookup(ctx, "content", "b")
			require.NoError(t, err)
			_, err = dst.Lookup(ctx, "content", "z")
			require.ErrorIs(t, err, changelog.ErrNotFound)
		})
	}
}

func corrupt(t *testing.T, strategy Strategy, name string) {
	t.Helper()
	switch s := strategy.(type) {
	case *Zip:
		require.NoError(t, os.WriteFile(s.path(name), []byte("not a zip archive"), 0o644))
	case *Dir:
		require.NoError(t, os.WriteFile(filepath.Join(s.dir, name, index.BackupFile), []byte("truncated"), 0o644))
	default:
		t.Fatalf("unknown strategy %T", strategy)
	}
}

func TestCorruptSnapshotsFallBackToOldest(t *testing.T) {
	for kind, strategy := range strategies(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			src := openIndex(t, "a")
			gens := newGens(map[string]int64{"content": 1})
			m := New(Config{MaxSnapshots: 5}, strategy, src, gens)

			var names []string
			for gen := int64(1); gen <= 3; gen++ {
				gens.Seek("content", gen)
				name, err := m.TakeSnapshot(ctx)
				require.NoError(t, err)
				names = append(names, name)
			}

			listed, err := strategy.List()
			require.NoError(t, err)
			require.Equal(t, []string{names[2], names[1], names[0]}, listed)

			corrupt(t, strategy, names[2])
			corrupt(t, strategy, names[1])

			fresh := newGens(map[string]int64{"content": 0})
			restorer := New(Config{MaxSnapshots: 5, DeleteCorrupt: true}, strategy, openIndex(t), fresh)
			res, err := restorer.RestoreSnapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, names[0], res.Name)
			assert.Equal(t, 3, res.Attempts)
			assert.Equal(t, map[string]int64{"content": 1}, fresh.snapshot())

			listed, err = strategy.List()
			require.NoError(t, err)
			assert.Equal(t, []string{names[0]}, listed, "corrupt snapshots are deleted")
		})
	}
}

func TestAllCorrupt(t *testing.T) {
	ctx := context.Background()
	strategy := NewZip(t.TempDir())
	m := New(Config{MaxSnapshots: 2}, strategy, openIndex(t, "a"), newGens(map[string]int64{"content": 1}))

	name, err := m.TakeSnapshot(ctx)
	require.NoError(t, err)
	corrupt(t, strategy, name)

	res, err := m.RestoreSnapshot(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)
	assert.False(t, res.Restored())
	assert.Equal(t, 1, res.Attempts)

	listed, err := strategy.List()
	require.NoError(t, err)
	assert.Len(t, listed, 1, "kept without DeleteCorrupt")
}

func TestNoSnapshots(t *testing.T) {
	m := New(Config{MaxSnapshots: 2}, NewDir(t.TempDir()), openIndex(t), newGens(nil))
	res, err := m.RestoreSnapshot(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)
	assert.Zero(t, res.Attempts)
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	strategy := NewZip(t.TempDir())
	m := New(Config{}, strategy, openIndex(t, "a"), newGens(map[string]int64{"content": 1}))

	name, err := m.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, name)

	_, err = m.RestoreSnapshot(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)

	listed, err := strategy.List()
	require.NoError(t, err)
	assert.Empty(t, listed)
	require.NoError(t, m.Start())
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	m := New(Config{MaxSnapshots: 2}, NewZip(t.TempDir()), openIndex(t, "a"), newGens(map[string]int64{"content": 1}))

	m.Pause()
	m.Pause()
	name, err := m.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, name)

	m.Resume()
	assert.True(t, m.Paused())
	m.Resume()
	m.Resume()
	assert.False(t, m.Paused())

	name, err = m.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, name)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	strategy := NewDir(t.TempDir())
	m := New(Config{MaxSnapshots: 2}, strategy, openIndex(t, "a"), newGens(map[string]int64{"content": 1}))

	var names []string
	for i := 0; i < 3; i++ {
		name, err := m.TakeSnapshot(ctx)
		require.NoError(t, err)
		names = append(names, name)
	}

	listed, err := strategy.List()
	require.NoError(t, err)
	assert.Equal(t, []string{names[2], names[1]}, listed)
}

func TestPruneSweepsPartialSnapshots(t *testing.T) {
	ctx := context.Background()
	for kind, strategy := range strategies(t) {
		t.Run(kind, func(t *testing.T) {
			m := New(Config{MaxSnapshots: 2}, strategy, openIndex(t, "a"), newGens(map[string]int64{"content": 1}))
			name, err := m.TakeSnapshot(ctx)
			require.NoError(t, err)

			// A write interrupted before commit leaves a partial entry behind.
			target, err := strategy.Create("00000000-0000-0000-0000-000000000000")
			require.NoError(t, err)
			w, err := target.Create("partial")
			require.NoError(t, err)
			_, err = w.Write([]byte("half"))
			require.NoError(t, err)
			require.NoError(t, w.Close())

			removed, err := Prune(strategy, 2)
			require.NoError(t, err)
			require.Len(t, removed, 1)
			assert.Contains(t, removed[0], tmpSuffix)

			listed, err := strategy.List()
			require.NoError(t, err)
			assert.Equal(t, []string{name}, listed)

			removed, err = Prune(strategy, 2)
			require.NoError(t, err)
			assert.Empty(t, removed)
		})
	}
}

func TestListAndEvents(t *testing.T) {
	ctx := context.Background()
	stream := info.NewStream(32)
	defer stream.Close()
	sub := stream.Subscribe(info.KindSnapshotOpened, info.KindFileClosed)

	m := New(Config{MaxSnapshots: 2}, NewZip(t.TempDir()), openIndex(t, "a", "b"),
		newGens(map[string]int64{"content": 7}), WithStream(stream))
	name, err := m.TakeSnapshot(ctx)
	require.NoError(t, err)

	manifests, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	mf := manifests[0]
	assert.Equal(t, name, mf.Name)
	assert.Equal(t, "zip", mf.Strategy)
	assert.Equal(t, map[string]int64{"content": 7}, mf.Generations)
	require.Len(t, mf.Files, 2)
	assert.Equal(t, index.BackupFile, mf.Files[0].Name)
	assert.Equal(t, GenerationsFile, mf.Files[1].Name)
	assert.Equal(t, int64(2), mf.Summary.TotalFiles)
	assert.Equal(t, mf.Files[0].Size+mf.Files[1].Size, mf.Summary.TotalBytes)

	msg := <-sub.Events
	opened, ok := msg.Event.(info.SnapshotOpened)
	require.True(t, ok)
	assert.Equal(t, info.ModeWrite, opened.Mode)
	assert.Equal(t, name, opened.Name)

	closed := 0
	for len(sub.Events) > 0 {
		if _, ok := (<-sub.Events).Event.(info.FileClosed); ok {
			closed++
		}
	}
	assert.Equal(t, 3, closed)
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy("zip", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "zip", s.Name())

	s, err = NewStrategy("dir", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "dir", s.Name())

	_, err = NewStrategy("tar", t.TempDir())
	require.Error(t, err)
}
