package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/indexsync/pkg/daemon/store/sqlstore"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	doc, err := s.Put(ctx, &changelog.Document{
		Area:        "content",
		ID:          "a",
		ContentType: "page",
		Fields:      map[string]string{"title": "Alpha"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	got, err := s.Get(ctx, "content", "a")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got.Fields["title"])
	assert.Equal(t, "page", got.ContentType)

	tomb, err := s.Delete(ctx, "content", "a")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, int64(2), tomb.Version)

	_, err = s.Get(ctx, "content", "a")
	require.ErrorIs(t, err, changelog.ErrNotFound)
	_, err = s.Delete(ctx, "content", "a")
	require.ErrorIs(t, err, changelog.ErrNotFound)
}

func TestCount(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	counts, err := s.Count(ctx, "content")
	require.NoError(t, err)
	assert.Equal(t, changelog.Counts{}, counts)

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, &changelog.Document{Area: "content", ID: id})
		require.NoError(t, err)
	}
	_, err = s.Put(ctx, &changelog.Document{Area: "users", ID: "u"})
	require.NoError(t, err)
	_, err = s.Delete(ctx, "content", "b")
	require.NoError(t, err)

	counts, err = s.Count(ctx, "content")
	require.NoError(t, err)
	assert.Equal(t, changelog.Counts{Documents: 2, Tombstones: 1}, counts)
}

func TestChangesAndLatest(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, &changelog.Document{Area: "content", ID: id})
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, &changelog.Document{Area: "content", ID: "a"})
	require.NoError(t, err)
	_, err = s.Delete(ctx, "content", "b")
	require.NoError(t, err)

	latest, err := s.Latest(ctx, "content")
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest)

	entries, faults, err := s.Changes(ctx, "content", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, faults)
	require.Len(t, entries, 3)
	assert.Equal(t, changelog.ChangeCreate, entries[0].Type)
	assert.Equal(t, changelog.ChangeUpdate, entries[1].Type)
	assert.Equal(t, changelog.ChangeDelete, entries[2].Type)
	assert.Equal(t, int64(5), entries[2].Generation)

	entries, faults, err = s.Changes(ctx, "content", 0, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	require.Len(t, faults, 1)
	assert.Equal(t, "b", faults[0].ID)

	areas, err := s.Areas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"content"}, areas)
}

func TestLogDrains(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateArea(ctx, "empty"))

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, &changelog.Document{Area: "content", ID: id})
		require.NoError(t, err)
	}

	log := s.Log("content")
	batch, err := log.Get(ctx, changelog.Fetch{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), batch.Generation)
	assert.Equal(t, int64(3), batch.Latest)

	batch, err = log.Get(ctx, changelog.Fetch{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Count)

	batch, err = log.Get(ctx, changelog.Fetch{BatchSize: 2})
	require.NoError(t, err)
	assert.True(t, batch.Empty())

	areas, err := s.Areas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"content", "empty"}, areas)
}

func TestInMemory(t *testing.T) {
	ctx := context.Background()
	s, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(ctx, &changelog.Document{Area: "content", ID: "a"})
	require.NoError(t, err)

	latest, err := s.Latest(ctx, "content")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}
