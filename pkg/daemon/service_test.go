package daemon_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	indexsyncv1 "github.com/jamesainslie/indexsync/pkg/api/indexsync/v1"
	"github.com/jamesainslie/indexsync/pkg/daemon"
	"github.com/jamesainslie/indexsync/pkg/daemon/manager"
	"github.com/jamesainslie/indexsync/pkg/daemon/source"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
	"github.com/jamesainslie/indexsync/pkg/indexsync/config"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// testConfig runs everything in memory except snapshots and the source tree.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	docs := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.md"), []byte("hello world"), 0o644))

	return &config.Config{
		Store: config.StoreConfig{Backend: config.BackendBadger},
		Index: config.IndexConfig{SearchCache: 16},
		Sync: config.SyncConfig{
			Interval:  time.Hour,
			BatchSize: 10,
			Areas: []manager.AreaConfig{
				{Name: manager.Wildcard},
				{Name: "content", BatchSize: 5},
			},
		},
		Snapshots: config.SnapshotConfig{
			Strategy:      "zip",
			Path:          filepath.Join(dir, "snapshots"),
			MaxSnapshots:  2,
			DeleteCorrupt: true,
		},
		Sources: []source.Config{{Area: "docs", Path: docs}},
		Daemon: config.DaemonConfig{
			SocketPath: filepath.Join(dir, "indexsync.sock"),
		},
	}
}

type harness struct {
	node    *daemon.Node
	service *daemon.Service
	client  *indexsyncv1.IndexSyncClient
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig(t)

	node, err := daemon.NewNode(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close() })

	service := daemon.NewService(node)
	srv, err := daemon.NewServer(cfg.Daemon.SocketPath, service)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()

	require.NoError(t, node.Start(ctx))

	conn, err := grpc.NewClient("unix://"+cfg.Daemon.SocketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		node.Stream().Close()
		_ = srv.Close()
	})

	return &harness{node: node, service: service, client: indexsyncv1.NewIndexSyncClient(conn)}
}

func hitIDs(resp *indexsyncv1.SearchResponse) []string {
	var ids []string
	for _, h := range resp.Hits {
		ids = append(ids, h.ID)
	}
	return ids
}

func TestServiceStatusAfterStart(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, config.BackendBadger, st.Backend)
	assert.True(t, st.Snapshots.Enabled)
	require.Len(t, st.Areas, 2)
	assert.Equal(t, "content", st.Areas[0].Name)
	assert.Equal(t, "docs", st.Areas[1].Name)
	assert.Equal(t, int64(1), st.Areas[1].Generation)
	assert.Equal(t, int64(1), st.Areas[1].Latest)
	assert.Equal(t, int64(0), st.Areas[0].Documents)
	assert.Equal(t, int64(1), st.Areas[1].Documents)
	assert.Equal(t, int64(0), st.Areas[1].Tombstones)
	assert.Equal(t, int64(1), st.Index.Documents)
	assert.Len(t, st.Sources, 1)

	progress, err := h.client.Progress(ctx)
	require.NoError(t, err)
	assert.True(t, progress.Done)
}

func TestServiceWriteThroughAndSearch(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	resp, err := h.client.Search(ctx, &indexsyncv1.SearchRequest{Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, hitIDs(resp))

	put, err := h.client.Put(ctx, &indexsyncv1.PutRequest{Document: &changelog.Document{
		Area:        "content",
		ID:          "p1",
		ContentType: "page",
		Fields:      map[string]string{"title": "Quick fox"},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), put.Document.Version)

	// Visible without waiting for the polling task.
	resp, err = h.client.Search(ctx, &indexsyncv1.SearchRequest{Query: "fox"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, hitIDs(resp))

	del, err := h.client.Delete(ctx, &indexsyncv1.DeleteRequest{Area: "content", ID: "p1"})
	require.NoError(t, err)
	assert.True(t, del.Document.Deleted)

	resp, err = h.client.Search(ctx, &indexsyncv1.SearchRequest{Query: "fox"})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)

	// Replaying the log does not resurrect the document.
	upd, err := h.client.Update(ctx)
	require.NoError(t, err)
	require.Len(t, upd.Batches, 2)
	assert.Equal(t, "content", upd.Batches[0].Area)
	assert.Equal(t, int64(2), upd.Batches[0].Generation)

	resp, err = h.client.Search(ctx, &indexsyncv1.SearchRequest{Query: "fox"})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)

	_, err = h.client.Delete(ctx, &indexsyncv1.DeleteRequest{Area: "content", ID: "p1"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestServiceValidation(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	_, err := h.client.Search(ctx, &indexsyncv1.SearchRequest{Query: "  "})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Check(ctx, &indexsyncv1.CheckRequest{Area: "content"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Put(ctx, &indexsyncv1.PutRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// Unknown areas are ignored, like Seek.
	_, err = h.client.Reset(ctx, &indexsyncv1.ResetRequest{Area: "nope", Generation: 3})
	require.NoError(t, err)

	seek, err := h.client.Seek(ctx, &indexsyncv1.SeekRequest{Area: "nope", Generation: 3})
	require.NoError(t, err)
	assert.False(t, seek.Moved)

	// Stream errors surface on the first receive.
	stream, err := h.client.Watch(ctx, &indexsyncv1.WatchRequest{Kinds: []string{"bogus"}})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServiceCheckHealsIndex(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	// Written to the store behind the manager's back.
	_, err := h.node.Store().Put(ctx, &changelog.Document{
		Area: "content", ID: "c", Fields: map[string]string{"body": "unicorn"},
	})
	require.NoError(t, err)

	_, err = h.client.Check(ctx, &indexsyncv1.CheckRequest{Area: "content", ID: "c"})
	require.NoError(t, err)

	resp, err := h.client.Search(ctx, &indexsyncv1.SearchRequest{Query: "unicorn"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, hitIDs(resp))
}

func TestServiceSnapshotsAndReset(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	snap, err := h.client.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Name)

	list, err := h.client.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, list.Snapshots, 1)
	assert.Equal(t, snap.Name, list.Snapshots[0].Name)
	assert.Equal(t, "zip", list.Snapshots[0].Strategy)
	assert.Equal(t, int64(1), list.Snapshots[0].Generations["docs"])

	_, err = h.client.Reset(ctx, &indexsyncv1.ResetRequest{})
	require.NoError(t, err)

	// Reset takes a fresh snapshot.
	list, err = h.client.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, list.Snapshots, 2)

	resp, err := h.client.Search(ctx, &indexsyncv1.SearchRequest{Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, hitIDs(resp))

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
}

func TestServiceWatch(t *testing.T) {
	h := startHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.client.Watch(ctx, &indexsyncv1.WatchRequest{Kinds: []string{"batch_progress"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.node.Stream().SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.client.Reset(ctx, &indexsyncv1.ResetRequest{Area: "docs"})
	require.NoError(t, err)

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "batch_progress", ev.Kind)
	assert.Contains(t, string(ev.Data), `"area":"docs"`)

	cancel()
	require.Eventually(t, func() bool {
		return h.node.Stream().SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServiceWatchLogs(t *testing.T) {
	h := startHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.client.Watch(ctx, &indexsyncv1.WatchRequest{Kinds: []string{"log_message"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.node.Stream().SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	logging.Get("test").Info("not forwarded")
	logging.Get("test").Warn("disk almost full", "free", "1%")

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "log_message", ev.Kind)
	assert.Contains(t, string(ev.Data), `"message":"disk almost full"`)
	assert.Contains(t, string(ev.Data), `"free":"1%"`)
	assert.Contains(t, string(ev.Data), `"level":"warn"`)
}

func TestServiceShutdown(t *testing.T) {
	h := startHarness(t)

	_, err := h.client.Shutdown(context.Background())
	require.NoError(t, err)

	select {
	case <-h.service.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("shutdown was not requested")
	}

	// A second request is harmless.
	_, err = h.client.Shutdown(context.Background())
	require.NoError(t, err)
}

func TestRouter(t *testing.T) {
	h := startHarness(t)
	srv := httptest.NewServer(daemon.NewRouter(h.node))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/healthz")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)

	code, body := get("/generations")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"content":0,"docs":1}`, body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "indexsync_resets_total")
	assert.Contains(t, body, "go_goroutines")

	h.node.Manager().Stop()
	code, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRunStopsOnShutdownRequest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.MetricsAddr = "127.0.0.1:0"

	done := make(chan error, 1)
	go func() { done <- daemon.Run(context.Background(), cfg) }()

	conn, err := grpc.NewClient("unix://"+cfg.Daemon.SocketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := indexsyncv1.NewIndexSyncClient(conn)

	require.Eventually(t, func() bool {
		st, err := client.Status(context.Background())
		return err == nil && st.Running
	}, 5*time.Second, 20*time.Millisecond)

	_, err = client.Shutdown(context.Background())
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	_, err = os.Stat(cfg.Daemon.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket removed")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- daemon.Run(ctx, cfg) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Daemon.SocketPath)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}
