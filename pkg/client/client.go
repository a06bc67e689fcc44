// Package client provides a client for connecting to the indexsyncd daemon.
// It wraps the gRPC client and manages the daemon process.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	indexsyncv1 "github.com/jamesainslie/indexsync/pkg/api/indexsync/v1"
	"github.com/jamesainslie/indexsync/pkg/daemon"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
	"github.com/jamesainslie/indexsync/pkg/indexsync/config"
)

// BinaryName is the daemon executable.
const BinaryName = "indexsyncd"

// Client connects to the indexsyncd daemon via gRPC.
type Client struct {
	conn   *grpc.ClientConn
	client *indexsyncv1.IndexSyncClient
}

// DefaultSocketPath returns the default Unix socket path for indexsyncd.
func DefaultSocketPath() string {
	return filepath.Join(config.DataDir(), "indexsync.sock")
}

// DefaultPIDPath returns the default PID file path for indexsyncd.
func DefaultPIDPath() string {
	return filepath.Join(config.DataDir(), "indexsync.pid")
}

// DaemonPaths configures paths for daemon operations.
// Empty fields use defaults.
type DaemonPaths struct {
	Binary string // Path to indexsyncd binary (auto-discovered if empty)
	Socket string // Unix socket path
	PID    string // PID file path
	Config string // Config file passed to the daemon
}

// PathsFromConfig returns the daemon paths configured in cfg.
func PathsFromConfig(cfg *config.Config) DaemonPaths {
	return DaemonPaths{
		Binary: cfg.Daemon.BinaryPath,
		Socket: cfg.Daemon.SocketPath,
		PID:    cfg.Daemon.PIDPath,
	}
}

func (p DaemonPaths) withDefaults() DaemonPaths {
	if p.Socket == "" {
		p.Socket = DefaultSocketPath()
	}
	if p.PID == "" {
		p.PID = DefaultPIDPath()
	}
	return p
}

// Connect establishes a connection to the daemon with a 5 second timeout.
func Connect(socketPath string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ConnectWithContext(ctx, socketPath)
}

// ConnectWithContext establishes a connection to the daemon and waits until
// it is ready or ctx is done.
func ConnectWithContext(ctx context.Context, socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("daemon socket not found at %s", socketPath)
	}

	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	conn.Connect()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if state == connectivity.Shutdown {
			return nil, fmt.Errorf("connection to daemon at %s shut down", socketPath)
		}
		if !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to connect to daemon at %s: %w", socketPath, ctx.Err())
		}
	}

	return &Client{
		conn:   conn,
		client: indexsyncv1.NewIndexSyncClient(conn),
	}, nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*indexsyncv1.StatusResponse, error) {
	resp, err := c.client.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("Status RPC failed: %w", err)
	}
	return resp, nil
}

// Update runs one polling cycle and returns a summary per area.
func (c *Client) Update(ctx context.Context) ([]indexsyncv1.BatchSummary, error) {
	resp, err := c.client.Update(ctx)
	if err != nil {
		return nil, fmt.Errorf("Update RPC failed: %w", err)
	}
	return resp.Batches, nil
}

// ResetIndex rebuilds the whole index.
func (c *Client) ResetIndex(ctx context.Context) error {
	if _, err := c.client.Reset(ctx, &indexsyncv1.ResetRequest{}); err != nil {
		return fmt.Errorf("Reset RPC failed: %w", err)
	}
	return nil
}

// ResetArea re-indexes area from generation.
func (c *Client) ResetArea(ctx context.Context, area string, generation int64) error {
	if area == "" {
		return errors.New("area is required")
	}
	_, err := c.client.Reset(ctx, &indexsyncv1.ResetRequest{Area: area, Generation: generation})
	if err != nil {
		return fmt.Errorf("Reset RPC failed: %w", err)
	}
	return nil
}

// Seek moves the cursor of area. It reports false for unknown areas.
func (c *Client) Seek(ctx context.Context, area string, generation int64) (bool, error) {
	resp, err := c.client.Seek(ctx, &indexsyncv1.SeekRequest{Area: area, Generation: generation})
	if err != nil {
		return false, fmt.Errorf("Seek RPC failed: %w", err)
	}
	return resp.Moved, nil
}

// Check reconciles one document between the store and the index.
func (c *Client) Check(ctx context.Context, area, contentType, id string) error {
	_, err := c.client.Check(ctx, &indexsyncv1.CheckRequest{Area: area, ContentType: contentType, ID: id})
	if err != nil {
		return fmt.Errorf("Check RPC failed: %w", err)
	}
	return nil
}

// Put stores doc and returns the stored version.
func (c *Client) Put(ctx context.Context, doc *changelog.Document) (*changelog.Document, error) {
	resp, err := c.client.Put(ctx, &indexsyncv1.PutRequest{Document: doc})
	if err != nil {
		return nil, fmt.Errorf("Put RPC failed: %w", err)
	}
	return resp.Document, nil
}

// Delete deletes a document and returns its tombstone.
func (c *Client) Delete(ctx context.Context, area, id string) (*changelog.Document, error) {
	resp, err := c.client.Delete(ctx, &indexsyncv1.DeleteRequest{Area: area, ID: id})
	if err != nil {
		return nil, fmt.Errorf("Delete RPC failed: %w", err)
	}
	return resp.Document, nil
}

// Search queries the index.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]indexsyncv1.Hit, error) {
	resp, err := c.client.Search(ctx, &indexsyncv1.SearchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("Search RPC failed: %w", err)
	}
	return resp.Hits, nil
}

// TakeSnapshot writes a snapshot and returns its name.
func (c *Client) TakeSnapshot(ctx context.Context) (string, error) {
	resp, err := c.client.TakeSnapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("TakeSnapshot RPC failed: %w", err)
	}
	return resp.Name, nil
}

// ListSnapshots lists stored snapshots, newest first.
func (c *Client) ListSnapshots(ctx context.Context) ([]indexsyncv1.Snapshot, error) {
	resp, err := c.client.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListSnapshots RPC failed: %w", err)
	}
	return resp.Snapshots, nil
}

// Progress returns initialization progress.
func (c *Client) Progress(ctx context.Context) (*indexsyncv1.ProgressResponse, error) {
	resp, err := c.client.Progress(ctx)
	if err != nil {
		return nil, fmt.Errorf("Progress RPC failed: %w", err)
	}
	return resp, nil
}

// Shutdown requests the daemon to shut down gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	if _, err := c.client.Shutdown(ctx); err != nil {
		return fmt.Errorf("Shutdown RPC failed: %w", err)
	}
	return nil
}

// Watch subscribes to daemon events of the given kinds, or all kinds when
// none are given. The channel is closed when the stream ends or ctx is done.
func (c *Client) Watch(ctx context.Context, kinds ...string) (<-chan *indexsyncv1.Event, <-chan error, error) {
	stream, err := c.client.Watch(ctx, &indexsyncv1.WatchRequest{Kinds: kinds})
	if err != nil {
		return nil, nil, fmt.Errorf("Watch RPC failed: %w", err)
	}

	events := make(chan *indexsyncv1.Event, 100)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errc)
		for {
			ev, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					errc <- err
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, errc, nil
}

// StartDaemon starts indexsyncd in the background.
// Idempotent: returns nil if the daemon is already running.
func StartDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if daemon.IsDaemonRunning(paths.PID) {
		return nil
	}

	binary, err := resolveBinary(paths.Binary)
	if err != nil {
		return fmt.Errorf("find %s: %w", BinaryName, err)
	}

	statusPath := daemon.StatusPath(paths.Socket)
	_ = daemon.RemoveStatus(statusPath)

	var args []string
	if paths.Config != "" {
		args = append(args, "--config", paths.Config)
	}

	// Not CommandContext: the daemon must outlive the caller.
	cmd := exec.Command(binary, args...) //nolint:gosec // binary path is resolved above
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if cmd.Process != nil {
		_ = cmd.Process.Release()
	}

	return waitReady(paths.Socket, statusPath, 50, 100*time.Millisecond)
}

// waitReady polls for the socket or an explicit status file.
func waitReady(socketPath, statusPath string, attempts int, every time.Duration) error {
	for range attempts {
		time.Sleep(every)

		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}

		if status, err := daemon.ReadStatus(statusPath); err == nil {
			switch status.Status {
			case "ready":
				return nil
			case "error":
				return fmt.Errorf("daemon failed to start: %s", status.Error)
			}
		}
	}
	return errors.New("daemon did not become ready within timeout")
}

// StopDaemon stops the daemon gracefully via RPC.
// Idempotent: returns nil if the daemon is not running.
func StopDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if !daemon.IsDaemonRunning(paths.PID) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ConnectWithContext(ctx, paths.Socket)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer client.Close()

	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown daemon: %w", err)
	}

	for range 40 {
		time.Sleep(250 * time.Millisecond)
		if !daemon.IsDaemonRunning(paths.PID) {
			return nil
		}
	}
	return errors.New("daemon did not stop within timeout")
}

// RestartDaemon stops and starts the daemon.
func RestartDaemon(paths DaemonPaths) error {
	if err := StopDaemon(paths); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := StartDaemon(paths); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// IsDaemonRunning checks if the daemon is running based on the PID file.
func IsDaemonRunning(pidPath string) bool {
	return daemon.IsDaemonRunning(pidPath)
}

// resolveBinary finds the indexsyncd binary.
// Priority: configured path > next to the executable > GOBIN/GOPATH > PATH.
func resolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured binary not found: %s", configured)
		}
		return configured, nil
	}

	if execPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), BinaryName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	for _, dir := range goBinDirs() {
		candidate := filepath.Join(dir, BinaryName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(BinaryName); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%s not found", BinaryName)
}

func goBinDirs() []string {
	var dirs []string
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		dirs = append(dirs, gobin)
	}
	if gopath := os.Getenv("GOPATH"); gopath != "" {
		dirs = append(dirs, filepath.Join(gopath, "bin"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "go", "bin"))
	}
	return dirs
}
