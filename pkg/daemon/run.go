package daemon

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jamesainslie/indexsync/pkg/indexsync/config"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// Run starts a node with its admin and metrics servers and blocks until ctx
// is done, a client requests shutdown, or a server fails.
func Run(ctx context.Context, cfg *config.Config) error {
	log := logging.Get("daemon")

	node, err := NewNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Warn("error closing node", "error", err)
		}
	}()

	service := NewService(node)
	srv, err := NewServer(cfg.Daemon.SocketPath, service)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Daemon.SocketPath, err)
	}

	var httpSrv *HTTPServer
	if cfg.Daemon.MetricsAddr != "" {
		httpSrv, err = NewHTTPServer(cfg.Daemon.MetricsAddr, NewRouter(node))
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("listening on %s: %w", cfg.Daemon.MetricsAddr, err)
		}
		log.Info("metrics listening", "addr", httpSrv.Addr())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(srv.Serve)
	if httpSrv != nil {
		g.Go(httpSrv.Serve)
	}

	// The admin socket is up while the index initializes, so clients can
	// watch progress.
	g.Go(func() error {
		if err := node.Start(gctx); err != nil {
			if gctx.Err() != nil {
				return nil // shut down during initialization
			}
			return fmt.Errorf("starting node: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-service.ShutdownRequested():
		}
		log.Info("shutting down")
		cancel()

		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if httpSrv != nil {
			_ = httpSrv.Shutdown(shutdownCtx)
		}
		// Ends open Watch streams so the graceful stop can finish.
		node.Stream().Close()
		return srv.Close()
	})

	if err := WriteStatusReady(StatusPath(cfg.Daemon.SocketPath)); err != nil {
		log.Warn("failed to write status file", "error", err)
	}
	log.Info("indexsyncd started", "socket", cfg.Daemon.SocketPath, "backend", cfg.Store.Backend)
	return g.Wait()
}
