package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter serves /metrics, /healthz, /readyz and /generations for node.
func NewRouter(node *Node) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.HandlerFor(node.Registry(), promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})

	// Ready once the index is initialized and polling.
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !node.Manager().Running() {
			http.Error(w, "initializing", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/generations", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(node.Manager().Generations())
	})

	return r
}

// HTTPServer serves the router on a TCP address.
type HTTPServer struct {
	srv      *http.Server
	listener net.Listener
}

// NewHTTPServer listens on addr.
func NewHTTPServer(addr string, handler http.Handler) (*HTTPServer, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &HTTPServer{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
	}, nil
}

// Addr returns the bound address.
func (h *HTTPServer) Addr() string {
	return h.listener.Addr().String()
}

// Serve blocks until Shutdown.
func (h *HTTPServer) Serve() error {
	if err := h.srv.Serve(h.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
