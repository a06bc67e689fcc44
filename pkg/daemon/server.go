package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"

	indexsyncv1 "github.com/jamesainslie/indexsync/pkg/api/indexsync/v1"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// Server is the indexsyncd gRPC server on a Unix socket.
type Server struct {
	socketPath string
	service    *Service
	grpc       *grpc.Server
	listener   net.Listener
}

// NewServer listens on socketPath and registers the admin service.
func NewServer(socketPath string, service *Service) (*Server, error) {
	// Remove stale socket if exists
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "unix", socketPath)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		socketPath: socketPath,
		service:    service,
		grpc:       grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary)),
		listener:   listener,
	}
	indexsyncv1.RegisterIndexSyncServer(srv.grpc, service)

	return srv, nil
}

// logUnary logs every admin call.
func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	log := logging.Get("daemon")
	if err != nil {
		log.Warn("rpc failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		log.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// Serve accepts connections. It blocks until Close.
func (s *Server) Serve() error {
	return s.grpc.Serve(s.listener)
}

// Close stops the server and removes the socket.
func (s *Server) Close() error {
	s.grpc.GracefulStop()
	return os.RemoveAll(s.socketPath)
}
