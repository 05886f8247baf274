package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/wabridge/internal/api"
	"github.com/matheus3301/wabridge/internal/config"
	"github.com/matheus3301/wabridge/internal/paths"
)

// Server owns the public HTTP listener and the local health socket.
type Server struct {
	listen     string
	socketPath string
	httpServer *http.Server
	grpcServer *grpc.Server
	httpLn     net.Listener
	logger     *zap.Logger
}

// NewServer builds the HTTP server around the API handler and a gRPC
// server exposing only the health service.
func NewServer(p Params, cfg *config.Config, h *api.Handler, tracker *HealthTracker, logger *zap.Logger) *Server {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = paths.SocketPath(cfg.DataDir)
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, tracker.Server())

	return &Server{
		listen:     cfg.Listen,
		socketPath: socketPath,
		httpServer: &http.Server{
			Handler:           h.Routes(cfg.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpcServer: grpcServer,
		logger:     logger,
	}
}

// Start binds both listeners and serves in the background. Bind errors
// are returned so the daemon fails to start instead of running deaf.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(s.socketPath); err == nil {
		_ = os.Remove(s.socketPath)
	}
	sock, err := net.Listen("unix", s.socketPath)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		_ = sock.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.httpLn = ln

	go func() {
		s.logger.Info("http server starting", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
	go func() {
		s.logger.Info("health socket starting", zap.String("socket", s.socketPath))
		if err := s.grpcServer.Serve(sock); err != nil {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound HTTP address, or "" before Start.
func (s *Server) Addr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// SocketPath returns the health socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Stop drains HTTP requests, stops the health server and removes the
// socket file. Hijacked websocket connections are not tracked by
// Shutdown; the hub closes them.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("servers stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
