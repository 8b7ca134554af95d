// ABOUTME: Daemon control endpoint serving gRPC health status over a unix socket
// ABOUTME: The empty service is the daemon itself; each operator signature is its own service

package control

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// DaemonService is the health service name for the supervisor itself.
const DaemonService = ""

// ErrSocketInUse is returned when another live process serves the socket.
var ErrSocketInUse = errors.New("control socket in use")

// Server publishes operator health over gRPC.
type Server struct {
	socket string
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewServer creates a control server for socket. Nothing listens until Serve.
func NewServer(socket string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		socket: socket,
		grpc:   gs,
		health: hs,
		logger: logger.With("component", "control"),
	}
}

// SetDaemon reports the supervisor's own health.
func (s *Server) SetDaemon(serving bool) {
	s.health.SetServingStatus(DaemonService, servingStatus(serving))
}

// SetOperator reports whether the operator with signature is alive.
func (s *Server) SetOperator(signature string, serving bool) {
	s.health.SetServingStatus(signature, servingStatus(serving))
}

func servingStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve listens on the socket until ctx is canceled. A stale socket left by
// a dead daemon is replaced; a live one is ErrSocketInUse.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	defer os.Remove(s.socket)

	s.logger.Info("control socket listening", "socket", s.socket)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.stop()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	}
}

func (s *Server) listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.socket), 0755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	if fi, err := os.Stat(s.socket); err == nil {
		if fi.Mode().Type() != fs.ModeSocket {
			return nil, fmt.Errorf("%s exists and is not a socket", s.socket)
		}
		if conn, err := net.DialTimeout("unix", s.socket, time.Second); err == nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrSocketInUse, s.socket)
		}
		if err := os.Remove(s.socket); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}
	return ln, nil
}

// stop gracefully stops the server or force-stops after five seconds.
func (s *Server) stop() {
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		s.grpc.Stop()
	}
}
