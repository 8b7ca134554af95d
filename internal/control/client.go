// ABOUTME: Client for the daemon control socket used by the status command
// ABOUTME: Maps gRPC health answers onto plain status strings

package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Status strings returned by Client.Check.
const (
	StatusServing    = "SERVING"
	StatusNotServing = "NOT_SERVING"
	StatusUnknown    = "UNKNOWN"
)

// Client queries a daemon's control socket.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to the control socket. The connection is lazy; errors
// surface on the first Check.
func Dial(socket string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socket,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socket, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Check returns the status of one service. Services the daemon has never
// reported are StatusUnknown.
func (c *Client) Check(ctx context.Context, service string) (string, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return StatusUnknown, nil
		}
		return "", fmt.Errorf("checking %q: %w", service, err)
	}
	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return StatusServing, nil
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return StatusNotServing, nil
	default:
		return StatusUnknown, nil
	}
}

// Statuses checks the daemon and each signature.
func (c *Client) Statuses(ctx context.Context, signatures []string) (map[string]string, error) {
	out := make(map[string]string, len(signatures)+1)
	for _, name := range append([]string{DaemonService}, signatures...) {
		st, err := c.Check(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = st
	}
	return out, nil
}
