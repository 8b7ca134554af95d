// ABOUTME: Message bus binding contract used by operators
// ABOUTME: Defines deliveries, settings, exchange validation and the binding registry

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/2389/emissary/internal/message"
)

var (
	// ErrConnection is returned when the bus cannot be reached.
	ErrConnection = errors.New("connection error")

	// ErrInvalidExchange is returned for routes with an unsupported exchange kind.
	ErrInvalidExchange = errors.New("invalid exchange kind")

	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("transport not connected")

	// ErrUnknownType is returned by Open for unregistered binding names.
	ErrUnknownType = errors.New("unknown transport type")
)

// ConnectionError describes a failed connection attempt.
type ConnectionError struct {
	URI string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.URI, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches ErrConnection.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// Kind implements the message error-kind convention.
func (e *ConnectionError) Kind() string { return "ConnectionError" }

// Delivery is one inbound message handed to a Handler. It must be settled
// with exactly one Ack or Reject.
type Delivery struct {
	Body    []byte
	Subject string

	handle any
}

// Handler receives deliveries. It must not block for long; operators hand
// deliveries straight to a worker pool.
type Handler func(ctx context.Context, d *Delivery)

// Transport is the binding between an operator and a message bus.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, routes []message.Route, h Handler) error
	Publish(ctx context.Context, route message.Route, body []byte) error
	Ack(d *Delivery) error
	Reject(d *Delivery, requeue bool) error
	Unsubscribe(ctx context.Context) error
	Close() error
}

// Settings configure a binding for one operator instance.
type Settings struct {
	URI        string
	Name       string
	QueueName  string
	Stream     string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// ValidateRoute checks the exchange kind is one a bus can bind.
func ValidateRoute(r message.Route) error {
	switch r.Kind {
	case message.KindDirect, message.KindTopic, message.KindFanout, message.KindHeaders:
		return nil
	default:
		return fmt.Errorf("%w: %q (route %s)", ErrInvalidExchange, r.Kind, r.Canonical())
	}
}

// Factory builds a binding.
type Factory func(s Settings, logger *slog.Logger) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"nats":   func(s Settings, logger *slog.Logger) (Transport, error) { return NewNATS(s, logger), nil },
		"memory": func(s Settings, logger *slog.Logger) (Transport, error) { return NewMemory(SharedBus(s.URI), s.QueueName), nil },
	}
)

// Register adds or replaces a binding factory.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(kind)] = f
}

// Types lists the registered binding names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open builds the binding registered under kind.
func Open(kind string, s Settings, logger *slog.Logger) (Transport, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(kind)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return f(s, logger)
}
