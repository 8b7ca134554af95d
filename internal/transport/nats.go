// ABOUTME: NATS JetStream binding for the operator transport contract
// ABOUTME: Maps exchange routes onto stream subjects and one consumer per operator

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/2389/emissary/internal/message"
)

// SubjectRoot prefixes every subject the binding publishes or consumes.
const SubjectRoot = "emissary"

const (
	natsConnectTimeout = 5 * time.Second
	natsReconnectWait  = 2 * time.Second
	natsMaxReconnects  = -1
	streamMaxAge       = 24 * time.Hour
	consumerIdle       = 5 * time.Minute
)

var consumerSeq atomic.Int64

// NATS is a Transport backed by a JetStream stream.
type NATS struct {
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer string
	consume  jetstream.ConsumeContext
}

// NewNATS creates an unconnected NATS binding.
func NewNATS(s Settings, logger *slog.Logger) *NATS {
	if s.Stream == "" {
		s.Stream = "EMISSARY"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		settings: s,
		logger:   logger.With("component", "nats"),
	}
}

// Connect dials the server and ensures the stream exists.
func (n *NATS) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(n.clientName()),
		nats.Timeout(natsConnectTimeout),
		nats.ReconnectWait(natsReconnectWait),
		nats.MaxReconnects(natsMaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.logger.Warn("disconnected from bus", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info("reconnected to bus", "url", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(n.settings.URI, opts...)
	if err != nil {
		return &ConnectionError{URI: n.settings.URI, Err: err}
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return &ConnectionError{URI: n.settings.URI, Err: err}
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      n.settings.Stream,
		Subjects:  []string{SubjectRoot + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamMaxAge,
	})
	if err != nil {
		conn.Close()
		return &ConnectionError{URI: n.settings.URI, Err: fmt.Errorf("ensuring stream %s: %w", n.settings.Stream, err)}
	}

	n.mu.Lock()
	n.conn = conn
	n.js = js
	n.mu.Unlock()

	n.logger.Info("connected to bus", "url", conn.ConnectedUrl(), "stream", n.settings.Stream)
	return nil
}

// Subscribe binds a single consumer filtering every route's subject.
func (n *NATS) Subscribe(ctx context.Context, routes []message.Route, h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.js == nil {
		return ErrNotConnected
	}

	filters := make([]string, 0, len(routes))
	for _, r := range routes {
		if err := ValidateRoute(r); err != nil {
			return err
		}
		filters = append(filters, Subject(r))
	}

	name := ConsumerName(n.settings.QueueName, consumerSeq.Add(1))
	cfg := jetstream.ConsumerConfig{
		Name:           name,
		FilterSubjects: filters,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	if n.settings.Durable {
		cfg.Durable = name
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	} else {
		cfg.InactiveThreshold = consumerIdle
	}

	consumer, err := n.js.CreateOrUpdateConsumer(ctx, n.settings.Stream, cfg)
	if err != nil {
		return fmt.Errorf("creating consumer %s: %w", name, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		h(context.Background(), &Delivery{
			Body:    msg.Data(),
			Subject: msg.Subject(),
			handle:  msg,
		})
	})
	if err != nil {
		return fmt.Errorf("consuming %s: %w", name, err)
	}

	n.consumer = name
	n.consume = cc
	n.logger.Info("subscribed", "consumer", name, "subjects", filters)
	return nil
}

// Publish sends body on the route's subject and waits for the stream ack.
func (n *NATS) Publish(ctx context.Context, route message.Route, body []byte) error {
	if err := ValidateRoute(route); err != nil {
		return err
	}

	n.mu.Lock()
	js := n.js
	n.mu.Unlock()
	if js == nil {
		return ErrNotConnected
	}

	if _, err := js.Publish(ctx, Subject(route), body); err != nil {
		return fmt.Errorf("publishing to %s: %w", Subject(route), err)
	}
	return nil
}

// Ack acknowledges a delivery.
func (n *NATS) Ack(d *Delivery) error {
	msg, ok := d.handle.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("delivery %q was not received from nats", d.Subject)
	}
	return msg.Ack()
}

// Reject negatively acknowledges a delivery. Requeued deliveries are
// redelivered; the rest are terminated.
func (n *NATS) Reject(d *Delivery, requeue bool) error {
	msg, ok := d.handle.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("delivery %q was not received from nats", d.Subject)
	}
	if requeue {
		return msg.Nak()
	}
	return msg.Term()
}

// Unsubscribe stops consuming.
func (n *NATS) Unsubscribe(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.consume != nil {
		n.consume.Stop()
		n.consume = nil
	}
	return nil
}

// Close removes an auto-delete consumer and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return nil
	}

	var err error
	if n.settings.AutoDelete && n.consumer != "" && n.js != nil {
		ctx, cancel := context.WithTimeout(context.Background(), natsConnectTimeout)
		if derr := n.js.DeleteConsumer(ctx, n.settings.Stream, n.consumer); derr != nil {
			err = fmt.Errorf("deleting consumer %s: %w", n.consumer, derr)
		}
		cancel()
	}

	n.conn.Close()
	n.conn = nil
	n.js = nil
	n.consumer = ""
	return err
}

func (n *NATS) clientName() string {
	if n.settings.Name != "" {
		return "emissary:" + n.settings.Name
	}
	return "emissary:" + n.settings.QueueName
}

// Subject maps a route onto a stream subject. Fanout routes ignore the key
// and AMQP's '#' wildcard becomes NATS's '>'.
func Subject(r message.Route) string {
	base := SubjectRoot + "." + r.Exchange
	if r.Kind == message.KindFanout || r.Key == "" {
		return base
	}

	words := strings.Split(r.Key, ".")
	for i, w := range words {
		if w == "#" {
			words[i] = ">"
			words = words[:i+1]
			break
		}
	}
	return base + "." + strings.Join(words, ".")
}

// ConsumerName builds a consumer name from a queue name; characters NATS
// rejects in names are replaced.
func ConsumerName(queue string, seq int64) string {
	if queue == "" {
		queue = "emissary"
	}
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, queue)
	return fmt.Sprintf("%s_%d", clean, seq)
}
