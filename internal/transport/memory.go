// ABOUTME: In-process message bus with AMQP-style exchange binding
// ABOUTME: Backs the memory operator type and records traffic for tests

package transport

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/2389/emissary/internal/message"
)

// Publication is one message published on a Bus.
type Publication struct {
	Route message.Route
	Body  []byte
}

// Rejection is one rejected delivery.
type Rejection struct {
	Delivery *Delivery
	Requeue  bool
}

// Bus routes publications to bound Memory transports.
type Bus struct {
	mu        sync.Mutex
	subs      map[*Memory][]message.Route
	published []Publication
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Memory][]message.Route)}
}

var (
	sharedMu    sync.Mutex
	sharedBuses = make(map[string]*Bus)
)

// SharedBus returns the process-wide bus with the given name.
func SharedBus(name string) *Bus {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	b, ok := sharedBuses[name]
	if !ok {
		b = NewBus()
		sharedBuses[name] = b
	}
	return b
}

// Published returns a copy of everything published so far.
func (b *Bus) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publication(nil), b.published...)
}

func (b *Bus) bind(m *Memory, routes []message.Route) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[m] = append([]message.Route(nil), routes...)
}

func (b *Bus) unbind(m *Memory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, m)
}

func (b *Bus) publish(route message.Route, body []byte) {
	b.mu.Lock()
	b.published = append(b.published, Publication{Route: route, Body: append([]byte(nil), body...)})
	var targets []*Memory
	for m, routes := range b.subs {
		for _, bound := range routes {
			if Matches(bound, route) {
				targets = append(targets, m)
				break
			}
		}
	}
	b.mu.Unlock()

	for _, m := range targets {
		go m.deliver(route, body)
	}
}

// Matches reports whether a publication on route reaches a queue bound with
// binding. Topic bindings support '*' (one word) and '#' (zero or more).
func Matches(binding, route message.Route) bool {
	if binding.Kind != route.Kind || binding.Exchange != route.Exchange {
		return false
	}
	switch binding.Kind {
	case message.KindFanout:
		return true
	case message.KindTopic:
		return matchTopic(strings.Split(binding.Key, "."), strings.Split(route.Key, "."))
	default:
		return binding.Key == route.Key
	}
}

func matchTopic(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchTopic(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchTopic(pattern[1:], words[1:])
	default:
		return len(words) > 0 && words[0] == pattern[0] && matchTopic(pattern[1:], words[1:])
	}
}

// Memory is a Transport attached to a Bus.
type Memory struct {
	bus   *Bus
	queue string

	mu         sync.Mutex
	connected  bool
	handler    Handler
	ctx        context.Context
	acked      []*Delivery
	rejected   []Rejection
	connectErr error
	publishErr error
}

// NewMemory creates a transport on bus. queue is used only for diagnostics.
func NewMemory(bus *Bus, queue string) *Memory {
	if bus == nil {
		bus = NewBus()
	}
	return &Memory{bus: bus, queue: queue}
}

// Bus returns the bus the transport is attached to.
func (m *Memory) Bus() *Bus { return m.bus }

// FailConnect makes the next Connect return err.
func (m *Memory) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// FailPublish makes every Publish return err until called with nil.
func (m *Memory) FailPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// Connect marks the transport connected.
func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		err := m.connectErr
		m.connectErr = nil
		return &ConnectionError{URI: "memory://" + m.queue, Err: err}
	}
	m.connected = true
	return nil
}

// Subscribe binds routes on the bus.
func (m *Memory) Subscribe(ctx context.Context, routes []message.Route, h Handler) error {
	for _, r := range routes {
		if err := ValidateRoute(r); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.handler = h
	m.ctx = context.WithoutCancel(ctx)
	m.mu.Unlock()

	m.bus.bind(m, routes)
	return nil
}

// Publish routes body to every matching binding.
func (m *Memory) Publish(ctx context.Context, route message.Route, body []byte) error {
	if err := ValidateRoute(route); err != nil {
		return err
	}

	m.mu.Lock()
	connected, perr := m.connected, m.publishErr
	m.mu.Unlock()
	if perr != nil {
		return perr
	}
	if !connected {
		return ErrNotConnected
	}

	m.bus.publish(route, body)
	return nil
}

// Inject hands body to this transport's handler synchronously, as if the
// bus had delivered it, and returns the delivery.
func (m *Memory) Inject(route message.Route, body []byte) (*Delivery, error) {
	m.mu.Lock()
	h, ctx := m.handler, m.ctx
	m.mu.Unlock()
	if h == nil {
		return nil, errors.New("memory transport has no subscription")
	}

	d := &Delivery{Body: body, Subject: route.Canonical(), handle: m}
	h(ctx, d)
	return d, nil
}

func (m *Memory) deliver(route message.Route, body []byte) {
	m.mu.Lock()
	h, ctx := m.handler, m.ctx
	m.mu.Unlock()
	if h == nil {
		return
	}
	h(ctx, &Delivery{Body: body, Subject: route.Canonical(), handle: m})
}

// Ack records the delivery as acknowledged.
func (m *Memory) Ack(d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, d)
	return nil
}

// Reject records the delivery as rejected. Requeued deliveries are not
// redelivered.
func (m *Memory) Reject(d *Delivery, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, Rejection{Delivery: d, Requeue: requeue})
	return nil
}

// Acked returns the acknowledged deliveries.
func (m *Memory) Acked() []*Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Delivery(nil), m.acked...)
}

// Rejected returns the rejected deliveries.
func (m *Memory) Rejected() []Rejection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rejection(nil), m.rejected...)
}

// Unsubscribe removes the bindings.
func (m *Memory) Unsubscribe(ctx context.Context) error {
	m.bus.unbind(m)
	m.mu.Lock()
	m.handler = nil
	m.mu.Unlock()
	return nil
}

// Close disconnects the transport.
func (m *Memory) Close() error {
	m.bus.unbind(m)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.handler = nil
	return nil
}
