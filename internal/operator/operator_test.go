// ABOUTME: Tests for the operator driving the in-memory transport
// ABOUTME: Covers ack/reject paths, loop suppression, notifications, stats and shutdown

package operator

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/emissary/internal/agent"
	"github.com/2389/emissary/internal/config"
	"github.com/2389/emissary/internal/message"
	"github.com/2389/emissary/internal/store"
	"github.com/2389/emissary/internal/transport"
)

type testIdentity struct{}

func (testIdentity) Name() string       { return "node1" }
func (testIdentity) QueueName() string  { return "node1" }
func (testIdentity) AccountID() string  { return "42" }
func (testIdentity) PublicIP() string   { return "203.0.113.7" }
func (testIdentity) LocalIP() string    { return "10.0.0.7" }
func (testIdentity) InstanceID() string { return "i-abc" }
func (testIdentity) ServerID() string   { return "7" }
func (testIdentity) ClusterID() string  { return "3" }

// controller is the identity of the node sending requests.
type controller struct{}

func (controller) Name() string      { return "controller" }
func (controller) QueueName() string { return "controller.replies" }
func (controller) AccountID() string { return "42" }

// failingAgent fails every call to run.
type failingAgent struct{}

func (failingAgent) Methods() map[string]agent.Method {
	return map[string]agent.Method{
		"run": func(ctx context.Context, c *agent.Call) (agent.Reply, error) {
			return agent.Reply{}, errors.New("disk full")
		},
	}
}

// gatherAgent stands in for the stats agent.
type gatherAgent struct{ calls *atomic.Int32 }

func (g gatherAgent) Methods() map[string]agent.Method {
	return map[string]agent.Method{
		"gather": func(ctx context.Context, c *agent.Call) (agent.Reply, error) {
			g.calls.Add(1)
			return agent.Skip(), nil
		},
	}
}

type harness struct {
	op       *Operator
	mem      *transport.Memory
	bus      *transport.Bus
	registry *agent.Registry
}

func newHarness(t *testing.T, mutate func(*config.OperatorConfig, *Params)) *harness {
	t.Helper()

	settings := &config.OperatorConfig{
		Type:          "memory",
		Signature:     "edge",
		Subscriptions: []string{"ops.#:topic"},
		Workers:       4,
		WorkerTTL:     time.Minute,
		Enabled:       []string{"all"},
	}
	bus := transport.NewBus()
	mem := transport.NewMemory(bus, "node1")
	reg := agent.NewDefaultRegistry(t.TempDir())
	reg.Register("broken", func(*agent.Env) agent.Agent { return failingAgent{} })

	p := Params{
		Settings:   settings,
		Transport:  mem,
		Dispatcher: agent.NewDispatcher(reg, nil),
		Identity:   testIdentity{},
	}
	if mutate != nil {
		mutate(settings, &p)
	}

	op, err := New(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = op.Shutdown(context.Background()) })

	return &harness{op: op, mem: mem, bus: bus, registry: reg}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.op.Start(context.Background()))
}

func (h *harness) inject(t *testing.T, msg *message.Message) *transport.Delivery {
	t.Helper()
	body, err := msg.Encode()
	require.NoError(t, err)
	d, err := h.mem.Inject(msg.RecipientRoute(), body)
	require.NoError(t, err)
	return d
}

func (h *harness) published(t *testing.T, key string) []*message.Message {
	t.Helper()
	var out []*message.Message
	for _, p := range h.bus.Published() {
		if p.Route.Key != key {
			continue
		}
		m, err := message.Decode(p.Body, controller{})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func request(agentName, method string) *message.Message {
	m := message.New(controller{})
	m.Recipient = "node1"
	m.Agent = agentName
	m.Method = method
	return m
}

func TestOperator_PingPong(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.inject(t, request("ping", "ping"))

	require.Eventually(t, func() bool {
		return len(h.published(t, "controller.replies")) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.mem.Acked()) == 1 }, waitFor, tick)

	reply := h.published(t, "controller.replies")[0]
	assert.Equal(t, "pong", reply.Method)
	assert.Equal(t, "node1", reply.Sender)
	assert.Equal(t, message.StatusOK, reply.Status.Kind)
	assert.NotNil(t, reply.Time.Sent)

	require.NoError(t, h.op.Shutdown(context.Background()))
	assert.Equal(t, int64(1), h.op.Counters().ConsumeRx())
	assert.Equal(t, int64(1), h.op.Counters().ConsumeTx())
	assert.Empty(t, h.mem.Rejected())
}

func TestOperator_Routes(t *testing.T) {
	h := newHarness(t, func(s *config.OperatorConfig, _ *Params) {
		s.Subscriptions = []string{"ops.#:topic", " broadcast:fanout "}
	})

	var got []string
	for _, r := range h.op.Routes() {
		got = append(got, r.Canonical())
	}
	assert.Equal(t, []string{
		"ops.#:topic:amq.topic",
		"broadcast:fanout:amq.fanout",
		"node1:direct:amq.direct",
	}, got)
}

func TestOperator_MalformedRejectedWithoutReply(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	_, err := h.mem.Inject(message.ParseRoute("node1"), []byte("definitely not cbor"))
	require.NoError(t, err)

	rejected := h.mem.Rejected()
	require.Len(t, rejected, 1)
	assert.True(t, rejected[0].Requeue)

	require.NoError(t, h.op.Shutdown(context.Background()))
	assert.Empty(t, h.bus.Published())
	assert.Empty(t, h.mem.Acked())
	assert.Equal(t, int64(0), h.op.Counters().ConsumeRx())
}

func TestOperator_FailureSendsOneErrorReply(t *testing.T) {
	tests := []struct {
		name     string
		agent    string
		method   string
		wantKind string
	}{
		{name: "handler failure", agent: "broken", method: "run", wantKind: "HandlerFailure"},
		{name: "invalid operation", agent: "ping", method: "bogus", wantKind: "InvalidOperation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.start(t)

			h.inject(t, request(tt.agent, tt.method))
			require.Eventually(t, func() bool { return len(h.mem.Rejected()) == 1 }, waitFor, tick)

			require.NoError(t, h.op.Shutdown(context.Background()))

			rejected := h.mem.Rejected()
			require.Len(t, rejected, 1)
			assert.True(t, rejected[0].Requeue)
			assert.Empty(t, h.mem.Acked())
			assert.Equal(t, int64(0), h.op.Counters().ConsumeRx())

			replies := h.published(t, "controller.replies")
			require.Len(t, replies, 1)
			assert.Equal(t, message.StatusErrored, replies[0].Status.Kind)
			require.NotEmpty(t, replies[0].Errors)
			assert.Equal(t, tt.wantKind, replies[0].Errors[len(replies[0].Errors)-1].Kind)
		})
	}
}

func TestOperator_UnknownAgentReroutesToErrorAgent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.inject(t, request("nonesuch", "whatever"))
	require.Eventually(t, func() bool { return len(h.mem.Acked()) == 1 }, waitFor, tick)
	require.NoError(t, h.op.Shutdown(context.Background()))

	replies := h.published(t, "controller.replies")
	require.Len(t, replies, 1)
	assert.Equal(t, message.StatusErrored, replies[0].Status.Kind)
	assert.Equal(t, int64(1), h.op.Counters().ConsumeRx())
}

func TestOperator_LoopSuppressed(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	msg := message.New(testIdentity{})
	msg.Recipient = "node1"
	require.True(t, msg.WillLoop())
	require.NoError(t, h.op.Send(msg))

	require.NoError(t, h.op.Shutdown(context.Background()))
	assert.Empty(t, h.bus.Published())
	assert.Equal(t, int64(0), h.op.Counters().ConsumeTx())
}

func TestOperator_PublishFailureShutsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.mem.FailPublish(errors.New("bus gone"))

	errCh := make(chan error, 1)
	go func() { errCh <- h.op.Run(context.Background()) }()
	require.Eventually(t, func() bool { return h.op.State() == StateRunning }, waitFor, tick)

	h.inject(t, request("ping", "ping"))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bus gone")
	case <-time.After(waitFor):
		t.Fatal("operator did not stop after publish failure")
	}

	assert.Equal(t, StateDisconnected, h.op.State())
	assert.ErrorIs(t, h.op.Send(request("ping", "ping")), ErrBroken)
	assert.Equal(t, int64(0), h.op.Counters().ConsumeTx())
}

func TestOperator_ConnectFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.mem.FailConnect(errors.New("refused"))

	err := h.op.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrConnection)
	assert.Equal(t, StateDisconnected, h.op.State())
}

func TestOperator_Enabled(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.OperatorConfig)
		feature string
		want    bool
	}{
		{name: "startup configured", mutate: func(s *config.OperatorConfig) { s.Startup = "boot:topic" }, feature: FeatureStartup, want: true},
		{name: "startup missing", feature: FeatureStartup, want: false},
		{name: "shutdown configured", mutate: func(s *config.OperatorConfig) { s.Shutdown = "halt:topic" }, feature: FeatureShutdown, want: true},
		{name: "shutdown disabled", mutate: func(s *config.OperatorConfig) {
			s.Shutdown = "halt:topic"
			s.Disable = []string{"shutdown"}
		}, feature: FeatureShutdown, want: false},
		{name: "stats configured", mutate: func(s *config.OperatorConfig) { s.Stats = &config.StatsConfig{} }, feature: FeatureStats, want: true},
		{name: "stats disabled", mutate: func(s *config.OperatorConfig) {
			s.Stats = &config.StatsConfig{}
			s.Disable = []string{"stats"}
		}, feature: FeatureStats, want: false},
		{name: "unknown feature", mutate: func(s *config.OperatorConfig) { s.Startup = "boot:topic" }, feature: "heartbeat", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(s *config.OperatorConfig, _ *Params) {
				if tt.mutate != nil {
					tt.mutate(s)
				}
			})
			if got := h.op.Enabled(tt.feature); got != tt.want {
				t.Errorf("Enabled(%q) = %v, want %v", tt.feature, got, tt.want)
			}
		})
	}
}

func TestOperator_StartupAndShutdownNotifications(t *testing.T) {
	h := newHarness(t, func(s *config.OperatorConfig, _ *Params) {
		s.Startup = "ops.boot:topic"
		s.Shutdown = "ops.halt:topic"
	})
	h.start(t)

	require.Eventually(t, func() bool { return len(h.published(t, "ops.boot")) == 1 }, waitFor, tick)
	boot := h.published(t, "ops.boot")[0]
	assert.Equal(t, "startup", boot.Method)
	require.Len(t, boot.Args, 8)
	assert.Equal(t, "node1", boot.Args[0])

	require.NoError(t, h.op.Shutdown(context.Background()))
	halt := h.published(t, "ops.halt")
	require.Len(t, halt, 1)
	assert.Equal(t, "shutdown", halt[0].Method)
}

func TestOperator_SelfAddressedStartupHandledOnce(t *testing.T) {
	h := newHarness(t, func(s *config.OperatorConfig, _ *Params) {
		s.Startup = "ops.boot:topic"
	})
	h.start(t)

	require.Eventually(t, func() bool { return len(h.published(t, "ops.boot")) == 1 }, waitFor, tick)
	boot := h.published(t, "ops.boot")[0]

	// ops.# matches the notification, so it comes back as a delivery.
	require.Eventually(t, func() bool {
		for _, d := range h.mem.Acked() {
			m, err := message.Decode(d.Body, controller{})
			if err == nil && m.UUID() == boot.UUID() {
				return true
			}
		}
		return false
	}, waitFor, tick)

	require.NoError(t, h.op.Shutdown(context.Background()))
	assert.Len(t, h.published(t, "ops.boot"), 1)
	assert.True(t, h.op.completed.Done(boot.UUID()))
	assert.Empty(t, h.mem.Rejected())
}

func TestOperator_InFlightDuplicateAcked(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	msg := request("ping", "ping")
	held := &transport.Delivery{Body: []byte("held"), Subject: "node1:direct:amq.direct"}
	require.True(t, h.op.track(msg.UUID(), held))
	assert.False(t, h.op.track(msg.UUID(), &transport.Delivery{}))

	d := h.inject(t, msg)
	require.Eventually(t, func() bool { return len(h.mem.Acked()) == 1 }, waitFor, tick)
	assert.Same(t, d, h.mem.Acked()[0])
	assert.Empty(t, h.published(t, "controller.replies"))
	assert.Equal(t, 1, h.op.Unacknowledged())

	require.NoError(t, h.op.Shutdown(context.Background()))
	rejected := h.mem.Rejected()
	require.Len(t, rejected, 1)
	assert.Same(t, held, rejected[0].Delivery)
	assert.Equal(t, int64(0), h.op.Counters().ConsumeRx())
}

func TestOperator_StatsGatherCountsTowardRx(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(s *config.OperatorConfig, _ *Params) {
		s.Stats = &config.StatsConfig{Interval: time.Hour, QueueBase: "stats"}
	})
	h.registry.Register("stats", func(*agent.Env) agent.Agent { return gatherAgent{calls: &calls} })
	h.start(t)

	h.op.reportStats(time.Hour)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	require.NoError(t, h.op.Shutdown(context.Background()))
	assert.Equal(t, int64(1), h.op.Counters().ConsumeRx())
}

func TestOperator_StatsSkippedWhenDisabled(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, nil)
	h.registry.Register("stats", func(*agent.Env) agent.Agent { return gatherAgent{calls: &calls} })
	h.start(t)

	h.op.Counters().IncRx()
	h.op.reportStats(time.Hour)
	require.NoError(t, h.op.Shutdown(context.Background()))

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, int64(0), h.op.Counters().ConsumeRx(), "report did not consume counters")
}

func TestOperator_StatsTickerFires(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(s *config.OperatorConfig, _ *Params) {
		s.Stats = &config.StatsConfig{Interval: 20 * time.Millisecond}
	})
	h.registry.Register("stats", func(*agent.Env) agent.Agent { return gatherAgent{calls: &calls} })
	h.start(t)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, waitFor, tick)
}

func TestOperator_ShutdownRequeuesAndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	d := &transport.Delivery{Body: []byte("x"), Subject: "node1:direct:amq.direct"}
	h.op.track("in-flight", d)
	require.Equal(t, 1, h.op.Unacknowledged())

	require.NoError(t, h.op.Shutdown(context.Background()))
	require.NoError(t, h.op.Shutdown(context.Background()))

	rejected := h.mem.Rejected()
	require.Len(t, rejected, 1)
	assert.Same(t, d, rejected[0].Delivery)
	assert.True(t, rejected[0].Requeue)
	assert.Equal(t, 0, h.op.Unacknowledged())
	assert.Equal(t, StateDisconnected, h.op.State())
	assert.True(t, h.op.ShuttingDown())
}

func TestOperator_UnknownUUIDIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	assert.NoError(t, h.op.Acknowledge("never-seen"))
	assert.NoError(t, h.op.Reject("never-seen", true))
	assert.Empty(t, h.mem.Acked())
	assert.Empty(t, h.mem.Rejected())
}

func TestOperator_DuplicateDeliveryAcked(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	msg := request("ping", "ping")
	h.inject(t, msg)
	require.Eventually(t, func() bool { return h.op.completed.Done(msg.UUID()) }, waitFor, tick)

	h.inject(t, msg)
	require.NoError(t, h.op.Shutdown(context.Background()))

	assert.Len(t, h.mem.Acked(), 2)
	assert.Len(t, h.published(t, "controller.replies"), 1)
	assert.Equal(t, int64(1), h.op.Counters().ConsumeRx())
}

func TestOperator_LedgerRecordsMessages(t *testing.T) {
	ledger, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	h := newHarness(t, func(_ *config.OperatorConfig, p *Params) {
		p.Ledger = ledger
	})
	h.start(t)

	ok := request("ping", "ping")
	bad := request("broken", "run")
	h.inject(t, ok)
	h.inject(t, bad)
	require.Eventually(t, func() bool {
		return len(h.mem.Acked()) == 1 && len(h.mem.Rejected()) == 1
	}, waitFor, tick)
	require.NoError(t, h.op.Shutdown(context.Background()))

	rec, err := ledger.GetMessage(context.Background(), ok.UUID())
	require.NoError(t, err)
	assert.Equal(t, "edge", rec.Signature)
	assert.Equal(t, "ping", rec.Agent)
	assert.Equal(t, "ok", rec.Status)

	rec, err = ledger.GetMessage(context.Background(), bad.UUID())
	require.NoError(t, err)
	assert.Equal(t, "errored", rec.Status)
	assert.Contains(t, rec.Note, "disk full")
}

func TestTransportSettings(t *testing.T) {
	durable := true
	op := &config.OperatorConfig{
		URI:          "nats://bus:4222",
		Signature:    "edge",
		Stream:       "EMISSARY",
		QueueDurable: &durable,
	}

	s := TransportSettings(op, testIdentity{})
	assert.Equal(t, "nats://bus:4222", s.URI)
	assert.Equal(t, "emissary-edge", s.Name)
	assert.Equal(t, "node1", s.QueueName)
	assert.True(t, s.Durable)
	assert.True(t, s.AutoDelete)
	assert.True(t, s.Exclusive)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Params{})
	assert.Error(t, err)
}
