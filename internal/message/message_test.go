// ABOUTME: Tests for message construction, addressing and response builders
// ABOUTME: Covers uuid uniqueness, loop detection, response/bounce/error semantics

package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocal struct {
	name    string
	queue   string
	account string
}

func (f fakeLocal) Name() string      { return f.name }
func (f fakeLocal) QueueName() string { return f.queue }
func (f fakeLocal) AccountID() string { return f.account }

var testLocal = fakeLocal{name: "node-1", queue: "node-1", account: "42"}

func TestNew_Defaults(t *testing.T) {
	m := New(testLocal)

	assert.NotEmpty(t, m.UUID())
	assert.Equal(t, "", m.Recipient)
	assert.Equal(t, "node-1", m.Sender)
	assert.Equal(t, "node-1", m.Originator)
	assert.Equal(t, "node-1", m.ReplyTo)
	assert.Equal(t, "42", m.Account)
	assert.Equal(t, Status{Kind: StatusOK}, m.Status)
	assert.Equal(t, NoCorrelation, m.Operation)
	assert.Equal(t, NoCorrelation, m.Thread)
	assert.Empty(t, m.Args)
	assert.Empty(t, m.Errors)
	assert.Nil(t, m.Time.Received)
	assert.Nil(t, m.Time.Sent)
}

func TestNew_UniqueUUIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New(testLocal).UUID()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate uuid %s", id)
		seen[id] = true
	}
}

func TestParseRoute(t *testing.T) {
	tests := []struct {
		addr string
		want Route
	}{
		{"", Route{Key: "", Kind: "direct", Exchange: "amq.direct"}},
		{"node-1", Route{Key: "node-1", Kind: "direct", Exchange: "amq.direct"}},
		{"stats:topic", Route{Key: "stats", Kind: "topic", Exchange: "amq.topic"}},
		{"all:fanout", Route{Key: "all", Kind: "fanout", Exchange: "amq.fanout"}},
		{"h:headers", Route{Key: "h", Kind: "headers", Exchange: "amq.headers"}},
		{"m:matches", Route{Key: "m", Kind: "matches", Exchange: "amq.matches"}},
		{"k:topic:custom", Route{Key: "k", Kind: "topic", Exchange: "custom"}},
		{"k:weird", Route{Key: "k", Kind: "weird", Exchange: "amq.direct"}},
		{"k::", Route{Key: "k", Kind: "direct", Exchange: "amq.direct"}},
		{":::", Route{Key: "", Kind: "direct", Exchange: "amq.direct"}},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRoute(tt.addr))
		})
	}
}

func TestRoute_Canonical(t *testing.T) {
	assert.Equal(t, "node-1:direct:amq.direct", ParseRoute("node-1").Canonical())
	assert.Equal(t, "stats:topic:amq.topic", ParseRoute("stats:topic").String())
}

func TestMessage_AddressHelpers(t *testing.T) {
	m := New(testLocal)
	m.Recipient = "stats:topic"

	assert.Equal(t, "stats", m.RoutingKey(m.Recipient))
	kind, name := m.Exchange(m.Recipient)
	assert.Equal(t, "topic", kind)
	assert.Equal(t, "amq.topic", name)
	assert.Equal(t, m.Route(m.Recipient), m.RecipientRoute())
}

func TestWillLoop(t *testing.T) {
	tests := []struct {
		name       string
		recipient  string
		originator string
		want       bool
	}{
		{"empty recipient", "", "", false},
		{"same host implicit direct", "node-1", "node-1", true},
		{"same host explicit direct", "node-1:direct:amq.direct", "node-1", true},
		{"different key", "node-2", "node-1", false},
		{"same key other kind", "node-1:topic", "node-1", false},
		{"same key other exchange", "node-1:direct:custom", "node-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(testLocal)
			m.Recipient = tt.recipient
			m.Originator = tt.originator
			assert.Equal(t, tt.want, m.WillLoop())
		})
	}
}

func TestResponse(t *testing.T) {
	t.Run("replies to replyto when present", func(t *testing.T) {
		req := New(fakeLocal{name: "remote", queue: "remote-q"})
		req.Operation = 7
		req.Thread = 9
		req.Agent = "ping"
		req.Method = "ping"
		req.Args = []any{"a"}
		req.Status = Status{Kind: StatusErrored, Note: "bad"}
		req.StampReceived()
		req.StampSent()

		req.local = testLocal
		resp := req.Response()

		assert.NotEqual(t, req.UUID(), resp.UUID())
		assert.Equal(t, "remote-q", resp.Recipient)
		assert.Equal(t, "node-1", resp.Sender)
		assert.Equal(t, "node-1", resp.Originator)
		assert.Equal(t, int64(7), resp.Operation)
		assert.Equal(t, int64(9), resp.Thread)
		assert.Equal(t, Status{Kind: StatusOK}, resp.Status)
		assert.Nil(t, resp.Time.Received)
		assert.Nil(t, resp.Time.Sent)
		assert.Equal(t, "ping", resp.Agent)
		assert.Equal(t, "ping", resp.Method)
		assert.Equal(t, []any{"a"}, resp.Args)
	})

	t.Run("falls back to sender", func(t *testing.T) {
		req := New(testLocal)
		req.ReplyTo = ""
		req.Sender = "someone"

		assert.Equal(t, "someone", req.Response().Recipient)
	})

	t.Run("args are copied not shared", func(t *testing.T) {
		req := New(testLocal)
		req.Args = []any{"x"}
		resp := req.Response()
		resp.Args[0] = "y"

		assert.Equal(t, "x", req.Args[0])
	})
}

func TestBounce(t *testing.T) {
	req := New(testLocal)

	b := req.Bounce("")
	assert.Equal(t, StatusBounced, b.Status.Kind)
	assert.Equal(t, DefaultBounceNote, b.Status.Note)

	b = req.Bounce("no such thing")
	assert.Equal(t, "no such thing", b.Status.Note)
}

type kindedErr struct{}

func (kindedErr) Error() string       { return "kinded failure" }
func (kindedErr) Kind() string        { return "HandlerFailure" }
func (kindedErr) Backtrace() []string { return []string{"frame-1", "frame-2"} }

func TestError(t *testing.T) {
	req := New(testLocal)

	t.Run("nil uses default note", func(t *testing.T) {
		e := req.Error(nil)
		assert.Equal(t, StatusErrored, e.Status.Kind)
		assert.Equal(t, DefaultErrorNote, e.Status.Note)
		assert.Empty(t, e.Errors)
	})

	t.Run("error is recorded", func(t *testing.T) {
		e := req.Error(errors.New("boom"))
		assert.Equal(t, "boom", e.Status.Note)
		require.Len(t, e.Errors, 1)
		assert.Equal(t, "boom", e.Errors[0].Message)
		assert.Equal(t, "*errors.errorString", e.Errors[0].Kind)
	})

	t.Run("kind and backtrace come from the error", func(t *testing.T) {
		e := req.Error(kindedErr{})
		require.Len(t, e.Errors, 1)
		assert.Equal(t, "HandlerFailure", e.Errors[0].Kind)
		assert.Equal(t, []string{"frame-1", "frame-2"}, e.Errors[0].Backtrace)
	})

	t.Run("non-error value does not crash", func(t *testing.T) {
		e := req.Error(42)
		assert.Equal(t, StatusErrored, e.Status.Kind)
		assert.Equal(t, "42", e.Status.Note)
		assert.Empty(t, e.Errors)
	})

	t.Run("recipient is the original sender", func(t *testing.T) {
		r := New(fakeLocal{name: "asker"})
		r.ReplyTo = ""
		assert.Equal(t, "asker", r.Error(errors.New("x")).Recipient)
	})
}

func TestTripTime(t *testing.T) {
	m := New(testLocal)
	assert.Zero(t, m.TripTime())

	m.StampReceived()
	assert.Zero(t, m.TripTime())

	m.StampSent()
	assert.GreaterOrEqual(t, m.TripTime().Nanoseconds(), int64(0))
}
