// ABOUTME: Message envelope exchanged between emissary nodes over the bus
// ABOUTME: Holds addressing, correlation, status and payload plus response builders

package message

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// StatusKind classifies the outcome carried by a message.
type StatusKind string

// Status kinds.
const (
	StatusOK      StatusKind = "ok"
	StatusBounced StatusKind = "bounced"
	StatusErrored StatusKind = "errored"
)

// Default notes used by Bounce and Error when none is given.
const (
	DefaultBounceNote = "Message failed due to missing handler."
	DefaultErrorNote  = "Message failed due to unspecified error."
)

// NoCorrelation is the default operation and thread id.
const NoCorrelation int64 = -1

// Status is the (kind, note) pair set by handlers.
type Status struct {
	Kind StatusKind
	Note string
}

// Times records when a message was received and sent. Nil until stamped.
type Times struct {
	Received *time.Time
	Sent     *time.Time
}

// ErrorRecord is a captured failure travelling with a message.
type ErrorRecord struct {
	Kind      string
	Message   string
	Backtrace []string
}

// Local is the view of the node identity a message needs to stamp itself.
type Local interface {
	Name() string
	QueueName() string
	AccountID() string
}

// Message is the unit of communication on the bus.
type Message struct {
	uuid  string
	local Local

	Sender     string
	Originator string
	ReplyTo    string
	Recipient  string

	Status    Status
	Operation int64
	Thread    int64

	Account string
	Agent   string
	Method  string
	Args    []any

	Time   Times
	Errors []ErrorRecord
}

// New creates a message originating from the local node.
func New(local Local) *Message {
	m := &Message{
		uuid:      uuid.New().String(),
		local:     local,
		Status:    Status{Kind: StatusOK},
		Operation: NoCorrelation,
		Thread:    NoCorrelation,
		Args:      []any{},
		Errors:    []ErrorRecord{},
	}
	if local != nil {
		m.Sender = local.Name()
		m.ReplyTo = local.QueueName()
		m.Account = local.AccountID()
	}
	m.Originator = m.Sender
	return m
}

// UUID returns the message's immutable identifier.
func (m *Message) UUID() string {
	return m.uuid
}

// StampReceived records the receive time and returns the message.
func (m *Message) StampReceived() *Message {
	now := time.Now().UTC().Round(0)
	m.Time.Received = &now
	return m
}

// StampSent records the send time and returns the message.
func (m *Message) StampSent() *Message {
	now := time.Now().UTC().Round(0)
	m.Time.Sent = &now
	return m
}

// TripTime is the time between receipt and send, zero when either is unset.
func (m *Message) TripTime() time.Duration {
	if m.Time.Received == nil || m.Time.Sent == nil {
		return 0
	}
	return m.Time.Sent.Sub(*m.Time.Received)
}

// Response builds a reply from the local node back to whoever asked.
func (m *Message) Response() *Message {
	r := New(m.local)

	r.Recipient = m.ReplyTo
	if r.Recipient == "" {
		r.Recipient = m.Sender
	}
	r.Operation = m.Operation
	r.Thread = m.Thread

	r.Account = m.Account
	r.Agent = m.Agent
	r.Method = m.Method
	r.Args = append([]any{}, m.Args...)
	r.Errors = append([]ErrorRecord{}, m.Errors...)
	return r
}

// Bounce builds a response marked bounced.
func (m *Message) Bounce(note string) *Message {
	if note == "" {
		note = DefaultBounceNote
	}
	r := m.Response()
	r.Status = Status{Kind: StatusBounced, Note: note}
	return r
}

// Error builds a response marked errored. When failure is an error it is
// recorded on the response; any other value only becomes the note.
func (m *Message) Error(failure any) *Message {
	r := m.Response()

	switch f := failure.(type) {
	case nil:
		r.Status = Status{Kind: StatusErrored, Note: DefaultErrorNote}
	case error:
		r.Status = Status{Kind: StatusErrored, Note: f.Error()}
		r.Errors = append(r.Errors, Record(f))
	default:
		r.Status = Status{Kind: StatusErrored, Note: fmt.Sprint(f)}
		slog.Default().Warn("message error given a non-error value",
			"uuid", m.uuid,
			"type", fmt.Sprintf("%T", f),
		)
	}
	return r
}

// kinded is implemented by errors that carry a stable kind name.
type kinded interface {
	Kind() string
}

// traced is implemented by errors that captured a stack.
type traced interface {
	Backtrace() []string
}

// Record converts an error into an ErrorRecord.
func Record(err error) ErrorRecord {
	rec := ErrorRecord{
		Kind:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}

	var k kinded
	if errors.As(err, &k) {
		rec.Kind = k.Kind()
	}
	var t traced
	if errors.As(err, &t) {
		rec.Backtrace = t.Backtrace()
	}
	return rec
}
