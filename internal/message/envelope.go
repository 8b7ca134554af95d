// ABOUTME: Wire envelope for messages: headers, data and errors sections
// ABOUTME: Encode/Decode delegate to the CBOR codec and flag unreadable payloads

package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/emissary/internal/codec"
)

// ErrMalformedEnvelope is returned by Decode when a payload is not a message.
var ErrMalformedEnvelope = errors.New("malformed envelope")

type wireStatus struct {
	Kind string `cbor:"kind"`
	Note string `cbor:"note"`
}

type wireTimes struct {
	Received *int64 `cbor:"received"`
	Sent     *int64 `cbor:"sent"`
}

type wireHeaders struct {
	Recipient  string     `cbor:"recipient"`
	Sender     string     `cbor:"sender"`
	ReplyTo    string     `cbor:"replyto"`
	Originator string     `cbor:"originator"`
	Status     wireStatus `cbor:"status"`
	Operation  int64      `cbor:"operation"`
	Thread     int64      `cbor:"thread"`
	Time       wireTimes  `cbor:"time"`
	UUID       string     `cbor:"uuid"`
}

type wireData struct {
	Account string `cbor:"account"`
	Agent   string `cbor:"agent"`
	Method  string `cbor:"method"`
	Args    []any  `cbor:"args"`
}

type wireError struct {
	Kind      string   `cbor:"type"`
	Message   string   `cbor:"message"`
	Backtrace []string `cbor:"backtrace"`
}

type envelope struct {
	Headers wireHeaders `cbor:"headers"`
	Data    wireData    `cbor:"data"`
	Errors  []wireError `cbor:"errors"`
}

// Encode serializes the message envelope.
func (m *Message) Encode() ([]byte, error) {
	env := envelope{
		Headers: wireHeaders{
			Recipient:  m.Recipient,
			Sender:     m.Sender,
			ReplyTo:    m.ReplyTo,
			Originator: m.Originator,
			Status:     wireStatus{Kind: string(m.Status.Kind), Note: m.Status.Note},
			Operation:  m.Operation,
			Thread:     m.Thread,
			Time: wireTimes{
				Received: toNanos(m.Time.Received),
				Sent:     toNanos(m.Time.Sent),
			},
			UUID: m.uuid,
		},
		Data: wireData{
			Account: m.Account,
			Agent:   m.Agent,
			Method:  m.Method,
			Args:    m.Args,
		},
		Errors: make([]wireError, 0, len(m.Errors)),
	}
	if env.Data.Args == nil {
		env.Data.Args = []any{}
	}
	for _, e := range m.Errors {
		env.Errors = append(env.Errors, wireError(e))
	}

	data, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding message %s: %w", m.uuid, err)
	}
	return data, nil
}

// Decode parses a payload produced by Encode. local is the identity used for
// any responses built from the decoded message.
func Decode(data []byte, local Local) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}

	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Headers.UUID == "" {
		return nil, fmt.Errorf("%w: missing uuid", ErrMalformedEnvelope)
	}

	m := &Message{
		uuid:       env.Headers.UUID,
		local:      local,
		Sender:     env.Headers.Sender,
		Originator: env.Headers.Originator,
		ReplyTo:    env.Headers.ReplyTo,
		Recipient:  env.Headers.Recipient,
		Status: Status{
			Kind: StatusKind(env.Headers.Status.Kind),
			Note: env.Headers.Status.Note,
		},
		Operation: env.Headers.Operation,
		Thread:    env.Headers.Thread,
		Account:   env.Data.Account,
		Agent:     env.Data.Agent,
		Method:    env.Data.Method,
		Args:      env.Data.Args,
		Time: Times{
			Received: fromNanos(env.Headers.Time.Received),
			Sent:     fromNanos(env.Headers.Time.Sent),
		},
		Errors: make([]ErrorRecord, 0, len(env.Errors)),
	}
	if m.Status.Kind == "" {
		m.Status.Kind = StatusOK
	}
	if m.Args == nil {
		m.Args = []any{}
	}
	for _, e := range env.Errors {
		m.Errors = append(m.Errors, ErrorRecord(e))
	}
	return m, nil
}

func toNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromNanos(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := time.Unix(0, *n).UTC()
	return &t
}
