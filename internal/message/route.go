// ABOUTME: Address parsing for "routing_key:exchange_kind:exchange_name" strings
// ABOUTME: Derives canonical routes used for publishing and loop detection

package message

import "strings"

// Exchange kinds understood by the addressing scheme.
const (
	KindDirect  = "direct"
	KindTopic   = "topic"
	KindFanout  = "fanout"
	KindHeaders = "headers"
	KindMatches = "matches"
)

// Route is a parsed address.
type Route struct {
	Key      string
	Kind     string
	Exchange string
}

// ParseRoute splits an address on ':'. Missing parts take defaults; it never fails.
func ParseRoute(addr string) Route {
	var parts []string
	if addr != "" {
		parts = strings.Split(addr, ":")
	}

	r := Route{Kind: KindDirect}
	if len(parts) > 0 {
		r.Key = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		r.Kind = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		r.Exchange = parts[2]
	} else {
		r.Exchange = DefaultExchange(r.Kind)
	}
	return r
}

// DefaultExchange returns the well-known exchange name for a kind.
func DefaultExchange(kind string) string {
	switch kind {
	case KindFanout, KindTopic, KindHeaders, KindMatches:
		return "amq." + kind
	default:
		return "amq.direct"
	}
}

// Canonical renders the route as key:kind:exchange.
func (r Route) Canonical() string {
	return r.Key + ":" + r.Kind + ":" + r.Exchange
}

// String implements fmt.Stringer.
func (r Route) String() string {
	return r.Canonical()
}

// Route parses one of the message's addresses.
func (m *Message) Route(addr string) Route {
	return ParseRoute(addr)
}

// RoutingKey returns the routing key of addr.
func (m *Message) RoutingKey(addr string) string {
	return ParseRoute(addr).Key
}

// Exchange returns the exchange kind and name of addr.
func (m *Message) Exchange(addr string) (kind, name string) {
	r := ParseRoute(addr)
	return r.Kind, r.Exchange
}

// RecipientRoute is the route the message will be published on.
func (m *Message) RecipientRoute() Route {
	return ParseRoute(m.Recipient)
}

// WillLoop reports whether publishing would deliver the message back to its originator.
func (m *Message) WillLoop() bool {
	if m.Recipient == "" {
		return false
	}
	return ParseRoute(m.Recipient).Canonical() == ParseRoute(m.Originator).Canonical()
}
