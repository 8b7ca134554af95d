// Package operator runs one configured message bus binding inside an
// operator process.
//
// # Overview
//
// An Operator owns a transport.Transport and two worker pools. Inbound
// deliveries are decoded on the transport's goroutine, recorded as
// unacknowledged, and handed to the inbound pool where the agent dispatcher
// runs them. Replies go through the outbound pool, which publishes them.
//
//	transport ──▶ handleDelivery ──▶ inbound pool ──▶ dispatcher/agent
//	                                                      │
//	transport ◀── publish ◀── outbound pool ◀── Send ◀────┘
//
// # Settlement
//
// Every delivery is settled exactly once:
//
//   - malformed bodies are rejected with requeue and never answered
//   - a successful dispatch is acknowledged and counts toward rx
//   - a failed dispatch (invalid method or handler failure) is rejected with
//     requeue, answered with exactly one error reply, and not counted
//   - a uuid that already completed within dedupe_ttl is acknowledged
//     without dispatch
//   - deliveries still unsettled at shutdown are rejected with requeue
//
// Acknowledge and Reject take a message uuid and ignore uuids they do not
// know, so locally built messages (notifications, stats) flow through the
// same path with nothing to settle.
//
// # Outbound
//
// A message whose recipient resolves to its own originator is dropped
// instead of published. The first publish failure marks the operator
// broken: later sends are dropped and Run shuts the operator down.
//
// # Lifecycle
//
//	disconnected → connecting → connected → running → shutting_down → disconnected
//
// Shutdown runs once: shutdown notification, stats timer, inbound pool,
// outbound pool, unsubscribe, requeue, close.
//
// # Notifications
//
// The startup and shutdown options name recipient addresses; the stats
// block enables periodic host statistics. Any of them can be switched off
// with the disable list. Throughput and pool occupancy are logged every
// stats interval (hourly by default) whether or not stats are enabled.
package operator
