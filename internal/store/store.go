// ABOUTME: Ledger types and interface for emissary persistence
// ABOUTME: Records supervisor lifecycle events and messages processed by operators

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Operator lifecycle events written by the supervisor.
const (
	EventSpawned     = "spawned"
	EventSpawnFailed = "spawn_failed"
	EventExited      = "exited"
	EventStopped     = "stopped"
	EventKilled      = "killed"
	EventRemoved     = "removed"
	EventSkipped     = "skipped"
	EventReconfigure = "reconfigured"
	EventRestart     = "restart"
	EventShutdown    = "shutdown"
)

// OperatorEvent is one supervisor observation about an operator.
type OperatorEvent struct {
	ID         int64
	Signature  string
	Event      string
	PID        int
	StartCount int
	Detail     string
	CreatedAt  time.Time
}

// MessageRecord is one inbound message an operator finished handling.
type MessageRecord struct {
	UUID      string
	Signature string
	Agent     string
	Method    string
	Status    string
	Note      string
	TripTime  time.Duration
	CreatedAt time.Time
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Signature string
	Limit     int
}

// Ledger is the persistence surface used by the daemon and operators.
type Ledger interface {
	RecordEvent(ctx context.Context, ev *OperatorEvent) error
	ListEvents(ctx context.Context, f EventFilter) ([]*OperatorEvent, error)
	RecordMessage(ctx context.Context, rec *MessageRecord) error
	ListMessages(ctx context.Context, signature string, limit int) ([]*MessageRecord, error)
	GetMessage(ctx context.Context, uuid string) (*MessageRecord, error)
	Close() error
}
