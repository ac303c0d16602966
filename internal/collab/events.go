package collab

import "context"

// EventKind discriminates the event types the core and the agent subsystem
// exchange over the event bus.
type EventKind string

const (
	KindProcessExecution EventKind = "process-execution"
	KindMovement         EventKind = "movement"
	KindEmit             EventKind = "emit"
	KindConnection       EventKind = "connection"
	KindEntityChanged    EventKind = "entity-changed"
)

// ProcessState mirrors the scheduler's externally-visible states carried on
// a ProcessExecutionEvent.
type ProcessState string

const (
	ProcessCreated   ProcessState = "CREATED"
	ProcessKilled    ProcessState = "KILLED"
	ProcessCompleted ProcessState = "COMPLETED"
)

// ProcessExecutionEvent is published by the scheduler on admit, kill, and
// final teardown.
type ProcessExecutionEvent struct {
	PID        uint64
	Executable EntityID
	Owner      EntityID
	Name       string
	State      ProcessState
}

// MovementEvent notifies subscribers that Entity moved from one container to another.
type MovementEvent struct {
	Entity EntityID
	From   EntityID
	To     EntityID
}

// EmitEvent is a room broadcast or private message. SubscriptionID is
// carried for subscribers that want to tell subscriptions apart; nothing in
// this server sets it, and the user agent tells its private-message and
// room-emit subscriptions apart by handler instead.
type EmitEvent struct {
	Container      EntityID
	Target         EntityID
	SubscriptionID uint64
	Text           string
}

// ConnectionEvent notifies that a session's connectivity changed.
type ConnectionEvent struct {
	Entity    EntityID
	Connected bool
}

// EntityChangedEvent notifies that a field on an entity changed (e.g. an
// owner-change on a puppet).
type EntityChangedEvent struct {
	Entity EntityID
	Field  string
}

// EventFilter selects which published events a subscription receives.
type EventFilter struct {
	Kind   EventKind
	Target EntityID // zero value matches any target
}

// SubscriptionID identifies a (filter, handler) registration with the bus.
type SubscriptionID uint64

// EventBus is the event-match collaborator: the scheduler and agent
// subsystem consume and publish events through it, but the matching engine
// itself is out of CORE scope.
type EventBus interface {
	Subscribe(filter EventFilter, handler func(any)) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Publish(ctx context.Context, kind EventKind, ev any) error
}
