package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"vworld/internal/logging"
)

// envelope is the wire-shape every published event is round-tripped through.
// Msgpack-encoding and decoding on every publish (rather than handing
// subscribers the live event value) keeps delivery transport-agnostic: a
// remote event-bus backend would see exactly these bytes on the wire, and
// local subscribers can't observe or mutate each other's copy.
type envelope struct {
	Kind    EventKind
	Payload msgpack.RawMessage
}

type subscription struct {
	id      SubscriptionID
	filter  EventFilter
	handler func(any)
}

// InProcessEventBus is an in-process pub/sub implementation of EventBus. It
// stands in for the event-match engine that is out of CORE scope: matching
// here is a flat kind+target scan, not a real subscription-parameter
// matcher.
type InProcessEventBus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	next SubscriptionID
	subs map[SubscriptionID]subscription
}

// NewInProcessEventBus constructs an event bus with no subscribers.
func NewInProcessEventBus(logger *slog.Logger) *InProcessEventBus {
	return &InProcessEventBus{
		logger: logging.Default(logger).With("component", "eventbus"),
		subs:   make(map[SubscriptionID]subscription),
	}
}

// Subscribe registers handler for events matching filter.
func (b *InProcessEventBus) Subscribe(filter EventFilter, handler func(any)) (SubscriptionID, error) {
	if handler == nil {
		return 0, fmt.Errorf("eventbus: nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[id] = subscription{id: id, filter: filter, handler: handler}
	return id, nil
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (b *InProcessEventBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish msgpack-encodes ev, then decodes a fresh copy per matching
// subscriber before invoking its handler.
func (b *InProcessEventBus) Publish(ctx context.Context, kind EventKind, ev any) error {
	payload, err := msgpack.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal %s event: %w", kind, err)
	}
	env := envelope{Kind: kind, Payload: payload}

	b.mu.RLock()
	matched := make([]subscription, 0)
	target := targetOf(ev)
	for _, s := range b.subs {
		if s.filter.Kind != kind {
			continue
		}
		if !s.filter.Target.IsZero() && s.filter.Target != target {
			continue
		}
		matched = append(matched, s)
	}
	b.mu.RUnlock()

	for _, s := range matched {
		copy, err := decodeForKind(env)
		if err != nil {
			b.logger.Warn("decode event for subscriber failed", "kind", kind, "error", err)
			continue
		}
		s.handler(copy)
	}
	return nil
}

// targetOf extracts the entity a filter can match against, if the event
// type carries one. Events without an obvious target (process execution)
// simply never match a non-zero target filter.
func targetOf(ev any) EntityID {
	switch v := ev.(type) {
	case MovementEvent:
		return v.Entity
	case EmitEvent:
		return v.Target
	case ConnectionEvent:
		return v.Entity
	case EntityChangedEvent:
		return v.Entity
	default:
		return EntityID{}
	}
}

// decodeForKind decodes env.Payload into a fresh value of the type
// associated with env.Kind.
func decodeForKind(env envelope) (any, error) {
	var err error
	switch env.Kind {
	case KindProcessExecution:
		var v ProcessExecutionEvent
		err = msgpack.Unmarshal(env.Payload, &v)
		return v, err
	case KindMovement:
		var v MovementEvent
		err = msgpack.Unmarshal(env.Payload, &v)
		return v, err
	case KindEmit:
		var v EmitEvent
		err = msgpack.Unmarshal(env.Payload, &v)
		return v, err
	case KindConnection:
		var v ConnectionEvent
		err = msgpack.Unmarshal(env.Payload, &v)
		return v, err
	case KindEntityChanged:
		var v EntityChangedEvent
		err = msgpack.Unmarshal(env.Payload, &v)
		return v, err
	default:
		var v map[string]any
		err = msgpack.Unmarshal(env.Payload, &v)
		return v, err
	}
}
