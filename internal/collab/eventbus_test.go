package collab

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	bus := NewInProcessEventBus(nil)
	entity := EntityID{Site: 1, Entity: uuid.New()}

	received := make(chan MovementEvent, 1)
	_, err := bus.Subscribe(EventFilter{Kind: KindMovement, Target: entity}, func(ev any) {
		received <- ev.(MovementEvent)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := MovementEvent{Entity: entity, From: EntityID{Site: 1}, To: EntityID{Site: 2}}
	if err := bus.Publish(context.Background(), KindMovement, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestPublishSkipsNonMatchingTarget(t *testing.T) {
	bus := NewInProcessEventBus(nil)
	wanted := EntityID{Site: 1, Entity: uuid.New()}
	other := EntityID{Site: 1, Entity: uuid.New()}

	called := make(chan struct{}, 1)
	if _, err := bus.Subscribe(EventFilter{Kind: KindMovement, Target: wanted}, func(any) {
		called <- struct{}{}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), KindMovement, MovementEvent{Entity: other}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-called:
		t.Fatal("handler should not have been invoked for non-matching target")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewInProcessEventBus(nil)
	called := make(chan struct{}, 1)
	id, err := bus.Subscribe(EventFilter{Kind: KindConnection}, func(any) {
		called <- struct{}{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Unsubscribe(id)

	if err := bus.Publish(context.Background(), KindConnection, ConnectionEvent{Connected: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-called:
		t.Fatal("handler should not fire after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}
