package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubDeliversToRoomSubscribers(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(8, zerolog.Nop())
	roomA, roomB := uuid.NewString(), uuid.NewString()

	a1, err := hub.Subscribe(ctx, roomA)
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := hub.Subscribe(ctx, roomA)
	b1, _ := hub.Subscribe(ctx, roomB)

	if a1.State() != StateSubscribed {
		t.Errorf("state = %v, want subscribed", a1.State())
	}

	hub.Publish(ctx, NewEvent(testMessage(roomA, "hello"), ""))

	for _, sub := range []*Subscription{a1, a2} {
		if ev := receive(t, sub); ev.Message.Content != "hello" {
			t.Errorf("content = %q, want hello", ev.Message.Content)
		}
	}
	select {
	case ev := <-b1.Events():
		t.Errorf("room B received %+v", ev)
	default:
	}
}

func TestHubPreservesPublishOrder(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(16, zerolog.Nop())
	room := uuid.NewString()
	sub, _ := hub.Subscribe(ctx, room)

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, c := range want {
		hub.Publish(ctx, NewEvent(testMessage(room, c), ""))
	}
	for _, c := range want {
		if got := receive(t, sub).Message.Content; got != c {
			t.Fatalf("got %q, want %q", got, c)
		}
	}
}

func TestHubDropsSlowConsumer(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(1, zerolog.Nop())
	room := uuid.NewString()
	slow, _ := hub.Subscribe(ctx, room)

	hub.Publish(ctx, NewEvent(testMessage(room, "first"), ""))
	hub.Publish(ctx, NewEvent(testMessage(room, "second"), ""))

	if slow.State() != StateClosed {
		t.Fatalf("state = %v, want closed", slow.State())
	}
	if !errors.Is(slow.Err(), ErrSlowConsumer) {
		t.Errorf("Err = %v, want ErrSlowConsumer", slow.Err())
	}
	// Buffered events are still readable, then the channel closes.
	if ev := receive(t, slow); ev.Message.Content != "first" {
		t.Errorf("content = %q, want first", ev.Message.Content)
	}
	if _, ok := <-slow.Events(); ok {
		t.Error("expected closed channel")
	}
	if n := hub.Subscribers(room); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(4, zerolog.Nop())
	room := uuid.NewString()
	sub, _ := hub.Subscribe(ctx, room)

	sub.Close()
	sub.Close()

	if sub.State() != StateClosed {
		t.Errorf("state = %v, want closed", sub.State())
	}
	if sub.Err() != nil {
		t.Errorf("Err = %v, want nil after owner close", sub.Err())
	}
	select {
	case <-sub.Done():
	default:
		t.Error("Done not closed")
	}

	// Publishing after close must not reach or panic on the closed channel.
	hub.Publish(ctx, NewEvent(testMessage(room, "late"), ""))
	if _, ok := <-sub.Events(); ok {
		t.Error("closed subscription received an event")
	}
}

func TestHubClose(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(4, zerolog.Nop())
	sub, _ := hub.Subscribe(ctx, uuid.NewString())

	hub.Close()

	if !errors.Is(sub.Err(), ErrBrokerClosed) {
		t.Errorf("Err = %v, want ErrBrokerClosed", sub.Err())
	}
	if _, err := hub.Subscribe(ctx, uuid.NewString()); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("Subscribe after close = %v, want ErrBrokerClosed", err)
	}
}
