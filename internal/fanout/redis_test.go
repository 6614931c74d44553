package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func startBroker(t *testing.T) (*RedisBroker, *redis.Client, context.CancelFunc, <-chan error) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	broker := NewRedisBroker(client, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- broker.Run(ctx) }()
	t.Cleanup(cancel)
	return broker, client, cancel, done
}

func subscribe(t *testing.T, b Broker, room string) *Subscription {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := b.Subscribe(ctx, room)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

func TestRedisBrokerLiveDelivery(t *testing.T) {
	broker, _, _, _ := startBroker(t)
	room := uuid.NewString()
	sub := subscribe(t, broker, room)

	if sub.State() != StateSubscribed {
		t.Fatalf("state = %v, want subscribed", sub.State())
	}

	msg := testMessage(room, "hello")
	if err := broker.Publish(context.Background(), NewEvent(msg, "")); err != nil {
		t.Fatal(err)
	}

	ev := receive(t, sub)
	if ev.RoomID != room || ev.Message.Content != "hello" || ev.Message.AuthorID != "alice" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestRedisBrokerDropsInvalidPayloads(t *testing.T) {
	broker, client, _, _ := startBroker(t)
	room := uuid.NewString()
	sub := subscribe(t, broker, room)
	ctx := context.Background()

	client.Publish(ctx, roomChannel(room), `{"type":"message","roomId":"nope"}`)
	client.Publish(ctx, roomChannel(room), `garbage`)
	broker.Publish(ctx, NewEvent(testMessage(room, "valid"), ""))

	if ev := receive(t, sub); ev.Message.Content != "valid" {
		t.Errorf("first delivered event = %q, want valid", ev.Message.Content)
	}
}

func TestRedisBrokerPublishValidates(t *testing.T) {
	broker, _, _, _ := startBroker(t)
	ev := NewEvent(testMessage(uuid.NewString(), ""), "")
	if err := broker.Publish(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Publish = %v, want ErrInvalidEvent", err)
	}
}

func TestRedisBrokerShutdownClosesSubscriptions(t *testing.T) {
	broker, _, cancel, done := startBroker(t)
	sub := subscribe(t, broker, uuid.NewString())

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if !errors.Is(sub.Err(), ErrBrokerClosed) {
		t.Errorf("Err = %v, want ErrBrokerClosed", sub.Err())
	}
}

func TestRedisBrokerRetriesInitialSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	broker := NewRedisBroker(client, 8, zerolog.Nop())
	broker.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) }
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go broker.Run(ctx)

	room := uuid.NewString()
	subbed := make(chan *Subscription, 1)
	go func() {
		sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
		defer scancel()
		sub, err := broker.Subscribe(sctx, room)
		if err != nil {
			t.Errorf("Subscribe: %v", err)
		}
		subbed <- sub
	}()

	select {
	case <-subbed:
		t.Fatal("Subscribe returned while redis was down")
	case <-time.After(100 * time.Millisecond):
	}

	if err := mr.Restart(); err != nil {
		t.Fatal(err)
	}
	sub := <-subbed
	if sub == nil {
		t.FailNow()
	}
	defer sub.Close()

	if err := broker.Publish(ctx, NewEvent(testMessage(room, "back"), "")); err != nil {
		t.Fatal(err)
	}
	if ev := receive(t, sub); ev.Message.Content != "back" {
		t.Errorf("content = %q, want back", ev.Message.Content)
	}
}

func TestRedisBrokerRelayLossEndsSubscriptions(t *testing.T) {
	broker, _, _, _ := startBroker(t)
	sub := subscribe(t, broker, uuid.NewString())

	broker.markDown()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription still open after relay loss")
	}
	if !errors.Is(sub.Err(), ErrRelayLost) {
		t.Errorf("Err = %v, want ErrRelayLost", sub.Err())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := broker.Subscribe(ctx, uuid.NewString()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Subscribe while down = %v, want deadline exceeded", err)
	}

	broker.markUp()
	subscribe(t, broker, uuid.NewString())
}
