package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/tradechat/internal/metrics"
)

const channelPattern = "chat:room:*"

func roomChannel(roomID string) string {
	return fmt.Sprintf("chat:room:%s", roomID)
}

// RedisBroker publishes events on Redis pub/sub and relays every room
// channel into a local Hub through a single pattern subscription, so each
// server instance delivers to its own sockets.
type RedisBroker struct {
	client *redis.Client
	hub    *Hub
	logger zerolog.Logger

	// newBackOff paces resubscribe attempts after the relay drops.
	newBackOff func() backoff.BackOff

	mu    sync.Mutex
	ready chan struct{} // closed while the relay is subscribed
	up    bool
}

// NewRedisBroker creates a broker. Run must be started for subscriptions to
// receive events.
func NewRedisBroker(client *redis.Client, buffer int, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		hub:    NewHub(buffer, logger),
		logger: logger.With().Str("component", "redis_broker").Logger(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		ready: make(chan struct{}),
	}
}

// Publish sends ev to every instance subscribed to the room.
func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	if err := Validate(ev); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, roomChannel(ev.RoomID), data).Err()
}

// Subscribe opens a local subscription. It stays in the connecting state
// until the Redis pattern subscription is confirmed, waiting out a relay
// that is resubscribing.
func (b *RedisBroker) Subscribe(ctx context.Context, roomID string) (*Subscription, error) {
	sub, err := b.hub.add(roomID)
	if err != nil {
		return nil, err
	}

	select {
	case <-b.readyCh():
		sub.markSubscribed()
		return sub, nil
	case <-sub.Done():
		return nil, sub.Err()
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	}
}

// Subscribers returns the number of local subscriptions on roomID.
func (b *RedisBroker) Subscribers(roomID string) int {
	return b.hub.Subscribers(roomID)
}

func (b *RedisBroker) readyCh() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *RedisBroker) markUp() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.up {
		b.up = true
		close(b.ready)
	}
}

// markDown makes new subscribers wait again and ends the current ones,
// which may have missed events while the relay was gone.
func (b *RedisBroker) markDown() {
	b.mu.Lock()
	wasUp := b.up
	if wasUp {
		b.up = false
		b.ready = make(chan struct{})
	}
	b.mu.Unlock()
	if wasUp {
		b.hub.disconnect(ErrRelayLost)
	}
}

// Run relays Redis messages into the local hub until ctx is cancelled. A
// failed or dropped pattern subscription is retried with backoff. Local
// subscriptions are closed with ErrBrokerClosed when it returns.
func (b *RedisBroker) Run(ctx context.Context) error {
	defer b.hub.Close()

	bo := backoff.WithContext(b.newBackOff(), ctx)
	for {
		err := b.relay(ctx, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		b.markDown()

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		b.logger.Warn().Err(err).Dur("retry_in", wait).Msg("event relay down, resubscribing")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// relay runs one pattern subscription until it fails. onUp is called once
// Redis confirms it.
func (b *RedisBroker) relay(ctx context.Context, onUp func()) error {
	ps := b.client.PSubscribe(ctx, channelPattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channelPattern, err)
	}
	onUp()
	b.markUp()
	b.logger.Info().Str("pattern", channelPattern).Msg("relaying room events")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			ev, err := Decode([]byte(msg.Payload))
			if err != nil {
				metrics.InvalidEvents.Inc()
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping invalid event")
				continue
			}
			if msg.Channel != roomChannel(ev.RoomID) {
				metrics.InvalidEvents.Inc()
				b.logger.Warn().Str("channel", msg.Channel).Str("room", ev.RoomID).Msg("event on wrong channel")
				continue
			}
			b.hub.Publish(ctx, ev)
		}
	}
}
