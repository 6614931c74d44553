package fanout

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/tradechat/internal/metrics"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// Hub is an in-process Broker. Publishing never blocks: a subscriber whose
// buffer is full is dropped with ErrSlowConsumer.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	logger zerolog.Logger
}

// NewHub creates a Hub. buffer <= 0 selects DefaultBuffer.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		rooms:  make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// Publish delivers ev to every current subscriber of ev.RoomID.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.rooms[ev.RoomID] {
		select {
		case sub.events <- ev:
			metrics.EventsDelivered.Inc()
		default:
			metrics.SlowConsumers.Inc()
			h.logger.Warn().
				Str("room", ev.RoomID).
				Msg("dropping slow subscriber")
			h.removeLocked(sub, ErrSlowConsumer)
		}
	}
	return nil
}

// Subscribe opens a subscription on roomID. In-process subscriptions are
// live immediately.
func (h *Hub) Subscribe(_ context.Context, roomID string) (*Subscription, error) {
	sub, err := h.add(roomID)
	if err != nil {
		return nil, err
	}
	sub.markSubscribed()
	return sub, nil
}

// add registers a subscription in the connecting state.
func (h *Hub) add(roomID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrBrokerClosed
	}

	sub := newSubscription(h, roomID, h.buffer)
	subs, ok := h.rooms[roomID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.rooms[roomID] = subs
	}
	subs[sub] = struct{}{}
	metrics.ActiveSubscriptions.Inc()
	return sub, nil
}

func (h *Hub) remove(sub *Subscription, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, err)
}

func (h *Hub) removeLocked(sub *Subscription, err error) {
	if subs, ok := h.rooms[sub.roomID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, sub.roomID)
		}
	}
	if sub.finish(err) {
		metrics.ActiveSubscriptions.Dec()
	}
}

// Subscribers returns the number of open subscriptions on roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// disconnect ends every current subscription with err. New subscriptions
// are still accepted.
func (h *Hub) disconnect(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, subs := range h.rooms {
		for sub := range subs {
			h.removeLocked(sub, err)
		}
	}
}

// Close ends every subscription with ErrBrokerClosed and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, subs := range h.rooms {
		for sub := range subs {
			h.removeLocked(sub, ErrBrokerClosed)
		}
	}
}
