package fanout

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle of a Subscription.
type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is one subscriber's view of a room channel. It is owned by
// whoever opened it and must be closed explicitly.
type Subscription struct {
	roomID string
	hub    *Hub
	events chan Event
	done   chan struct{}

	state atomic.Int32
	once  sync.Once

	mu  sync.Mutex
	err error
}

func newSubscription(hub *Hub, roomID string, buffer int) *Subscription {
	return &Subscription{
		roomID: roomID,
		hub:    hub,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// RoomID returns the subscribed room.
func (s *Subscription) RoomID() string {
	return s.roomID
}

// Events delivers events in publish order. The channel is closed when the
// subscription ends; Err reports why.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// State reports the current lifecycle state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Err returns the reason the subscription ended, or nil if it is still
// open or was closed by its owner.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. When it returns no further events will be delivered.
// Calling Close more than once is a no-op.
func (s *Subscription) Close() error {
	s.hub.remove(s, nil)
	return nil
}

func (s *Subscription) markSubscribed() {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateSubscribed))
}

// finish must be called with the hub lock held so no publisher is sending
// on events concurrently.
func (s *Subscription) finish(err error) bool {
	finished := false
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.state.Store(int32(StateClosed))
		close(s.events)
		close(s.done)
		finished = true
	})
	return finished
}
