// Package fanout distributes newly appended messages to the subscribers of
// a room. A Hub delivers within one process; a RedisBroker bridges Hubs
// across server instances over Redis pub/sub.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/eldtechnologies/tradechat/internal/models"
)

// EventMessage is the only event type: a message was appended to a room.
const EventMessage = "message"

var (
	// ErrInvalidEvent is returned by Decode for payloads that do not match
	// the event schema.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrSlowConsumer closes a subscription whose buffer filled up. The
	// subscriber must reconnect and refetch history.
	ErrSlowConsumer = errors.New("subscriber too slow")
	// ErrBrokerClosed closes subscriptions when the broker shuts down.
	ErrBrokerClosed = errors.New("broker closed")
	// ErrRelayLost ends local subscriptions when the cross-instance relay
	// drops; events may have been missed, so subscribers must refetch.
	ErrRelayLost = errors.New("event relay lost")
)

// Event is the realtime payload for one appended message. CorrelationID
// echoes the sender's optimistic id so its own client can settle the
// pending entry.
type Event struct {
	Type          string         `json:"type" validate:"required,eq=message"`
	RoomID        string         `json:"roomId" validate:"required,uuid"`
	Message       models.Message `json:"message"`
	CorrelationID string         `json:"correlationId,omitempty" validate:"omitempty,uuid"`
}

// NewEvent wraps an appended message.
func NewEvent(msg models.Message, correlationID string) Event {
	return Event{
		Type:          EventMessage,
		RoomID:        msg.RoomID,
		Message:       msg,
		CorrelationID: correlationID,
	}
}

// Broker publishes events and opens per-room subscriptions.
type Broker interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, roomID string) (*Subscription, error)
}

var validate = validator.New()

// Decode parses and validates a realtime payload. Anything that fails here
// never reaches a subscriber.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := Validate(ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks an event against the schema.
func Validate(ev Event) error {
	if err := validate.Struct(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Message.RoomID != ev.RoomID {
		return fmt.Errorf("%w: message belongs to room %s, not %s", ErrInvalidEvent, ev.Message.RoomID, ev.RoomID)
	}
	return nil
}
