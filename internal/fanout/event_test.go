package fanout

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/tradechat/internal/models"
)

func testMessage(roomID, content string) models.Message {
	return models.Message{
		ID:        ulid.Make().String(),
		RoomID:    roomID,
		AuthorID:  "alice",
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func TestDecodeValidEvent(t *testing.T) {
	roomID := uuid.NewString()
	correlationID := uuid.NewString()
	data, err := json.Marshal(NewEvent(testMessage(roomID, "hello"), correlationID))
	if err != nil {
		t.Fatal(err)
	}

	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.RoomID != roomID || ev.Message.Content != "hello" || ev.CorrelationID != correlationID {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	roomID := uuid.NewString()
	valid := NewEvent(testMessage(roomID, "hello"), "")

	tests := []struct {
		name   string
		mutate func(ev *Event)
		raw    string
	}{
		{name: "not json", raw: `{"type":`},
		{name: "wrong type", mutate: func(ev *Event) { ev.Type = "typing" }},
		{name: "room not a uuid", mutate: func(ev *Event) { ev.RoomID = "general"; ev.Message.RoomID = "general" }},
		{name: "room mismatch", mutate: func(ev *Event) { ev.Message.RoomID = uuid.NewString() }},
		{name: "missing message id", mutate: func(ev *Event) { ev.Message.ID = "" }},
		{name: "missing author", mutate: func(ev *Event) { ev.Message.AuthorID = "" }},
		{name: "empty content", mutate: func(ev *Event) { ev.Message.Content = "" }},
		{name: "bad correlation id", mutate: func(ev *Event) { ev.CorrelationID = "abc" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := []byte(tt.raw)
			if tt.mutate != nil {
				ev := valid
				tt.mutate(&ev)
				var err error
				data, err = json.Marshal(ev)
				if err != nil {
					t.Fatal(err)
				}
			}
			if _, err := Decode(data); !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("Decode error = %v, want ErrInvalidEvent", err)
			}
		})
	}
}
