package models

import "time"

// Message is an immutable chat message stored in a room log.
type Message struct {
	ID        string    `json:"id" validate:"required,len=26"` // ULID
	RoomID    string    `json:"roomId" validate:"required,uuid"`
	AuthorID  string    `json:"author" validate:"required"`
	Content   string    `json:"content" validate:"required"`
	CreatedAt time.Time `json:"createdAt" validate:"required"`
}

// Page is one backward page of a room log, items ascending by creation time.
type Page struct {
	Items      []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}
