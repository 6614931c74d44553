package models

import (
	"time"

	"github.com/google/uuid"
)

// MarketContext ties a room to a two-party trade. The core never validates
// that the market exists.
type MarketContext struct {
	MarketID string `json:"marketId" validate:"required,max=128"`
	BuyerID  string `json:"buyerId" validate:"required,max=128"`
	SellerID string `json:"sellerId" validate:"required,max=128"`
}

// Room is a conversation scope with a member set and an optional market context.
type Room struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name,omitempty"`
	Market    *MarketContext `json:"market,omitempty"`
	Direct    bool           `json:"direct,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Members   []Member       `json:"members"`

	// Denormalized for listing UIs; derived from the message log.
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	MessageCount  int64      `json:"messageCount"`
}

// Canonical reports whether the room is the unique direct or market room of
// its parties. Its member set is fixed to those parties.
func (r *Room) Canonical() bool {
	return r.Direct || r.Market != nil
}

// HasMember reports whether userID is in the loaded member list.
func (r *Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Member is a (room, user) membership row.
type Member struct {
	RoomID   uuid.UUID `json:"-"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}
