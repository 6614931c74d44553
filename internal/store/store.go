package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/tradechat/internal/models"
)

// RoomParams describes a room to insert. DirectKey and MarketKey are the
// canonical uniqueness keys; at most one of them is set.
type RoomParams struct {
	ID        uuid.UUID
	Name      string
	Market    *models.MarketContext
	DirectKey string
	MarketKey string
	MemberIDs []string
}

// DataStore defines persistent storage of rooms and their memberships.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// CreateRoom inserts the room and its members in one transaction. When a
	// canonical key collides with an existing room nothing is written and the
	// existing room is returned with created=false.
	CreateRoom(ctx context.Context, p RoomParams) (room *models.Room, created bool, err error)
	// GetRoom returns the room with members loaded, or nil if it does not exist.
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ListRoomsForUser(ctx context.Context, userID string, limit, offset int) ([]models.Room, error)
	RenameRoom(ctx context.Context, id uuid.UUID, name string) error
	RecordMessage(ctx context.Context, id uuid.UUID, preview string, at time.Time) error

	// Membership operations
	IsMember(ctx context.Context, roomID uuid.UUID, userID string) (bool, error)
	AddMember(ctx context.Context, roomID uuid.UUID, userID string) error
	RemoveMember(ctx context.Context, roomID uuid.UUID, userID string) error
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marketColumns(m *models.MarketContext) (marketID, buyerID, sellerID *string) {
	if m == nil {
		return nil, nil, nil
	}
	return &m.MarketID, &m.BuyerID, &m.SellerID
}

func marketFromColumns(marketID, buyerID, sellerID *string) *models.MarketContext {
	if marketID == nil || buyerID == nil || sellerID == nil {
		return nil
	}
	return &models.MarketContext{MarketID: *marketID, BuyerID: *buyerID, SellerID: *sellerID}
}
