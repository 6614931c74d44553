package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/tradechat/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateRoom inserts a room and its members. Canonical key collisions are
// resolved by the unique indexes on direct_key and market_key: the losing
// insert does nothing and the winner's room is returned.
func (s *PostgresStore) CreateRoom(ctx context.Context, p RoomParams) (*models.Room, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	marketID, buyerID, sellerID := marketColumns(p.Market)
	tag, err := tx.Exec(ctx, `
		INSERT INTO rooms (id, name, market_id, buyer_id, seller_id, direct_key, market_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, p.ID, p.Name, marketID, buyerID, sellerID, nullable(p.DirectKey), nullable(p.MarketKey))
	if err != nil {
		return nil, false, err
	}

	if tag.RowsAffected() == 0 {
		// Someone else owns the canonical key.
		if err := tx.Rollback(ctx); err != nil {
			return nil, false, err
		}
		id, err := s.roomIDByKey(ctx, p)
		if err != nil {
			return nil, false, err
		}
		room, err := s.GetRoom(ctx, id)
		return room, false, err
	}

	for _, userID := range p.MemberIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO room_members (room_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, p.ID, userID); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	room, err := s.GetRoom(ctx, p.ID)
	return room, true, err
}

func (s *PostgresStore) roomIDByKey(ctx context.Context, p RoomParams) (uuid.UUID, error) {
	var id uuid.UUID
	var err error
	switch {
	case p.DirectKey != "":
		err = s.pool.QueryRow(ctx, `SELECT id FROM rooms WHERE direct_key = $1`, p.DirectKey).Scan(&id)
	case p.MarketKey != "":
		err = s.pool.QueryRow(ctx, `SELECT id FROM rooms WHERE market_key = $1`, p.MarketKey).Scan(&id)
	default:
		return uuid.Nil, fmt.Errorf("%w: room id %s already exists", models.ErrConflict, p.ID)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%w: canonical room vanished", models.ErrConflict)
	}
	return id, err
}

// GetRoom retrieves a room by ID with its members.
func (s *PostgresStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	room := &models.Room{}
	var marketID, buyerID, sellerID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, market_id, buyer_id, seller_id, direct_key IS NOT NULL, created_at,
		       last_message, last_message_at, message_count
		FROM rooms WHERE id = $1
	`, id).Scan(
		&room.ID,
		&room.Name,
		&marketID,
		&buyerID,
		&sellerID,
		&room.Direct,
		&room.CreatedAt,
		&room.LastMessage,
		&room.LastMessageAt,
		&room.MessageCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	room.Market = marketFromColumns(marketID, buyerID, sellerID)

	rooms := []models.Room{*room}
	if err := s.loadMembers(ctx, rooms); err != nil {
		return nil, err
	}
	return &rooms[0], nil
}

// ListRoomsForUser returns the rooms a user belongs to, most recently active first.
func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string, limit, offset int) ([]models.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.market_id, r.buyer_id, r.seller_id, r.direct_key IS NOT NULL, r.created_at,
		       r.last_message, r.last_message_at, r.message_count
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id AND m.user_id = $1
		ORDER BY COALESCE(r.last_message_at, r.created_at) DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		var room models.Room
		var marketID, buyerID, sellerID *string
		if err := rows.Scan(
			&room.ID,
			&room.Name,
			&marketID,
			&buyerID,
			&sellerID,
			&room.Direct,
			&room.CreatedAt,
			&room.LastMessage,
			&room.LastMessageAt,
			&room.MessageCount,
		); err != nil {
			return nil, err
		}
		room.Market = marketFromColumns(marketID, buyerID, sellerID)
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadMembers(ctx, rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// loadMembers fills Members for every room with a single query.
func (s *PostgresStore) loadMembers(ctx context.Context, rooms []models.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	ids := make([]string, len(rooms))
	index := make(map[uuid.UUID]int, len(rooms))
	for i := range rooms {
		ids[i] = rooms[i].ID.String()
		index[rooms[i].ID] = i
		rooms[i].Members = []models.Member{}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT room_id, user_id, joined_at
		FROM room_members
		WHERE room_id = ANY($1::uuid[])
		ORDER BY joined_at, user_id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.JoinedAt); err != nil {
			return err
		}
		i := index[m.RoomID]
		rooms[i].Members = append(rooms[i].Members, m)
	}
	return rows.Err()
}

// RenameRoom updates the display name.
func (s *PostgresStore) RenameRoom(ctx context.Context, id uuid.UUID, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE rooms SET name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: room %s", models.ErrNotFound, id)
	}
	return nil
}

// RecordMessage bumps the denormalized listing fields.
func (s *PostgresStore) RecordMessage(ctx context.Context, id uuid.UUID, preview string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rooms
		SET message_count = message_count + 1, last_message = $2, last_message_at = $3
		WHERE id = $1
	`, id, preview, at)
	return err
}

// IsMember reports whether a membership row exists.
func (s *PostgresStore) IsMember(ctx context.Context, roomID uuid.UUID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)
	`, roomID, userID).Scan(&exists)
	return exists, err
}

// AddMember inserts a membership row, failing with ErrConflict on duplicates.
func (s *PostgresStore) AddMember(ctx context.Context, roomID uuid.UUID, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO room_members (room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, roomID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is already a member", models.ErrConflict, userID)
	}
	return nil
}

// RemoveMember deletes a membership row. History is untouched.
func (s *PostgresStore) RemoveMember(ctx context.Context, roomID uuid.UUID, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM room_members WHERE room_id = $1 AND user_id = $2
	`, roomID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is not a member", models.ErrNotFound, userID)
	}
	return nil
}
