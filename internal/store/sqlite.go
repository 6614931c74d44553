package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/tradechat/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/tradechat.db". ":memory:" opens a
// private in-memory database on a single connection.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/tradechat.db"
	}

	dsn := ":memory:?_foreign_keys=on"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
		dsn = dbPath + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway; one connection also keeps ":memory:"
	// pointing at a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		market_id TEXT,
		buyer_id TEXT,
		seller_id TEXT,
		direct_key TEXT UNIQUE,
		market_key TEXT UNIQUE,
		created_at DATETIME NOT NULL,
		last_message TEXT NOT NULL DEFAULT '',
		last_message_at DATETIME,
		message_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		joined_at DATETIME NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRoom inserts a room and its members; see DataStore.
func (s *SQLiteStore) CreateRoom(ctx context.Context, p RoomParams) (*models.Room, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	marketID, buyerID, sellerID := marketColumns(p.Market)
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO rooms (id, name, market_id, buyer_id, seller_id, direct_key, market_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID.String(), p.Name, marketID, buyerID, sellerID, nullable(p.DirectKey), nullable(p.MarketKey), now)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		// The single connection is held by tx until it ends.
		if err := tx.Rollback(); err != nil {
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
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO room_members (room_id, user_id, joined_at)
			VALUES (?, ?, ?)
		`, p.ID.String(), userID, now); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	room, err := s.GetRoom(ctx, p.ID)
	return room, true, err
}

func (s *SQLiteStore) roomIDByKey(ctx context.Context, p RoomParams) (uuid.UUID, error) {
	var idStr string
	var err error
	switch {
	case p.DirectKey != "":
		err = s.db.QueryRowContext(ctx, `SELECT id FROM rooms WHERE direct_key = ?`, p.DirectKey).Scan(&idStr)
	case p.MarketKey != "":
		err = s.db.QueryRowContext(ctx, `SELECT id FROM rooms WHERE market_key = ?`, p.MarketKey).Scan(&idStr)
	default:
		return uuid.Nil, fmt.Errorf("%w: room id %s already exists", models.ErrConflict, p.ID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%w: canonical room vanished", models.ErrConflict)
	}
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(idStr)
}

const sqliteRoomColumns = `id, name, market_id, buyer_id, seller_id, direct_key IS NOT NULL, created_at,
	last_message, last_message_at, message_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoom(row rowScanner) (*models.Room, error) {
	room := &models.Room{}
	var idStr string
	var marketID, buyerID, sellerID sql.NullString
	var lastAt sql.NullTime
	if err := row.Scan(
		&idStr,
		&room.Name,
		&marketID,
		&buyerID,
		&sellerID,
		&room.Direct,
		&room.CreatedAt,
		&room.LastMessage,
		&lastAt,
		&room.MessageCount,
	); err != nil {
		return nil, err
	}

	var err error
	room.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	if marketID.Valid && buyerID.Valid && sellerID.Valid {
		room.Market = &models.MarketContext{
			MarketID: marketID.String,
			BuyerID:  buyerID.String,
			SellerID: sellerID.String,
		}
	}
	if lastAt.Valid {
		t := lastAt.Time
		room.LastMessageAt = &t
	}
	return room, nil
}

// GetRoom retrieves a room by ID with its members.
func (s *SQLiteStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRoomColumns+` FROM rooms WHERE id = ?`, id.String())
	room, err := scanSQLiteRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	room.Members, err = s.members(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// ListRoomsForUser returns the rooms a user belongs to, most recently active first.
func (s *SQLiteStore) ListRoomsForUser(ctx context.Context, userID string, limit, offset int) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.market_id, r.buyer_id, r.seller_id, r.direct_key IS NOT NULL, r.created_at,
		       r.last_message, r.last_message_at, r.message_count
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id AND m.user_id = ?
		ORDER BY COALESCE(r.last_message_at, r.created_at) DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	rooms := []models.Room{}
	for rows.Next() {
		room, err := scanSQLiteRoom(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	// Release the only connection before loading members.
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range rooms {
		rooms[i].Members, err = s.members(ctx, rooms[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (s *SQLiteStore) members(ctx context.Context, roomID uuid.UUID) ([]models.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, joined_at FROM room_members
		WHERE room_id = ?
		ORDER BY joined_at, user_id
	`, roomID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []models.Member{}
	for rows.Next() {
		m := models.Member{RoomID: roomID}
		if err := rows.Scan(&m.UserID, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// RenameRoom updates the display name.
func (s *SQLiteStore) RenameRoom(ctx context.Context, id uuid.UUID, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET name = ? WHERE id = ?`, name, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: room %s", models.ErrNotFound, id)
	}
	return nil
}

// RecordMessage bumps the denormalized listing fields.
func (s *SQLiteStore) RecordMessage(ctx context.Context, id uuid.UUID, preview string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rooms
		SET message_count = message_count + 1, last_message = ?, last_message_at = ?
		WHERE id = ?
	`, preview, at.UTC(), id.String())
	return err
}

// IsMember reports whether a membership row exists.
func (s *SQLiteStore) IsMember(ctx context.Context, roomID uuid.UUID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?
	`, roomID.String(), userID).Scan(&n)
	return n > 0, err
}

// AddMember inserts a membership row, failing with ErrConflict on duplicates.
func (s *SQLiteStore) AddMember(ctx context.Context, roomID uuid.UUID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_members (room_id, user_id, joined_at)
		VALUES (?, ?, ?)
	`, roomID.String(), userID, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is already a member", models.ErrConflict, userID)
	}
	return nil
}

// RemoveMember deletes a membership row. History is untouched.
func (s *SQLiteStore) RemoveMember(ctx context.Context, roomID uuid.UUID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM room_members WHERE room_id = ? AND user_id = ?
	`, roomID.String(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is not a member", models.ErrNotFound, userID)
	}
	return nil
}
