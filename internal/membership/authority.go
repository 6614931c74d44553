// Package membership owns room identity and membership. It is the single
// authorization gate: every other component asks Authorize or IsMember
// before touching a room.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/tradechat/internal/metrics"
	"github.com/eldtechnologies/tradechat/internal/models"
	"github.com/eldtechnologies/tradechat/internal/store"
)

const (
	maxNameLength    = 100
	maxPreviewLength = 120
	maxUserIDLength  = 128

	defaultListLimit = 20
	maxListLimit     = 100
)

// Authority implements the room membership operations on top of a DataStore.
type Authority struct {
	store  store.DataStore
	logger zerolog.Logger
}

// NewAuthority creates an Authority.
func NewAuthority(ds store.DataStore, logger zerolog.Logger) *Authority {
	return &Authority{
		store:  ds,
		logger: logger.With().Str("component", "membership").Logger(),
	}
}

// Create creates a room for the given members. Two distinct members without
// a market context resolve to the canonical direct room; a market context
// requires the members to be exactly its buyer and seller and resolves to
// the canonical market room. A name only applies when the room is new.
func (a *Authority) Create(ctx context.Context, memberIDs []string, name string, market *models.MarketContext) (*models.Room, error) {
	members, err := distinctUsers(memberIDs)
	if err != nil {
		return nil, err
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: a room needs at least 2 distinct members", models.ErrValidation)
	}
	name, err = validName(name)
	if err != nil {
		return nil, err
	}

	if market != nil {
		if err := validateMarket(market); err != nil {
			return nil, err
		}
		if len(members) != 2 || !(contains(members, market.BuyerID) && contains(members, market.SellerID)) {
			return nil, fmt.Errorf("%w: market rooms have exactly the buyer and the seller as members", models.ErrValidation)
		}
		return a.findOrCreate(ctx, store.RoomParams{
			Name:      name,
			Market:    market,
			MarketKey: marketKey(market),
			MemberIDs: members,
		}, "market")
	}

	if len(members) == 2 {
		return a.findOrCreate(ctx, store.RoomParams{
			Name:      name,
			DirectKey: directKey(members[0], members[1]),
			MemberIDs: members,
		}, "direct")
	}

	return a.findOrCreate(ctx, store.RoomParams{
		Name:      name,
		MemberIDs: members,
	}, "group")
}

// FindOrCreateDirect returns the canonical two-party room for a and b,
// creating it when absent. Argument order does not matter.
func (a *Authority) FindOrCreateDirect(ctx context.Context, userA, userB string) (*models.Room, error) {
	members, err := distinctUsers([]string{userA, userB})
	if err != nil {
		return nil, err
	}
	if len(members) != 2 {
		return nil, fmt.Errorf("%w: a direct room needs two different users", models.ErrValidation)
	}
	return a.findOrCreate(ctx, store.RoomParams{
		DirectKey: directKey(members[0], members[1]),
		MemberIDs: members,
	}, "direct")
}

// FindOrCreateForMarket returns the canonical room for (market, buyer,
// seller), creating it when absent. The market itself is not validated.
func (a *Authority) FindOrCreateForMarket(ctx context.Context, market models.MarketContext) (*models.Room, error) {
	if err := validateMarket(&market); err != nil {
		return nil, err
	}
	return a.findOrCreate(ctx, store.RoomParams{
		Market:    &market,
		MarketKey: marketKey(&market),
		MemberIDs: []string{market.BuyerID, market.SellerID},
	}, "market")
}

func (a *Authority) findOrCreate(ctx context.Context, p store.RoomParams, kind string) (*models.Room, error) {
	// v7 ids are time ordered, so room inserts stay append-mostly.
	p.ID = uuid.Must(uuid.NewV7())

	room, created, err := a.store.CreateRoom(ctx, p)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, fmt.Errorf("%w: room %s", models.ErrNotFound, p.ID)
	}

	if created {
		metrics.RoomsCreated.WithLabelValues(kind).Inc()
		a.logger.Info().
			Str("room", room.ID.String()).
			Str("kind", kind).
			Int("members", len(room.Members)).
			Msg("room created")
		return room, nil
	}
	return a.restoreParties(ctx, room, p.MemberIDs)
}

// restoreParties re-adds parties who left an existing canonical room, so
// the room found for a pair always has both of them as members.
func (a *Authority) restoreParties(ctx context.Context, room *models.Room, parties []string) (*models.Room, error) {
	rejoined := false
	for _, userID := range parties {
		if room.HasMember(userID) {
			continue
		}
		err := a.store.AddMember(ctx, room.ID, userID)
		if err != nil && !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		rejoined = true
		a.logger.Info().
			Str("room", room.ID.String()).
			Str("user", userID).
			Msg("party rejoined canonical room")
	}
	if !rejoined {
		return room, nil
	}

	room, err := a.store.GetRoom(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, fmt.Errorf("%w: canonical room vanished", models.ErrNotFound)
	}
	return room, nil
}

// IsMember reports whether user belongs to room. It is the only
// authorization primitive; a missing room is simply "not a member".
func (a *Authority) IsMember(ctx context.Context, roomID uuid.UUID, userID string) (bool, error) {
	return a.store.IsMember(ctx, roomID, userID)
}

// Authorize returns nil when user is a member of room, ErrNotFound when the
// room does not exist and ErrForbidden otherwise.
func (a *Authority) Authorize(ctx context.Context, roomID uuid.UUID, userID string) error {
	ok, err := a.store.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	room, err := a.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	return fmt.Errorf("%w: %s is not a member of room %s", models.ErrForbidden, userID, roomID)
}

// Get returns the room with members, visible to members only.
func (a *Authority) Get(ctx context.Context, roomID uuid.UUID, actor string) (*models.Room, error) {
	room, err := a.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	if !room.HasMember(actor) {
		return nil, fmt.Errorf("%w: %s is not a member of room %s", models.ErrForbidden, actor, roomID)
	}
	return room, nil
}

// ListForUser lists the rooms a user belongs to, most recently active first.
func (a *Authority) ListForUser(ctx context.Context, userID string, limit, offset int) ([]models.Room, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return a.store.ListRoomsForUser(ctx, userID, limit, offset)
}

// AddMember adds user to room on behalf of actor, who must be a member.
// Direct and market rooms keep exactly their two parties and refuse new
// members with ErrConflict.
func (a *Authority) AddMember(ctx context.Context, roomID uuid.UUID, actor, userID string) error {
	userID, err := validUser(userID)
	if err != nil {
		return err
	}
	room, err := a.Get(ctx, roomID, actor)
	if err != nil {
		return err
	}
	if room.Canonical() {
		return fmt.Errorf("%w: two-party rooms cannot take new members", models.ErrConflict)
	}
	if err := a.store.AddMember(ctx, roomID, userID); err != nil {
		return err
	}

	a.logger.Info().
		Str("room", roomID.String()).
		Str("user", userID).
		Str("by", actor).
		Msg("member added")
	return nil
}

// RemoveMember removes user from room. Only self-removal (leaving) is
// allowed. Message history is kept.
func (a *Authority) RemoveMember(ctx context.Context, roomID uuid.UUID, actor, userID string) error {
	if actor != userID {
		return fmt.Errorf("%w: members can only remove themselves", models.ErrForbidden)
	}
	if err := a.store.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}

	a.logger.Info().
		Str("room", roomID.String()).
		Str("user", userID).
		Msg("member left")
	return nil
}

// Rename sets the display name. The actor must already be a member.
func (a *Authority) Rename(ctx context.Context, roomID uuid.UUID, actor, name string) (*models.Room, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}
	if err := a.Authorize(ctx, roomID, actor); err != nil {
		return nil, err
	}
	if err := a.store.RenameRoom(ctx, roomID, name); err != nil {
		return nil, err
	}
	return a.Get(ctx, roomID, actor)
}

// RecordActivity updates the derived listing fields after an append.
func (a *Authority) RecordActivity(ctx context.Context, roomID uuid.UUID, msg *models.Message) error {
	return a.store.RecordMessage(ctx, roomID, truncate(msg.Content, maxPreviewLength), msg.CreatedAt)
}

// directKey is the canonical key of an unordered user pair. Length prefixes
// keep ids containing the separator unambiguous.
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s:%s", len(a), a, b)
}

func marketKey(m *models.MarketContext) string {
	return fmt.Sprintf("%d:%s:%d:%s:%s", len(m.MarketID), m.MarketID, len(m.BuyerID), m.BuyerID, m.SellerID)
}

func validateMarket(m *models.MarketContext) error {
	m.MarketID = strings.TrimSpace(m.MarketID)
	m.BuyerID = strings.TrimSpace(m.BuyerID)
	m.SellerID = strings.TrimSpace(m.SellerID)
	if m.MarketID == "" || m.BuyerID == "" || m.SellerID == "" {
		return fmt.Errorf("%w: marketId, buyerId and sellerId are required", models.ErrValidation)
	}
	if m.BuyerID == m.SellerID {
		return fmt.Errorf("%w: buyer and seller must differ", models.ErrValidation)
	}
	return nil
}

func validUser(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	if len(id) > maxUserIDLength {
		return "", fmt.Errorf("%w: user id too long", models.ErrValidation)
	}
	return id, nil
}

// distinctUsers trims, validates and de-duplicates ids, returning them sorted.
func distinctUsers(ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id, err := validUser(id)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// validName trims name and removes control characters. An empty name is
// allowed and clears the display name.
func validName(name string) (string, error) {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", fmt.Errorf("%w: name must be at most %d characters", models.ErrValidation, maxNameLength)
	}
	return name, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
