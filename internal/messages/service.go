// Package messages is the per-room message log: gated appends, backward
// cursor pagination, author deletes and word search.
package messages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/tradechat/internal/fanout"
	"github.com/eldtechnologies/tradechat/internal/metrics"
	"github.com/eldtechnologies/tradechat/internal/models"
	"github.com/eldtechnologies/tradechat/internal/store"
)

const (
	// MaxContentBytes bounds a message body.
	MaxContentBytes = 4096

	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Log is durable per-room message storage. store.RedisStore implements it.
type Log interface {
	AppendMessage(ctx context.Context, msg *models.Message, words []string) error
	ListMessages(ctx context.Context, roomID, before string, limit int) (*store.MessageRange, error)
	GetMessage(ctx context.Context, roomID, msgID string) (*models.Message, error)
	DeleteMessage(ctx context.Context, roomID, msgID string, words []string) error
	SearchMessages(ctx context.Context, roomID string, words []string, limit int) ([]models.Message, error)
}

// Gate is the membership check every operation goes through.
// membership.Authority implements it.
type Gate interface {
	Authorize(ctx context.Context, roomID uuid.UUID, userID string) error
	RecordActivity(ctx context.Context, roomID uuid.UUID, msg *models.Message) error
}

// Publisher hands appended messages to the realtime channel.
type Publisher interface {
	Publish(ctx context.Context, ev fanout.Event) error
}

// Service implements the message store operations.
type Service struct {
	log    Log
	gate   Gate
	pub    Publisher
	ids    *idGenerator
	logger zerolog.Logger
}

// NewService creates a Service.
func NewService(log Log, gate Gate, pub Publisher, logger zerolog.Logger) *Service {
	return &Service{
		log:    log,
		gate:   gate,
		pub:    pub,
		ids:    newIDGenerator(),
		logger: logger.With().Str("component", "messages").Logger(),
	}
}

// Append stores a message from author and publishes it to the room's
// subscribers. The stored record is authoritative: a failed publish is
// logged and subscribers catch up by refetching history.
func (s *Service) Append(ctx context.Context, roomID uuid.UUID, author, content, correlationID string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", models.ErrValidation)
	}
	if len(content) > MaxContentBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", models.ErrValidation, MaxContentBytes)
	}
	if correlationID != "" {
		if _, err := uuid.Parse(correlationID); err != nil {
			return nil, fmt.Errorf("%w: correlationId must be a UUID", models.ErrValidation)
		}
	}

	if err := s.gate.Authorize(ctx, roomID, author); err != nil {
		return nil, err
	}

	id, createdAt := s.ids.next(time.Now())
	msg := &models.Message{
		ID:        id,
		RoomID:    roomID.String(),
		AuthorID:  author,
		Content:   content,
		CreatedAt: createdAt,
	}

	start := time.Now()
	if err := s.log.AppendMessage(ctx, msg, tokenize(content)); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesAppended.Inc()

	if err := s.pub.Publish(ctx, fanout.NewEvent(*msg, correlationID)); err != nil {
		metrics.PublishFailures.Inc()
		s.logger.Warn().Err(err).
			Str("room", msg.RoomID).
			Str("message", msg.ID).
			Msg("realtime publish failed")
	}
	if err := s.gate.RecordActivity(ctx, roomID, msg); err != nil {
		s.logger.Warn().Err(err).
			Str("room", msg.RoomID).
			Msg("failed to record room activity")
	}

	return msg, nil
}

// ListPage returns one backward page of history in ascending order. With
// no cursor it is the newest limit messages; with a cursor it is the limit
// messages strictly older than the cursor id.
func (s *Service) ListPage(ctx context.Context, roomID uuid.UUID, viewer, cursor string, limit int) (*models.Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	before := ""
	if cursor != "" {
		id, err := ulid.ParseStrict(cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed cursor", models.ErrValidation)
		}
		before = id.String()
	}

	if err := s.gate.Authorize(ctx, roomID, viewer); err != nil {
		return nil, err
	}

	r, err := s.log.ListMessages(ctx, roomID.String(), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	items := r.Messages
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	page := &models.Page{Items: items, HasMore: r.More}
	if r.More {
		// Anchored on the oldest scanned id, which may have just been
		// deleted; the cursor range does not need it to exist.
		next := r.OldestID
		page.NextCursor = &next
	}
	return page, nil
}

// Delete hard-deletes a message. Only its author may delete it, and only
// while still a member of the room. Deletes are not broadcast.
func (s *Service) Delete(ctx context.Context, roomID uuid.UUID, messageID, actor string) error {
	if err := s.gate.Authorize(ctx, roomID, actor); err != nil {
		return err
	}

	id, err := ulid.ParseStrict(messageID)
	if err != nil {
		return fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	msg, err := s.log.GetMessage(ctx, roomID.String(), id.String())
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	if msg.AuthorID != actor {
		return fmt.Errorf("%w: only the author can delete a message", models.ErrForbidden)
	}

	if err := s.log.DeleteMessage(ctx, msg.RoomID, msg.ID, tokenize(msg.Content)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	metrics.MessagesDeleted.Inc()

	s.logger.Info().
		Str("room", msg.RoomID).
		Str("message", msg.ID).
		Msg("message deleted")
	return nil
}
