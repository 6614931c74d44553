package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/tradechat/internal/models"
)

// RedisStore handles the per-room message logs.
//
// Each room keeps a sorted set of message ids, all with score 0, so members
// are ordered lexicographically. Ids are ULIDs, which makes lexicographic
// order the creation order and lets a cursor address "strictly older than
// this id" with ZREVRANGEBYLEX. Bodies live in a hash keyed by id.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for the broker, presence and rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomLogKey returns the key for a room's id index.
func roomLogKey(roomID string) string {
	return fmt.Sprintf("room:%s:log", roomID)
}

// roomMessagesKey returns the key for a room's message bodies.
func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

// roomWordKey returns the search index key for one word in a room.
func roomWordKey(roomID, word string) string {
	return fmt.Sprintf("room:%s:word:%s", roomID, word)
}

// AppendMessage writes the message to the room log, and its words to the
// room's search index, in one MULTI/EXEC.
func (s *RedisStore) AppendMessage(ctx context.Context, msg *models.Message, words []string) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomMessagesKey(msg.RoomID), msg.ID, data)
		pipe.ZAdd(ctx, roomLogKey(msg.RoomID), redis.Z{Score: 0, Member: msg.ID})
		for _, word := range words {
			pipe.ZAdd(ctx, roomWordKey(msg.RoomID, word), redis.Z{Score: 0, Member: msg.ID})
		}
		return nil
	})
	return err
}

// MessageRange is one backward read of a room log.
type MessageRange struct {
	Messages []models.Message // newest first
	// OldestID is the oldest id scanned, even when its body was deleted
	// before it could be read. Empty when nothing was scanned.
	OldestID string
	// More reports that ids older than OldestID exist.
	More bool
}

// ListMessages scans up to limit ids older than before (exclusive), newest
// first, and loads their bodies. An empty before starts at the head of the
// log. More and OldestID come from the scanned ids, so a delete racing the
// read shortens the page without hiding older history.
func (s *RedisStore) ListMessages(ctx context.Context, roomID, before string, limit int) (*MessageRange, error) {
	upper := "+"
	if before != "" {
		upper = "(" + before
	}

	// One extra id tells whether older history remains.
	ids, err := s.client.ZRevRangeByLex(ctx, roomLogKey(roomID), &redis.ZRangeBy{
		Min:   "-",
		Max:   upper,
		Count: int64(limit) + 1,
	}).Result()
	if err != nil {
		return nil, err
	}

	r := &MessageRange{More: len(ids) > limit}
	if r.More {
		ids = ids[:limit]
	}
	if len(ids) > 0 {
		r.OldestID = ids[len(ids)-1]
	}
	r.Messages, err = s.loadMessages(ctx, roomID, ids)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// loadMessages fetches bodies for ids, preserving order and skipping ids
// deleted in the meantime.
func (s *RedisStore) loadMessages(ctx context.Context, roomID string, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return []models.Message{}, nil
	}
	bodies, err := s.client.HMGet(ctx, roomMessagesKey(roomID), ids...).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(bodies))
	for _, body := range bodies {
		data, ok := body.(string)
		if !ok {
			continue // deleted between the two reads
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// GetMessage retrieves a message by id, or nil if it does not exist.
func (s *RedisStore) GetMessage(ctx context.Context, roomID, msgID string) (*models.Message, error) {
	data, err := s.client.HGet(ctx, roomMessagesKey(roomID), msgID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var msg models.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message from the log, the body hash and the
// given word indexes.
func (s *RedisStore) DeleteMessage(ctx context.Context, roomID, msgID string, words []string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, roomLogKey(roomID), msgID)
		pipe.HDel(ctx, roomMessagesKey(roomID), msgID)
		for _, word := range words {
			pipe.ZRem(ctx, roomWordKey(roomID, word), msgID)
		}
		return nil
	})
	return err
}

// SearchMessages returns up to limit messages of a room containing every
// word, newest first.
func (s *RedisStore) SearchMessages(ctx context.Context, roomID string, words []string, limit int) ([]models.Message, error) {
	if len(words) == 0 {
		return []models.Message{}, nil
	}

	var ids []string
	var err error
	if len(words) == 1 {
		ids, err = s.client.ZRevRange(ctx, roomWordKey(roomID, words[0]), 0, int64(limit)-1).Result()
	} else {
		// Every score is 0, so the intersection keeps lexicographic id order.
		keys := make([]string, len(words))
		for i, w := range words {
			keys[i] = roomWordKey(roomID, w)
		}
		tempKey := fmt.Sprintf("search:temp:%s:%d", roomID, time.Now().UnixNano())

		var rangeCmd *redis.StringSliceCmd
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZInterStore(ctx, tempKey, &redis.ZStore{Keys: keys, Aggregate: "MIN"})
			rangeCmd = pipe.ZRevRange(ctx, tempKey, 0, int64(limit)-1)
			pipe.Del(ctx, tempKey)
			return nil
		})
		if err == nil {
			ids, err = rangeCmd.Result()
		}
	}
	if err != nil {
		return nil, err
	}

	return s.loadMessages(ctx, roomID, ids)
}
