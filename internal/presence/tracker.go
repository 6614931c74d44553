// Package presence keeps an ephemeral, per-room set of online users. It is
// for display only and never consulted for authorization.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a member stays online without a heartbeat.
const DefaultTTL = 45 * time.Second

// Entry is one online member.
type Entry struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// Tracker stores presence in one sorted set per room, scored by last-seen
// milliseconds. Each open connection is its own member, so a user stays
// online until their last connection leaves or expires.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewTracker creates a Tracker. ttl <= 0 selects DefaultTTL.
func NewTracker(client *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{client: client, ttl: ttl, now: time.Now}
}

// TTL returns the expiry window.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

func presenceKey(roomID uuid.UUID) string {
	return fmt.Sprintf("presence:room:%s", roomID)
}

// sessionMember joins a connection id and user id into one set member.
// Connection ids never contain a colon; user ids may.
func sessionMember(userID, connID string) string {
	return connID + ":" + userID
}

func userOf(member string) string {
	_, userID, ok := strings.Cut(member, ":")
	if !ok {
		return member
	}
	return userID
}

// Announce marks user online in room over connection connID.
func (t *Tracker) Announce(ctx context.Context, roomID uuid.UUID, userID, connID string) error {
	key := presenceKey(roomID)
	now := t.now()

	pipe := t.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: sessionMember(userID, connID)})
	// The whole set disappears once nobody has been seen for a while.
	pipe.Expire(ctx, key, 2*t.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes the connection's last-seen time.
func (t *Tracker) Heartbeat(ctx context.Context, roomID uuid.UUID, userID, connID string) error {
	return t.Announce(ctx, roomID, userID, connID)
}

// Leave drops one connection. The user stays online while another of
// their connections is live.
func (t *Tracker) Leave(ctx context.Context, roomID uuid.UUID, userID, connID string) error {
	return t.client.ZRem(ctx, presenceKey(roomID), sessionMember(userID, connID)).Err()
}

// Online prunes expired entries and returns one entry per user, most
// recent first.
func (t *Tracker) Online(ctx context.Context, roomID uuid.UUID) ([]Entry, error) {
	key := presenceKey(roomID)
	cutoff := t.now().Add(-t.ttl).UnixMilli()

	pipe := t.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	rangeCmd := pipe.ZRevRangeWithScores(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rangeCmd.Val()))
	seen := make(map[string]bool)
	for _, z := range rangeCmd.Val() {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		userID := userOf(member)
		if seen[userID] {
			continue
		}
		seen[userID] = true
		entries = append(entries, Entry{
			UserID:   userID,
			LastSeen: time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return entries, nil
}
