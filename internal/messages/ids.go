package messages

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idGenerator issues strictly increasing ULIDs. Within a millisecond the
// monotonic entropy increments; a wall clock stepping backwards reuses the
// last timestamp so ids never go back in time.
type idGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	lastMs  uint64
}

func newIDGenerator() *idGenerator {
	return &idGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// next returns a new id and the creation time it encodes.
func (g *idGenerator) next(now time.Time) (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(now)
	if ms < g.lastMs {
		ms = g.lastMs
	}
	g.lastMs = ms

	id := ulid.MustNew(ms, g.entropy)
	return id.String(), ulid.Time(ms).UTC()
}
