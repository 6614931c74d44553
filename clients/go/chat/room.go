package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eldtechnologies/tradechat/internal/models"
)

const (
	// DefaultPageSize is how many messages a history fetch asks for.
	DefaultPageSize = 50
	// MaxContentBytes mirrors the server's limit so obvious rejects never
	// leave the client.
	MaxContentBytes = 4096

	// catchUpPages bounds the refetch after a reconnect.
	catchUpPages = 10
)

// Transport is what a Room needs from the server. *Client implements it.
type Transport interface {
	ListMessages(ctx context.Context, roomID, cursor string, limit int) (*models.Page, error)
	PostMessage(ctx context.Context, roomID, content, correlationID string) (*models.Message, error)
	DeleteMessage(ctx context.Context, roomID, messageID string) error
	OpenStream(ctx context.Context, roomID string) (EventSource, error)
}

// Snapshot is a consistent copy of a room's state.
type Snapshot struct {
	Entries   []Entry
	Unseen    int
	AtBottom  bool
	HasOlder  bool
	LoadErr   error
	StreamErr error
}

// RoomOption configures a Room.
type RoomOption func(*Room)

// WithPageSize sets the history page size.
func WithPageSize(n int) RoomOption {
	return func(r *Room) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithBackOff sets the reconnect policy.
func WithBackOff(newBackOff func() backoff.BackOff) RoomOption {
	return func(r *Room) {
		r.newBackOff = newBackOff
	}
}

// Room is an open view of one room: the reconciled timeline plus the live
// subscription feeding it. All View access goes through mu.
type Room struct {
	api        Transport
	roomID     string
	pageSize   int
	newBackOff func() backoff.BackOff

	updates chan struct{}

	mu        sync.Mutex
	view      *View
	loadErr   error
	streamErr error
	cancel    context.CancelFunc
	pumpDone  chan struct{}
}

// NewRoom creates a closed room session for user self.
func NewRoom(api Transport, roomID, self string, opts ...RoomOption) *Room {
	r := &Room{
		api:      api,
		roomID:   roomID,
		pageSize: DefaultPageSize,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		updates: make(chan struct{}, 1),
		view:    NewView(roomID, self),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Updates signals after every visible change. Signals coalesce; read
// Snapshot for the state.
func (r *Room) Updates() <-chan struct{} {
	return r.updates
}

func (r *Room) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// Open subscribes and then loads the newest page. A previous subscription
// is closed first, so events never reach a torn-down pump. The stream is
// live before history is read, so a message appended in between shows up
// in one or the other. A failed open is returned and can be retried with
// another Open.
func (r *Room) Open(ctx context.Context) error {
	r.stop()

	src, err := r.api.OpenStream(ctx, r.roomID)
	if err != nil {
		return err
	}

	page, err := r.api.ListMessages(ctx, r.roomID, "", r.pageSize)
	if err != nil {
		src.Close()
		return err
	}
	r.mu.Lock()
	r.view.MergeHistory(*page)
	r.loadErr = nil
	r.streamErr = nil
	r.mu.Unlock()
	r.notify()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.pumpDone = done
	r.mu.Unlock()

	go r.pump(runCtx, src, done)
	return nil
}

// pump owns the event source: it feeds the view, and on a dropped
// connection reconnects and refetches until ctx is cancelled or the server
// refuses for good.
func (r *Room) pump(ctx context.Context, src EventSource, done chan struct{}) {
	defer close(done)

	for {
		r.drain(ctx, src)
		err := src.Err()
		src.Close()
		if ctx.Err() != nil {
			return
		}
		if isTerminal(err) {
			r.setStreamErr(err)
			return
		}

		src = r.reconnect(ctx)
		if src == nil {
			return
		}
	}
}

func (r *Room) drain(ctx context.Context, src EventSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			r.mu.Lock()
			changed := r.view.ReceiveRealtime(ev)
			r.mu.Unlock()
			if changed {
				r.notify()
			}
		}
	}
}

// reconnect resubscribes with backoff. The stream opens before the
// refetch, so nothing appended in between is missed.
func (r *Room) reconnect(ctx context.Context) EventSource {
	var src EventSource
	op := func() error {
		s, err := r.api.OpenStream(ctx, r.roomID)
		if err != nil {
			if isTerminal(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := r.catchUp(ctx); err != nil {
			s.Close()
			if isTerminal(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		src = s
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(r.newBackOff(), ctx)); err != nil {
		if ctx.Err() == nil {
			r.setStreamErr(err)
		}
		return nil
	}
	r.setStreamErr(nil)
	return src
}

// catchUp fetches pages from the newest backward until one overlaps what
// the view already holds.
func (r *Room) catchUp(ctx context.Context) error {
	cursor := ""
	for i := 0; i < catchUpPages; i++ {
		page, err := r.api.ListMessages(ctx, r.roomID, cursor, r.pageSize)
		if err != nil {
			return err
		}

		r.mu.Lock()
		overlap := false
		for _, msg := range page.Items {
			if r.view.Has(msg.ID) {
				overlap = true
				break
			}
		}
		r.view.MergeHistory(*page)
		r.mu.Unlock()
		r.notify()

		if overlap || !page.HasMore || page.NextCursor == nil {
			return nil
		}
		cursor = *page.NextCursor
	}
	return nil
}

func isTerminal(err error) bool {
	return errors.Is(err, models.ErrForbidden) || errors.Is(err, models.ErrNotFound)
}

func (r *Room) setStreamErr(err error) {
	r.mu.Lock()
	r.streamErr = err
	r.mu.Unlock()
	r.notify()
}

// Send shows content immediately as a pending entry and appends it. A
// transient failure leaves the entry failed for Retry and is not returned.
// Validation and authorization errors are returned; the entry is still
// kept as failed so the text is not lost.
func (r *Room) Send(ctx context.Context, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: content is empty", models.ErrValidation)
	}
	if len(content) > MaxContentBytes {
		return "", fmt.Errorf("%w: content exceeds %d bytes", models.ErrValidation, MaxContentBytes)
	}

	r.mu.Lock()
	correlationID := r.view.AppendLocal(content)
	r.mu.Unlock()
	r.notify()

	return correlationID, r.deliver(ctx, correlationID, content)
}

// Retry re-sends a failed entry under its original correlation id.
func (r *Room) Retry(ctx context.Context, correlationID string) error {
	r.mu.Lock()
	content, ok := r.view.Resend(correlationID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no failed message %s", models.ErrNotFound, correlationID)
	}
	r.notify()
	return r.deliver(ctx, correlationID, content)
}

func (r *Room) deliver(ctx context.Context, correlationID, content string) error {
	msg, err := r.api.PostMessage(ctx, r.roomID, content, correlationID)

	r.mu.Lock()
	if err != nil {
		r.view.MarkAsFailed(correlationID)
	} else {
		r.view.MarkAsSent(correlationID, *msg)
	}
	r.mu.Unlock()
	r.notify()

	if err != nil && !errors.Is(err, ErrTransient) {
		return err
	}
	return nil
}

// Cancel discards a pending or failed entry.
func (r *Room) Cancel(correlationID string) bool {
	r.mu.Lock()
	removed := r.view.RemovePending(correlationID)
	r.mu.Unlock()
	if removed {
		r.notify()
	}
	return removed
}

// Delete deletes one of the user's own messages and drops it from the view.
func (r *Room) Delete(ctx context.Context, messageID string) error {
	if err := r.api.DeleteMessage(ctx, r.roomID, messageID); err != nil {
		return err
	}
	r.mu.Lock()
	r.view.Forget(messageID)
	r.mu.Unlock()
	r.notify()
	return nil
}

// LoadOlder fetches the page before the oldest loaded message. A failure
// leaves loaded history alone and is kept in LoadErr until the next
// successful load. It reports whether more history remains.
func (r *Room) LoadOlder(ctx context.Context) (bool, error) {
	r.mu.Lock()
	cursor, hasMore := r.view.OldestCursor()
	r.mu.Unlock()
	if !hasMore {
		return false, nil
	}

	page, err := r.api.ListMessages(ctx, r.roomID, cursor, r.pageSize)
	r.mu.Lock()
	if err != nil {
		r.loadErr = err
		r.mu.Unlock()
		r.notify()
		return true, err
	}
	r.loadErr = nil
	r.view.MergeHistory(*page)
	_, hasMore = r.view.OldestCursor()
	r.mu.Unlock()
	r.notify()
	return hasMore, nil
}

// LoadErr returns the last LoadOlder failure.
func (r *Room) LoadErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadErr
}

// StreamErr returns why live updates stopped, or nil while they flow.
func (r *Room) StreamErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamErr
}

// SetAtBottom forwards viewport position to the view.
func (r *Room) SetAtBottom(atBottom bool) {
	r.mu.Lock()
	r.view.SetAtBottom(atBottom)
	r.mu.Unlock()
	r.notify()
}

// Snapshot returns the current state.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, hasOlder := r.view.OldestCursor()
	return Snapshot{
		Entries:   r.view.Entries(),
		Unseen:    r.view.Unseen(),
		AtBottom:  r.view.AtBottom(),
		HasOlder:  hasOlder,
		LoadErr:   r.loadErr,
		StreamErr: r.streamErr,
	}
}

// Close stops the subscription and waits for it to be torn down. The
// timeline is kept; Open again to resume.
func (r *Room) Close() error {
	r.stop()
	return nil
}

func (r *Room) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.pumpDone
	r.cancel, r.pumpDone = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
