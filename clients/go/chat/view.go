package chat

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/tradechat/internal/fanout"
	"github.com/eldtechnologies/tradechat/internal/models"
)

// Status of an entry in a View.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is one visible line of a room: either a server message (ID set,
// status sent) or a local pending message (CorrelationID set).
type Entry struct {
	ID            string    `json:"id,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	AuthorID      string    `json:"author"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
	Status        Status    `json:"status"`
}

// Pending reports whether the entry has not been confirmed by the server.
func (e Entry) Pending() bool {
	return e.ID == ""
}

type pending struct {
	correlationID string
	content       string
	status        Status
	createdAt     time.Time
	seq           uint64
}

// View merges history pages, local pending sends and realtime events for
// one room into a single ordered, deduplicated timeline.
//
// Server messages are keyed by id, pending entries by correlation id, so
// the same message arriving from the send response and from the stream in
// either order is stored once. Order comes only from server time and id.
//
// View is not safe for concurrent use; Room serializes access.
type View struct {
	roomID string
	self   string

	messages map[string]models.Message
	pending  map[string]*pending
	seq      uint64

	oldestID string
	hasMore  bool
	loaded   bool

	atBottom bool
	unseen   int

	now func() time.Time
}

// NewView creates an empty view of roomID for the user self.
func NewView(roomID, self string) *View {
	return &View{
		roomID:   roomID,
		self:     self,
		messages: make(map[string]models.Message),
		pending:  make(map[string]*pending),
		atBottom: true,
		now:      time.Now,
	}
}

// RoomID returns the room this view tracks.
func (v *View) RoomID() string {
	return v.roomID
}

// AppendLocal adds an optimistic entry with status sending and returns its
// correlation id.
func (v *View) AppendLocal(content string) string {
	v.seq++
	id := uuid.NewString()
	v.pending[id] = &pending{
		correlationID: id,
		content:       content,
		status:        StatusSending,
		createdAt:     v.now(),
		seq:           v.seq,
	}
	return id
}

// MarkAsSent replaces the pending entry with the server's message. If the
// message already arrived on the stream, only the pending entry goes away.
func (v *View) MarkAsSent(correlationID string, msg models.Message) {
	delete(v.pending, correlationID)
	v.insert(msg)
}

// MarkAsFailed keeps the entry visible with status failed. It reports
// false if there is no such pending entry.
func (v *View) MarkAsFailed(correlationID string) bool {
	p, ok := v.pending[correlationID]
	if !ok {
		return false
	}
	p.status = StatusFailed
	return true
}

// Resend moves a failed entry back to sending and returns its content for
// another attempt under the same correlation id.
func (v *View) Resend(correlationID string) (string, bool) {
	p, ok := v.pending[correlationID]
	if !ok || p.status != StatusFailed {
		return "", false
	}
	p.status = StatusSending
	return p.content, true
}

// RemovePending discards a pending entry, sending or failed.
func (v *View) RemovePending(correlationID string) bool {
	if _, ok := v.pending[correlationID]; !ok {
		return false
	}
	delete(v.pending, correlationID)
	return true
}

// MergeHistory adds a history page. Pages may arrive in any order and may
// overlap what is already known.
func (v *View) MergeHistory(page models.Page) {
	for _, msg := range page.Items {
		if msg.RoomID != "" && msg.RoomID != v.roomID {
			continue
		}
		v.insert(msg)
	}

	// Only the oldest edge of history drives backward pagination.
	switch {
	case len(page.Items) > 0:
		first := page.Items[0].ID
		if v.oldestID == "" || first < v.oldestID {
			v.oldestID = first
			v.hasMore = page.HasMore
		}
	case !v.loaded:
		v.hasMore = page.HasMore
	}
	v.loaded = true
}

// ReceiveRealtime merges a pushed event. An event carrying the correlation
// id of a local pending entry settles it. It reports whether the timeline
// changed.
func (v *View) ReceiveRealtime(ev fanout.Event) bool {
	if ev.RoomID != v.roomID {
		return false
	}
	if ev.CorrelationID != "" {
		if _, ok := v.pending[ev.CorrelationID]; ok {
			delete(v.pending, ev.CorrelationID)
			v.insert(ev.Message)
			return true
		}
	}
	if !v.insert(ev.Message) {
		return false
	}
	if !v.atBottom {
		v.unseen++
	}
	return true
}

// Forget drops a server message, after a delete.
func (v *View) Forget(messageID string) bool {
	if _, ok := v.messages[messageID]; !ok {
		return false
	}
	delete(v.messages, messageID)
	return true
}

// Has reports whether a server message is already known.
func (v *View) Has(messageID string) bool {
	_, ok := v.messages[messageID]
	return ok
}

func (v *View) insert(msg models.Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, ok := v.messages[msg.ID]; ok {
		return false
	}
	v.messages[msg.ID] = msg
	return true
}

// Entries returns the timeline: server messages ascending by (createdAt,
// id), then pending entries in the order they were created. Calling it
// repeatedly without mutations returns equal slices.
func (v *View) Entries() []Entry {
	entries := make([]Entry, 0, len(v.messages)+len(v.pending))

	server := make([]models.Message, 0, len(v.messages))
	for _, msg := range v.messages {
		server = append(server, msg)
	}
	sort.Slice(server, func(i, j int) bool {
		a, b := server[i], server[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	for _, msg := range server {
		entries = append(entries, Entry{
			ID:        msg.ID,
			AuthorID:  msg.AuthorID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
			Status:    StatusSent,
		})
	}

	local := make([]*pending, 0, len(v.pending))
	for _, p := range v.pending {
		local = append(local, p)
	}
	sort.Slice(local, func(i, j int) bool { return local[i].seq < local[j].seq })
	for _, p := range local {
		entries = append(entries, Entry{
			CorrelationID: p.correlationID,
			AuthorID:      v.self,
			Content:       p.content,
			CreatedAt:     p.createdAt,
			Status:        p.status,
		})
	}
	return entries
}

// SetAtBottom records whether the viewer is looking at the newest message.
// Returning to the bottom clears the unseen counter.
func (v *View) SetAtBottom(atBottom bool) {
	v.atBottom = atBottom
	if atBottom {
		v.unseen = 0
	}
}

// AtBottom reports the viewport position.
func (v *View) AtBottom() bool {
	return v.atBottom
}

// Unseen counts realtime arrivals since the viewer scrolled away.
func (v *View) Unseen() int {
	return v.unseen
}

// OldestCursor returns the cursor for the next older page and whether the
// server reported more history behind it.
func (v *View) OldestCursor() (string, bool) {
	return v.oldestID, v.hasMore
}
