package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eldtechnologies/tradechat/internal/fanout"
	"github.com/eldtechnologies/tradechat/internal/models"
)

// fakeSource is an EventSource driven by the test.
type fakeSource struct {
	events chan fanout.Event
	once   sync.Once
	mu     sync.Mutex
	err    error
	closed chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan fanout.Event, 16), closed: make(chan struct{})}
}

func (s *fakeSource) Events() <-chan fanout.Event { return s.events }

func (s *fakeSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// drop ends the stream from the server side.
func (s *fakeSource) drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.events) })
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.events) })
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

// fakeTransport serves a fixed log and records calls.
type fakeTransport struct {
	mu       sync.Mutex
	log      []models.Message // ascending
	postErr  []error          // consumed per PostMessage call
	listErr  error
	sources  []*fakeSource
	opened   chan *fakeSource
	openErr  error
	posts    int
	nextTime time.Duration
	onOpen   func() // runs after the stream is live, before OpenStream returns
}

func newFakeTransport(log ...models.Message) *fakeTransport {
	return &fakeTransport{log: log, opened: make(chan *fakeSource, 8), nextTime: time.Minute}
}

func (f *fakeTransport) ListMessages(_ context.Context, _, cursor string, limit int) (*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	end := len(f.log)
	if cursor != "" {
		end = 0
		for i, m := range f.log {
			if m.ID < cursor {
				end = i + 1
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	items := append([]models.Message(nil), f.log[start:end]...)
	page := &models.Page{Items: items, HasMore: start > 0}
	if page.HasMore {
		c := items[0].ID
		page.NextCursor = &c
	}
	return page, nil
}

func (f *fakeTransport) PostMessage(_ context.Context, _, content, _ string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts++
	if len(f.postErr) > 0 {
		err := f.postErr[0]
		f.postErr = f.postErr[1:]
		if err != nil {
			return nil, err
		}
	}
	msg := serverMessage(f.nextTime, "alice", content)
	f.nextTime += time.Second
	f.log = append(f.log, msg)
	return &msg, nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.log {
		if m.ID == messageID {
			f.log = append(f.log[:i], f.log[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: message", models.ErrNotFound)
}

func (f *fakeTransport) OpenStream(context.Context, string) (EventSource, error) {
	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.mu.Unlock()
		return nil, err
	}
	s := newFakeSource()
	f.sources = append(f.sources, s)
	hook := f.onOpen
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.opened <- s
	return s, nil
}

// add appends to the server log as if another member had sent it.
func (f *fakeTransport) add(msg models.Message) {
	f.mu.Lock()
	f.log = append(f.log, msg)
	f.mu.Unlock()
}

func waitSource(t *testing.T, f *fakeTransport) *fakeSource {
	t.Helper()
	select {
	case s := <-f.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not opened")
		return nil
	}
}

// waitFor polls the room snapshot until cond holds.
func waitFor(t *testing.T, r *Room, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		snap := r.Snapshot()
		if cond(snap) {
			return snap
		}
		select {
		case <-r.Updates():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("condition not met, last snapshot: %+v", snap)
		}
	}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func logOf(n int) []models.Message {
	msgs := make([]models.Message, n)
	for i := range msgs {
		msgs[i] = serverMessage(time.Duration(i+1)*time.Second, "bob", fmt.Sprintf("m%d", i+1))
	}
	return msgs
}

func TestRoomOpenLoadsNewestPage(t *testing.T) {
	api := newFakeTransport(logOf(5)...)
	r := NewRoom(api, testRoom, "alice", WithPageSize(2))
	defer r.Close()

	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Entries) != 2 || snap.Entries[0].Content != "m4" || snap.Entries[1].Content != "m5" {
		t.Fatalf("expected [m4 m5], got %+v", snap.Entries)
	}
	if !snap.HasOlder {
		t.Error("expected older history")
	}

	more, err := r.LoadOlder(context.Background())
	if err != nil || !more {
		t.Fatalf("LoadOlder = %v, %v", more, err)
	}
	more, err = r.LoadOlder(context.Background())
	if err != nil || more {
		t.Fatalf("LoadOlder = %v, %v", more, err)
	}
	if n := len(r.Snapshot().Entries); n != 5 {
		t.Errorf("expected 5 entries, got %d", n)
	}
}

func TestRoomOpenFailureIsReturned(t *testing.T) {
	api := newFakeTransport()
	api.listErr = fmt.Errorf("%w: connection refused", ErrTransient)
	r := NewRoom(api, testRoom, "alice")

	if err := r.Open(context.Background()); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}

	api.mu.Lock()
	api.listErr = nil
	api.mu.Unlock()
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("retry Open failed: %v", err)
	}
	r.Close()
}

func TestRoomOpenKeepsMessagesSentWhileSubscribing(t *testing.T) {
	api := newFakeTransport(logOf(3)...)
	api.onOpen = func() {
		api.add(serverMessage(10*time.Second, "bob", "late"))
	}
	r := NewRoom(api, testRoom, "alice")
	defer r.Close()

	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	src := waitSource(t, api)
	src.events <- fanout.NewEvent(serverMessage(11*time.Second, "bob", "after"), "")

	snap := waitFor(t, r, func(s Snapshot) bool { return len(s.Entries) == 5 })
	var got []string
	for _, e := range snap.Entries {
		got = append(got, e.Content)
	}
	if strings.Join(got, " ") != "m1 m2 m3 late after" {
		t.Errorf("entries = %v, want [m1 m2 m3 late after]", got)
	}
}

func TestRoomOpenClosesStreamWhenHistoryFails(t *testing.T) {
	api := newFakeTransport()
	api.listErr = fmt.Errorf("%w: connection refused", ErrTransient)
	r := NewRoom(api, testRoom, "alice")

	if err := r.Open(context.Background()); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	src := waitSource(t, api)
	select {
	case <-src.closed:
	case <-time.After(time.Second):
		t.Error("stream left open after failed history load")
	}
}

func TestRoomLiveDelivery(t *testing.T) {
	api := newFakeTransport()
	r := NewRoom(api, testRoom, "alice")
	defer r.Close()
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	src := waitSource(t, api)

	msg := serverMessage(time.Second, "bob", "hello")
	src.events <- fanout.NewEvent(msg, "")

	snap := waitFor(t, r, func(s Snapshot) bool { return len(s.Entries) == 1 })
	if snap.Entries[0].Content != "hello" || snap.Entries[0].AuthorID != "bob" {
		t.Errorf("unexpected entry %+v", snap.Entries[0])
	}
}

func TestRoomSendAndEcho(t *testing.T) {
	api := newFakeTransport()
	r := NewRoom(api, testRoom, "alice")
	defer r.Close()
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	src := waitSource(t, api)

	cid, err := r.Send(context.Background(), "  hi  ")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].Status != StatusSent || snap.Entries[0].Content != "hi" {
		t.Fatalf("expected one sent entry, got %+v", snap.Entries)
	}

	// The server echoes the same message on the stream.
	api.mu.Lock()
	echo := api.log[len(api.log)-1]
	api.mu.Unlock()
	src.events <- fanout.NewEvent(echo, cid)

	time.Sleep(20 * time.Millisecond)
	if n := len(r.Snapshot().Entries); n != 1 {
		t.Errorf("echo duplicated the entry: %d entries", n)
	}
}

func TestRoomSendValidation(t *testing.T) {
	api := newFakeTransport()
	r := NewRoom(api, testRoom, "alice")

	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"whitespace", " \n\t"},
		{"too long", strings.Repeat("x", MaxContentBytes+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Send(context.Background(), tt.content); !errors.Is(err, models.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
	if api.posts != 0 {
		t.Errorf("invalid content reached the server %d times", api.posts)
	}
	if n := len(r.Snapshot().Entries); n != 0 {
		t.Errorf("expected no entries, got %d", n)
	}
}

func TestRoomFailedSendAndRetry(t *testing.T) {
	api := newFakeTransport()
	api.postErr = []error{fmt.Errorf("%w: connection reset", ErrTransient)}
	r := NewRoom(api, testRoom, "alice")

	cid, err := r.Send(context.Background(), "important")
	if err != nil {
		t.Fatalf("transient failure should not be returned, got %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].Status != StatusFailed || snap.Entries[0].CorrelationID != cid {
		t.Fatalf("expected one failed entry, got %+v", snap.Entries)
	}

	if err := r.Retry(context.Background(), cid); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	snap = r.Snapshot()
	if len(snap.Entries) != 1 {
		t.Fatalf("expected exactly one entry after retry, got %+v", snap.Entries)
	}
	if snap.Entries[0].Pending() || snap.Entries[0].Content != "important" {
		t.Errorf("expected server entry, got %+v", snap.Entries[0])
	}
	if api.posts != 2 {
		t.Errorf("expected 2 attempts, got %d", api.posts)
	}

	if err := r.Retry(context.Background(), cid); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("retrying a settled entry: expected ErrNotFound, got %v", err)
	}
}

func TestRoomTerminalSendError(t *testing.T) {
	api := newFakeTransport()
	api.postErr = []error{&APIError{Status: 403, Kind: KindForbidden, Message: "not a member"}}
	r := NewRoom(api, testRoom, "alice")

	cid, err := r.Send(context.Background(), "hello?")
	if !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].Status != StatusFailed {
		t.Fatalf("typed text should stay visible as failed, got %+v", snap.Entries)
	}

	if !r.Cancel(cid) {
		t.Fatal("Cancel should remove the entry")
	}
	if len(r.Snapshot().Entries) != 0 {
		t.Error("expected no entries after Cancel")
	}
}

func TestRoomLoadOlderFailureKeepsHistory(t *testing.T) {
	api := newFakeTransport(logOf(4)...)
	r := NewRoom(api, testRoom, "alice", WithPageSize(2))
	defer r.Close()
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.listErr = fmt.Errorf("%w: timeout", ErrTransient)
	api.mu.Unlock()

	if _, err := r.LoadOlder(context.Background()); err == nil {
		t.Fatal("expected LoadOlder to fail")
	}
	snap := r.Snapshot()
	if len(snap.Entries) != 2 {
		t.Errorf("loaded history changed: %+v", snap.Entries)
	}
	if snap.LoadErr == nil || r.LoadErr() == nil {
		t.Error("expected LoadErr to be set")
	}

	api.mu.Lock()
	api.listErr = nil
	api.mu.Unlock()
	if _, err := r.LoadOlder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.LoadErr() != nil {
		t.Error("LoadErr should clear after a successful load")
	}
	if n := len(r.Snapshot().Entries); n != 4 {
		t.Errorf("expected 4 entries, got %d", n)
	}
}

func TestRoomReconnectRefetches(t *testing.T) {
	api := newFakeTransport(logOf(2)...)
	r := NewRoom(api, testRoom, "alice", WithBackOff(fastBackOff))
	defer r.Close()
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := waitSource(t, api)

	// Appended while the connection is down; no event is ever pushed.
	missed := serverMessage(10*time.Second, "bob", "missed")
	api.add(missed)
	first.drop(fmt.Errorf("%w: slow consumer", ErrTransient))

	waitSource(t, api)
	snap := waitFor(t, r, func(s Snapshot) bool { return len(s.Entries) == 3 })
	if snap.Entries[2].ID != missed.ID {
		t.Errorf("expected the missed message last, got %+v", snap.Entries[2])
	}
	if snap.StreamErr != nil {
		t.Errorf("unexpected stream error %v", snap.StreamErr)
	}
}

func TestRoomStopsOnRevokedMembership(t *testing.T) {
	api := newFakeTransport()
	r := NewRoom(api, testRoom, "alice", WithBackOff(fastBackOff))
	defer r.Close()
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	src := waitSource(t, api)

	src.drop(fmt.Errorf("%w: membership revoked", models.ErrForbidden))

	snap := waitFor(t, r, func(s Snapshot) bool { return s.StreamErr != nil })
	if !errors.Is(snap.StreamErr, models.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", snap.StreamErr)
	}
	select {
	case <-api.opened:
		t.Error("should not reconnect after membership is revoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoomReopenClosesPreviousSubscription(t *testing.T) {
	api := newFakeTransport()
	r := NewRoom(api, testRoom, "alice")
	defer r.Close()

	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := waitSource(t, api)

	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitSource(t, api)

	select {
	case <-first.closed:
	default:
		t.Fatal("first subscription should be closed before the second opens")
	}
}

func TestRoomCloseIsSynchronous(t *testing.T) {
	api := newFakeTransport()
	r := NewRoom(api, testRoom, "alice")
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	src := waitSource(t, api)

	r.Close()
	select {
	case <-src.closed:
	default:
		t.Fatal("Close returned before the subscription was closed")
	}
	r.Close() // idempotent
}

func TestRoomDelete(t *testing.T) {
	msgs := logOf(2)
	api := newFakeTransport(msgs...)
	r := NewRoom(api, testRoom, "alice")
	defer r.Close()
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := r.Delete(context.Background(), msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].ID != msgs[1].ID {
		t.Errorf("unexpected entries %+v", snap.Entries)
	}
}
