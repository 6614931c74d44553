package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/eldtechnologies/tradechat/internal/fanout"
	"github.com/eldtechnologies/tradechat/internal/models"
)

func TestClientErrorMapping(t *testing.T) {
	tests := []struct {
		status    int
		wantKind  ErrorKind
		wantErr   error
		transient bool
	}{
		{http.StatusBadRequest, KindValidation, models.ErrValidation, false},
		{http.StatusForbidden, KindForbidden, models.ErrForbidden, false},
		{http.StatusNotFound, KindNotFound, models.ErrNotFound, false},
		{http.StatusConflict, KindConflict, models.ErrConflict, false},
		{http.StatusTooManyRequests, "", nil, true},
		{http.StatusInternalServerError, "", nil, true},
		{http.StatusServiceUnavailable, "", nil, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "tok").GetRoom(context.Background(), testRoom)
			if tt.transient {
				if !errors.Is(err, ErrTransient) {
					t.Errorf("expected ErrTransient, got %v", err)
				}
				return
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.Kind != tt.wantKind || apiErr.Message != "nope" {
				t.Errorf("unexpected error %+v", apiErr)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected errors.Is(%v)", tt.wantErr)
			}
			if errors.Is(err, ErrTransient) {
				t.Error("4xx should not be transient")
			}
		})
	}
}

func TestClientTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "tok").ListMessages(context.Background(), testRoom, "", 10)
	if !errors.Is(err, ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", err)
	}
}

func TestClientSendsBearerAndBody(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":            "01J0000000000000000000000A",
			"roomId":        testRoom,
			"author":        "alice",
			"content":       gotBody["content"],
			"createdAt":     base,
			"correlationId": gotBody["correlationId"],
		})
	}))
	defer srv.Close()

	msg, err := NewClient(srv.URL, "secret-token").PostMessage(context.Background(), testRoom, "hi", "c0ffee00-0000-4000-8000-000000000000")
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/rooms/"+testRoom+"/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["correlationId"] != "c0ffee00-0000-4000-8000-000000000000" {
		t.Errorf("correlation id not sent: %v", gotBody)
	}
	if msg.Content != "hi" || msg.AuthorID != "alice" || !msg.CreatedAt.Equal(base) {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/rooms/r1/stream"},
		{"https://chat.example.com/api/", "wss://chat.example.com/api/rooms/r1/stream"},
	}
	for _, tt := range tests {
		got, err := NewClient(tt.base, "").streamURL("r1")
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("streamURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

// streamServer accepts one websocket, sends ready, then runs script.
func streamServer(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		if err := wsjson.Write(ctx, conn, map[string]string{"type": "ready", "roomId": testRoom}); err != nil {
			return
		}
		script(ctx, conn)
	}))
}

func TestStreamDeliversValidEvents(t *testing.T) {
	msg := serverMessage(time.Second, "bob", "hello")
	srv := streamServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","roomId":"garbage"}`))
		conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		wsjson.Write(ctx, conn, fanout.NewEvent(msg, ""))
		conn.Close(websocket.StatusPolicyViolation, "membership revoked")
	})
	defer srv.Close()

	s, err := NewClient(srv.URL, "tok").Subscribe(context.Background(), testRoom)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer s.Close()

	var got []fanout.Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Message.ID != msg.ID {
		t.Fatalf("expected only the valid event, got %+v", got)
	}
	if s.Dropped() != 2 {
		t.Errorf("expected 2 dropped frames, got %d", s.Dropped())
	}
	if !errors.Is(s.Err(), models.ErrForbidden) {
		t.Errorf("policy close should map to ErrForbidden, got %v", s.Err())
	}
}

func TestStreamTryAgainIsTransient(t *testing.T) {
	srv := streamServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Close(websocket.StatusTryAgainLater, "slow consumer, refetch history")
	})
	defer srv.Close()

	s, err := NewClient(srv.URL, "tok").Subscribe(context.Background(), testRoom)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for range s.Events() {
	}
	if !errors.Is(s.Err(), ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", s.Err())
	}
}

func TestStreamRejectedHandshake(t *testing.T) {
	srv := streamServer(t, func(context.Context, *websocket.Conn) {})
	defer srv.Close()

	_, err := NewClient(srv.URL, "wrong").Subscribe(context.Background(), testRoom)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if !errors.Is(err, models.ErrForbidden) {
		t.Error("401 should unwrap to ErrForbidden")
	}
}

func TestStreamCloseIsSynchronous(t *testing.T) {
	srv := streamServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Read(ctx) // wait for the client to go away
	})
	defer srv.Close()

	s, err := NewClient(srv.URL, "tok").Subscribe(context.Background(), testRoom)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Error("expected closed channel")
		}
	default:
		t.Error("events channel should be closed once Close returns")
	}
	if !errors.Is(s.Err(), ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", s.Err())
	}
	s.Close()
}
