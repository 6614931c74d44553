package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/eldtechnologies/tradechat/internal/fanout"
	"github.com/eldtechnologies/tradechat/internal/models"
)

// EventSource delivers a room's realtime events until it is closed or the
// connection drops. Events is closed on either; Err then tells which.
type EventSource interface {
	Events() <-chan fanout.Event
	Err() error
	Close() error
}

// ErrStreamClosed is reported by Err after a local Close.
var ErrStreamClosed = errors.New("stream closed")

// Stream is a websocket EventSource for one room.
type Stream struct {
	conn   *websocket.Conn
	events chan fanout.Event
	done   chan struct{}
	cancel context.CancelFunc

	dropped atomic.Int64

	mu  sync.Mutex
	err error
}

type frame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// streamURL turns the API base into the websocket endpoint for roomID.
func (c *Client) streamURL(roomID string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/rooms/" + url.PathEscape(roomID) + "/stream"
	return u.String(), nil
}

// Subscribe opens the room's stream and returns once the server reports
// the subscription live. Messages appended after that point are delivered;
// anything earlier has to come from history.
func (c *Client) Subscribe(ctx context.Context, roomID string) (*Stream, error) {
	endpoint, err := c.streamURL(roomID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &APIError{Status: resp.StatusCode, Kind: kindForStatus(resp.StatusCode), Message: err.Error()}
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("%w: %v", ErrTransient, closeError(err))
	}
	var ready frame
	if err := json.Unmarshal(data, &ready); err != nil || ready.Type != "ready" || ready.RoomID != roomID {
		conn.Close(websocket.StatusProtocolError, "expected ready frame")
		return nil, fmt.Errorf("%w: unexpected first frame", fanout.ErrInvalidEvent)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		conn:   conn,
		events: make(chan fanout.Event, fanout.DefaultBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.read(readCtx, roomID)
	return s, nil
}

// OpenStream satisfies Transport.
func (c *Client) OpenStream(ctx context.Context, roomID string) (EventSource, error) {
	s, err := c.Subscribe(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stream) read(ctx context.Context, roomID string) {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = ErrStreamClosed
			}
			s.setErr(closeError(err))
			return
		}

		ev, err := fanout.Decode(data)
		if err != nil || ev.RoomID != roomID {
			s.dropped.Add(1)
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			s.setErr(ErrStreamClosed)
			return
		}
	}
}

// closeError maps close frames the server sends on purpose. A policy
// violation means membership was revoked; anything else is worth a
// reconnect.
func closeError(err error) error {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	if ce.Code == websocket.StatusPolicyViolation {
		return fmt.Errorf("%w: %s", models.ErrForbidden, ce.Reason)
	}
	return fmt.Errorf("%w: %s", ErrTransient, ce.Reason)
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Events returns the event channel.
func (s *Stream) Events() <-chan fanout.Event {
	return s.events
}

// Err returns why the stream ended, or nil while it is open.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the connection and waits for the reader to exit. Safe to
// call more than once.
func (s *Stream) Close() error {
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "")
	<-s.done
	s.setErr(ErrStreamClosed)
	return nil
}

// Dropped returns how many frames failed validation and were discarded.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}
