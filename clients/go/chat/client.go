// Package chat is a Go client for the tradechat API: plain HTTP calls, a
// websocket event source, and a Room session that keeps an optimistic,
// reconciled view of one room.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eldtechnologies/tradechat/internal/models"
)

// ErrTransient marks failures worth retrying: transport errors, rate limits
// and 5xx responses.
var ErrTransient = errors.New("transient network error")

// ErrorKind classifies a terminal API error.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindForbidden  ErrorKind = "forbidden"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindUnknown    ErrorKind = "unknown"
)

// APIError is a 4xx response. It unwraps to the matching models error, so
// errors.Is(err, models.ErrForbidden) works on the client side too.
type APIError struct {
	Status  int
	Kind    ErrorKind
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradechat error %d (%s): %s", e.Status, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Kind {
	case KindValidation:
		return models.ErrValidation
	case KindForbidden:
		return models.ErrForbidden
	case KindNotFound:
		return models.ErrNotFound
	case KindConflict:
		return models.ErrConflict
	}
	return nil
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	}
	return KindUnknown
}

// Client is a tradechat API client authenticated with a bearer token.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request, encoding in and decoding into out
// when they are non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, errResp.Error)
		}
		return &APIError{
			Status:  resp.StatusCode,
			Kind:    kindForStatus(resp.StatusCode),
			Message: errResp.Error,
		}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// CreateRoomRequest is the request body for creating a room.
type CreateRoomRequest struct {
	MemberIDs []string              `json:"memberIds"`
	Name      string                `json:"name,omitempty"`
	Market    *models.MarketContext `json:"market,omitempty"`
}

// CreateRoom creates a room. The caller is always a member.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.Room, error) {
	var room models.Room
	if err := c.doRequest(ctx, http.MethodPost, "/rooms", req, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// RoomList is the response from listing rooms.
type RoomList struct {
	Rooms []models.Room `json:"rooms"`
	Total int           `json:"total"`
}

// ListRooms lists the caller's rooms, most recently active first.
func (c *Client) ListRooms(ctx context.Context, limit, offset int) (*RoomList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/rooms"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp RoomList
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DirectRoom finds or creates the direct room with userID.
func (c *Client) DirectRoom(ctx context.Context, userID string) (*models.Room, error) {
	var room models.Room
	body := map[string]string{"userId": userID}
	if err := c.doRequest(ctx, http.MethodPost, "/rooms/direct", body, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// MarketRoom finds or creates the room for a trade. The caller must be the
// buyer or the seller.
func (c *Client) MarketRoom(ctx context.Context, market models.MarketContext) (*models.Room, error) {
	var room models.Room
	if err := c.doRequest(ctx, http.MethodPost, "/rooms/market", market, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// GetRoom returns a room the caller belongs to.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	if err := c.doRequest(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// RenameRoom sets the display name.
func (c *Client) RenameRoom(ctx context.Context, roomID, name string) (*models.Room, error) {
	var room models.Room
	body := map[string]string{"name": name}
	if err := c.doRequest(ctx, http.MethodPatch, "/rooms/"+url.PathEscape(roomID), body, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// AddMember adds userID to the room.
func (c *Client) AddMember(ctx context.Context, roomID, userID string) (*models.Room, error) {
	var room models.Room
	body := map[string]string{"userId": userID}
	if err := c.doRequest(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/members", body, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// LeaveRoom removes the caller from the room.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(roomID)+"/members/me", nil, nil)
}

// ListMessages fetches one page of history older than cursor. An empty
// cursor starts at the newest message.
func (c *Client) ListMessages(ctx context.Context, roomID, cursor string, limit int) (*models.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page models.Page
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PostMessage appends a message. correlationID is echoed on the realtime
// event so the sender can settle its pending entry.
func (c *Client) PostMessage(ctx context.Context, roomID, content, correlationID string) (*models.Message, error) {
	body := struct {
		Content       string `json:"content"`
		CorrelationID string `json:"correlationId,omitempty"`
	}{content, correlationID}

	var msg models.Message
	if err := c.doRequest(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage deletes one of the caller's own messages.
func (c *Client) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	path := "/rooms/" + url.PathEscape(roomID) + "/messages/" + url.PathEscape(messageID)
	return c.doRequest(ctx, http.MethodDelete, path, nil, nil)
}

// SearchResponse is the response from searching a room.
type SearchResponse struct {
	Query   string           `json:"query"`
	Results []models.Message `json:"results"`
	Total   int              `json:"total"`
}

// Search finds messages in a room containing every word of query.
func (c *Client) Search(ctx context.Context, roomID, query string, limit int) (*SearchResponse, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp SearchResponse
	path := "/rooms/" + url.PathEscape(roomID) + "/search?" + q.Encode()
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OnlineMember is one entry of a room's presence list.
type OnlineMember struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// Presence lists members with a live stream. Display only.
func (c *Client) Presence(ctx context.Context, roomID string) ([]OnlineMember, error) {
	var resp struct {
		Online []OnlineMember `json:"online"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/presence", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Online, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Instance  string                 `json:"instance,omitempty"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health. A degraded server answers 503, which is
// reported as ErrTransient.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
