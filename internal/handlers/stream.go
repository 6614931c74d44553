package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/eldtechnologies/tradechat/internal/api/middleware"
	"github.com/eldtechnologies/tradechat/internal/fanout"
)

const (
	// FrameReady is sent once the subscription is live. Anything appended
	// before it must be read from history.
	FrameReady = "ready"

	writeTimeout = 10 * time.Second
)

// ReadyFrame is the first frame on a stream.
type ReadyFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// Stream upgrades to a websocket and pushes the room's realtime events
// until either side closes. Membership is checked on connect, before every
// event and on every presence heartbeat.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}
	user := middleware.GetUserFromContext(r.Context())
	if err := h.Rooms.Authorize(r.Context(), roomID, user); err != nil {
		h.ServiceError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		return // Accept already wrote the response
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sub, err := h.Broker.Subscribe(ctx, roomID.String())
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID.String()).Msg("subscribe failed")
		conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	defer sub.Close()

	connID := uuid.NewString()
	h.announce(ctx, roomID, user, connID)
	defer h.leave(roomID, user, connID)

	if err := write(ctx, conn, ReadyFrame{Type: FrameReady, RoomID: roomID.String()}); err != nil {
		return
	}

	// The stream is push-only, but reading keeps close and ping frames flowing.
	ctx = conn.CloseRead(ctx)

	heartbeat := time.NewTicker(h.HeartbeatInterval)
	defer heartbeat.Stop()
	ping := time.NewTicker(h.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				reason := "stream closed"
				if errors.Is(sub.Err(), fanout.ErrSlowConsumer) {
					reason = "slow consumer, refetch history"
				}
				conn.Close(websocket.StatusTryAgainLater, reason)
				return
			}
			if !h.stillMember(ctx, conn, roomID, user) {
				return
			}
			if err := write(ctx, conn, ev); err != nil {
				return
			}

		case <-heartbeat.C:
			if !h.stillMember(ctx, conn, roomID, user) {
				return
			}
			h.announce(ctx, roomID, user, connID)

		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// stillMember rechecks membership and closes the socket with a policy
// violation once it is gone. A failed lookup keeps the stream open.
func (h *Handler) stillMember(ctx context.Context, conn *websocket.Conn, roomID uuid.UUID, user string) bool {
	member, err := h.Rooms.IsMember(ctx, roomID, user)
	if err != nil || member {
		return true
	}
	conn.Close(websocket.StatusPolicyViolation, "membership revoked")
	return false
}

func write(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func (h *Handler) announce(ctx context.Context, roomID uuid.UUID, user, connID string) {
	if h.Tracker == nil {
		return
	}
	if err := h.Tracker.Heartbeat(ctx, roomID, user, connID); err != nil {
		h.logger.Debug().Err(err).Str("room", roomID.String()).Msg("presence update failed")
	}
}

func (h *Handler) leave(roomID uuid.UUID, user, connID string) {
	if h.Tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Tracker.Leave(ctx, roomID, user, connID); err != nil {
		h.logger.Debug().Err(err).Str("room", roomID.String()).Msg("presence leave failed")
	}
}
