package handlers

import (
	"net/http"

	"github.com/eldtechnologies/tradechat/internal/api/middleware"
	"github.com/eldtechnologies/tradechat/internal/presence"
)

// PresenceResponse lists the members currently connected to a room.
type PresenceResponse struct {
	Online []presence.Entry `json:"online"`
}

// Presence returns the room's online members.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}
	if err := h.Rooms.Authorize(r.Context(), roomID, middleware.GetUserFromContext(r.Context())); err != nil {
		h.ServiceError(w, r, err)
		return
	}

	online, err := h.Tracker.Online(r.Context(), roomID)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, PresenceResponse{Online: online})
}
