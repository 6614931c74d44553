package handlers

import (
	"net/http"

	"github.com/eldtechnologies/tradechat/internal/api/middleware"
	"github.com/eldtechnologies/tradechat/internal/models"
)

// CreateRoomRequest represents the room creation request. The caller is
// always added to the members.
type CreateRoomRequest struct {
	MemberIDs []string              `json:"memberIds" validate:"required,max=100,dive,required,max=128"`
	Name      string                `json:"name"`
	Market    *models.MarketContext `json:"market,omitempty"`
}

// DirectRoomRequest names the other participant of a direct room.
type DirectRoomRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// RenameRoomRequest represents the rename request.
type RenameRoomRequest struct {
	Name string `json:"name"`
}

// AddMemberRequest represents the add member request.
type AddMemberRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// RoomListResponse represents the room listing response.
type RoomListResponse struct {
	Rooms []models.Room `json:"rooms"`
	Total int           `json:"total"`
}

// CreateRoom handles room creation.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())

	var req CreateRoomRequest
	if !h.decode(w, r, &req) {
		return
	}

	room, err := h.Rooms.Create(r.Context(), append(req.MemberIDs, user), req.Name, req.Market)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, room)
}

// ListRooms lists the caller's rooms, most recently active first.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.intParam(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := h.intParam(w, r, "offset")
	if !ok {
		return
	}

	rooms, err := h.Rooms.ListForUser(r.Context(), middleware.GetUserFromContext(r.Context()), limit, offset)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, RoomListResponse{Rooms: rooms, Total: len(rooms)})
}

// DirectRoom finds or creates the caller's direct room with another user.
func (h *Handler) DirectRoom(w http.ResponseWriter, r *http.Request) {
	var req DirectRoomRequest
	if !h.decode(w, r, &req) {
		return
	}

	room, err := h.Rooms.FindOrCreateDirect(r.Context(), middleware.GetUserFromContext(r.Context()), req.UserID)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, room)
}

// MarketRoom finds or creates the room for a trade. Only the buyer or the
// seller may open it.
func (h *Handler) MarketRoom(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())

	var req models.MarketContext
	if !h.decode(w, r, &req) {
		return
	}
	if user != req.BuyerID && user != req.SellerID {
		h.Error(w, http.StatusForbidden, "only the buyer or the seller can open this room")
		return
	}

	room, err := h.Rooms.FindOrCreateForMarket(r.Context(), req)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, room)
}

// GetRoom returns a room with its members.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}

	room, err := h.Rooms.Get(r.Context(), roomID, middleware.GetUserFromContext(r.Context()))
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, room)
}

// RenameRoom sets the room's display name.
func (h *Handler) RenameRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}
	var req RenameRoomRequest
	if !h.decode(w, r, &req) {
		return
	}

	room, err := h.Rooms.Rename(r.Context(), roomID, middleware.GetUserFromContext(r.Context()), req.Name)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, room)
}

// AddMember adds a user to the room.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}
	var req AddMemberRequest
	if !h.decode(w, r, &req) {
		return
	}

	user := middleware.GetUserFromContext(r.Context())
	if err := h.Rooms.AddMember(r.Context(), roomID, user, req.UserID); err != nil {
		h.ServiceError(w, r, err)
		return
	}

	room, err := h.Rooms.Get(r.Context(), roomID, user)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, room)
}

// LeaveRoom removes the caller from the room.
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}

	user := middleware.GetUserFromContext(r.Context())
	if err := h.Rooms.RemoveMember(r.Context(), roomID, user, user); err != nil {
		h.ServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
