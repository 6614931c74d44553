package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/tradechat/internal/api/middleware"
	"github.com/eldtechnologies/tradechat/internal/models"
)

// PostMessageRequest represents the post message request.
type PostMessageRequest struct {
	Content       string `json:"content"`
	CorrelationID string `json:"correlationId,omitempty" validate:"omitempty,uuid"`
}

// PostMessageResponse is the stored message plus the echoed correlation id.
type PostMessageResponse struct {
	models.Message
	CorrelationID string `json:"correlationId,omitempty"`
}

// SearchResponse represents the search response.
type SearchResponse struct {
	Query   string           `json:"query"`
	Results []models.Message `json:"results"`
	Total   int              `json:"total"`
}

// ListMessages returns one page of history, oldest first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}
	limit, ok := h.intParam(w, r, "limit")
	if !ok {
		return
	}

	page, err := h.Messages.ListPage(r.Context(), roomID, middleware.GetUserFromContext(r.Context()),
		r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, page)
}

// PostMessage appends a message and broadcasts it to the room.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}
	var req PostMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.Messages.Append(r.Context(), roomID, middleware.GetUserFromContext(r.Context()),
		req.Content, req.CorrelationID)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, PostMessageResponse{Message: *msg, CorrelationID: req.CorrelationID})
}

// DeleteMessage deletes one of the caller's own messages.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}

	err := h.Messages.Delete(r.Context(), roomID, chi.URLParam(r, "messageID"),
		middleware.GetUserFromContext(r.Context()))
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchMessages finds messages in the room containing every query word.
func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}
	limit, ok := h.intParam(w, r, "limit")
	if !ok {
		return
	}

	query := r.URL.Query().Get("q")
	results, err := h.Messages.Search(r.Context(), roomID, middleware.GetUserFromContext(r.Context()), query, limit)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, SearchResponse{Query: query, Results: results, Total: len(results)})
}
