package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/tradechat/internal/fanout"
	"github.com/eldtechnologies/tradechat/internal/membership"
	"github.com/eldtechnologies/tradechat/internal/messages"
	"github.com/eldtechnologies/tradechat/internal/models"
	"github.com/eldtechnologies/tradechat/internal/presence"
)

// Pinger is a dependency the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the handlers call into.
type Deps struct {
	Rooms    *membership.Authority
	Messages *messages.Service
	Broker   fanout.Broker
	Tracker  *presence.Tracker

	DB    Pinger
	Redis Pinger

	// Websocket settings
	OriginPatterns    []string
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	Deps
	logger zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps, logger zerolog.Logger) *Handler {
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = 15 * time.Second
	}
	if deps.PingInterval <= 0 {
		deps.PingInterval = 25 * time.Second
	}
	return &Handler{Deps: deps, logger: logger.With().Str("component", "http").Logger()}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ServiceError maps a service error onto a status code. Unexpected errors
// are logged and hidden behind a generic message.
func (h *Handler) ServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrForbidden):
		h.Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		h.Error(w, http.StatusConflict, err.Error())
	default:
		logger := zerolog.Ctx(r.Context())
		if logger.GetLevel() == zerolog.Disabled {
			logger = &h.logger
		}
		logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

var validate = validator.New()

// decode reads a JSON body into dst and validates its struct tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			h.Error(w, http.StatusBadRequest, "invalid field: "+verrs[0].Field())
			return false
		}
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// roomID parses the {id} path parameter.
func (h *Handler) roomID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid room ID format")
		return uuid.Nil, false
	}
	return id, true
}

// intParam parses an optional non-negative integer query parameter.
func (h *Handler) intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.Error(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}
