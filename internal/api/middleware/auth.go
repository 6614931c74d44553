package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/tradechat/internal/crypto"
)

type contextKey string

const UserContextKey contextKey = "user"

// AuthMiddleware verifies bearer tokens issued by the identity provider.
type AuthMiddleware struct {
	secret []byte
	issuer string
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(secret, issuer string, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secret: []byte(secret),
		issuer: issuer,
		logger: logger,
	}
}

// RequireAuth rejects requests without a valid token and stores the user id
// in the request context. Browsers cannot set headers on a websocket
// handshake, so upgrade requests may pass the token as ?token= instead.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && isWebSocketUpgrade(r) {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := crypto.VerifyToken(m.secret, m.issuer, token)
		if err != nil {
			m.logger.Warn().
				Str("type", "security").
				Str("event", "invalid_token").
				Str("ip", RealIP(r)).
				Str("endpoint", r.URL.Path).
				Err(err).
				Msg("rejected token")
			jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user", userID)
		})
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// WithUser returns a context carrying the authenticated user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserContextKey, userID)
}

// GetUserFromContext retrieves the authenticated user id from the request context.
func GetUserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(UserContextKey).(string)
	return userID
}
