package middleware

import (
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/eldtechnologies/tradechat/internal/metrics"
)

// securityHeaders are set on every response. The API serves JSON and
// websocket frames only, so nothing is allowed to render or be cached.
var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders adds security headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBodySize rejects declared bodies over maxBytes up front and caps the
// rest while they are read.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				jsonError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateRequest enforces JSON bodies on writes and rejects paths or
// queries carrying traversal or script injection.
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hasBody(r) && !isJSON(r.Header.Get("Content-Type")) {
			jsonError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}

		if suspicious(r.URL.Path) {
			metrics.BlockedRequests.WithLabelValues("suspicious_path").Inc()
			jsonError(w, http.StatusBadRequest, "invalid request")
			return
		}
		if suspicious(r.URL.RawQuery) {
			metrics.BlockedRequests.WithLabelValues("suspicious_query").Inc()
			jsonError(w, http.StatusBadRequest, "invalid request")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func hasBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return r.ContentLength > 0
	}
	return false
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

var suspiciousPatterns = []string{
	"..",
	"//",
	"<script",
	"javascript:",
	"vbscript:",
	"onload=",
	"onerror=",
}

// suspicious checks input both raw and percent-decoded, so encoded
// payloads are caught too.
func suspicious(input string) bool {
	if input == "" {
		return false
	}
	candidates := []string{strings.ToLower(input)}
	if decoded, err := url.QueryUnescape(input); err == nil && decoded != input {
		candidates = append(candidates, strings.ToLower(decoded))
	}
	for _, c := range candidates {
		for _, p := range suspiciousPatterns {
			if strings.Contains(c, p) {
				return true
			}
		}
	}
	return false
}
