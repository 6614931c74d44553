package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func TestLoggerCarriesRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user", "alice")
		})
		zerolog.Ctx(r.Context()).Info().Msg("inside")
		w.WriteHeader(http.StatusTeapot)
	})
	h := chimw.RequestID(Logger(logger)(inner))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/rooms/x/messages", nil))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}

	var inside, done map[string]interface{}
	if err := json.Unmarshal(lines[0], &inside); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(lines[1], &done); err != nil {
		t.Fatal(err)
	}

	if inside["request_id"] == "" || inside["request_id"] != done["request_id"] {
		t.Errorf("request id not shared: %v vs %v", inside["request_id"], done["request_id"])
	}
	if done["user"] != "alice" {
		t.Errorf("completion line should carry the user, got %v", done["user"])
	}
	if done["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v", done["status"])
	}
	if done["path"] != "/rooms/:id/messages" {
		t.Errorf("path should be normalized, got %v", done["path"])
	}
}
