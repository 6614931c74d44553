package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/eldtechnologies/tradechat/internal/metrics"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]Check{
		"database": probe(ctx, h.DB, metrics.DatabaseLatency.Observe),
		"redis":    probe(ctx, h.Redis, metrics.RedisLatency.Observe),
	}

	status := "healthy"
	statusCode := http.StatusOK
	for _, c := range checks {
		if c.Status != "pass" {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}

	hostname, _ := os.Hostname()
	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Instance:  hostname,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func probe(ctx context.Context, p Pinger, observe func(float64)) Check {
	if p == nil {
		return Check{Status: "fail", Message: "not configured"}
	}
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return Check{Status: "fail", Message: "connection failed"}
	}
	elapsed := time.Since(start)
	observe(elapsed.Seconds())
	return Check{Status: "pass", Latency: elapsed.String()}
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Root handles the root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "tradechat",
		Version: version,
	})
}
