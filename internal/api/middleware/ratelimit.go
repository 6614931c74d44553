package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/tradechat/internal/metrics"
)

// RateLimit is the budget for one route.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// DefaultLimits are keyed by "METHOD pattern" as chi reports the matched
// route. Unlisted routes are not limited.
func DefaultLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"GET /rooms":                              {120, time.Minute, userKey},
		"POST /rooms":                             {30, time.Hour, userKey},
		"POST /rooms/direct":                      {60, time.Hour, userKey},
		"POST /rooms/market":                      {60, time.Hour, userKey},
		"PATCH /rooms/{id}":                       {30, time.Minute, userKey},
		"POST /rooms/{id}/members":                {30, time.Minute, userKey},
		"GET /rooms/{id}/messages":                {120, time.Minute, userKey},
		"POST /rooms/{id}/messages":               {30, time.Minute, userKey},
		"DELETE /rooms/{id}/messages/{messageID}": {30, time.Minute, userKey},
		"GET /rooms/{id}/search":                  {30, time.Minute, userKey},
		"GET /rooms/{id}/stream":                  {30, time.Minute, ipKey},
	}
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Block an IP after repeated violations
	Limits           map[string]RateLimit
}

// Auto-block policy.
const (
	violationThreshold = 10
	violationWindow    = time.Hour
	blockDuration      = 24 * time.Hour
)

// slidingWindow keeps one sorted set of request timestamps per key. Only
// admitted requests are recorded, so a client hammering a closed window
// does not push its own reset further out.
//
// Returns {allowed, count, resetAtMs}.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', KEYS[1], window)

local reset = now + window
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

// RateLimiter enforces per-route sliding windows in Redis. It must run
// after routing and authentication: limits are looked up by chi route
// pattern and keyed by the authenticated user.
type RateLimiter struct {
	client    *redis.Client
	limits    map[string]RateLimit
	blocker   *IPBlocker
	logger    zerolog.Logger
	whitelist ipSet
	autoBlock bool
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	limits := cfg.Limits
	if limits == nil {
		limits = DefaultLimits()
	}

	rl := &RateLimiter{
		client:    client,
		limits:    limits,
		blocker:   NewIPBlocker(client),
		logger:    logger,
		whitelist: parseIPSet(cfg.Whitelist, logger),
		autoBlock: cfg.AutoBlockEnabled,
	}
	if !rl.whitelist.empty() {
		logger.Info().
			Int("ips", len(rl.whitelist.ips)).
			Int("cidrs", len(rl.whitelist.nets)).
			Msg("rate limit whitelist configured")
	}
	return rl
}

// ipSet matches single addresses and CIDR ranges.
type ipSet struct {
	ips  map[string]bool
	nets []*net.IPNet
}

func parseIPSet(entries []string, logger zerolog.Logger) ipSet {
	set := ipSet{ips: make(map[string]bool)}
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			set.ips[entry] = true
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
			continue
		}
		set.nets = append(set.nets, ipNet)
	}
	return set
}

func (s ipSet) empty() bool {
	return len(s.ips) == 0 && len(s.nets) == 0
}

func (s ipSet) contains(ipStr string) bool {
	if s.ips[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ipKey keys a limit by client IP.
func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// userKey keys a limit by the authenticated user, falling back to the
// client IP.
func userKey(r *http.Request) string {
	if userID := GetUserFromContext(r.Context()); userID != "" {
		return "ratelimit:user:" + userID
	}
	return ipKey(r)
}

// RealIP extracts the client IP from proxy headers or the connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Allow records one request against key if the window has room. Redis
// errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetAt time.Time) {
	now := time.Now()
	res, err := slidingWindow.Run(ctx, rl.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, ulid.Make().String(),
	).Int64Slice()
	if err != nil || len(res) != 3 {
		rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
		return true, limit, now.Add(window)
	}

	remaining = limit - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	return res[0] == 1, remaining, time.UnixMilli(res[2])
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.whitelist.contains(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		pattern, limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r) + ":" + pattern
		allowed, remaining, resetAt := rl.Allow(r.Context(), key, limit.Requests, limit.Window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(time.Until(resetAt).Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

		metrics.RateLimitHits.WithLabelValues(pattern).Inc()
		rl.trackViolation(r.Context(), ip)

		rl.logger.Warn().
			Str("type", "security").
			Str("event", "rate_limit_exceeded").
			Str("ip", ip).
			Str("user", GetUserFromContext(r.Context())).
			Str("route", pattern).
			Msg("rate limit exceeded")

		jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// findLimit looks up the matched route, returning the "METHOD pattern"
// key the limit is stored under.
func (rl *RateLimiter) findLimit(r *http.Request) (string, *RateLimit) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "", nil
	}
	pattern := r.Method + " " + rctx.RoutePattern()
	limit, ok := rl.limits[pattern]
	if !ok {
		return "", nil
	}
	return pattern, &limit
}

// trackViolation counts rejections per IP and blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}

	key := "violations:ip:" + ip
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, violationWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return
	}

	if count := incr.Val(); count >= violationThreshold {
		rl.blocker.Block(ctx, ip, blockDuration, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// IPBlocker manages temporary IP blocks.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

func blockKey(ip string) string {
	return fmt.Sprintf("blocked:ip:%s", ip)
}

// IsBlocked reports whether ip is blocked. Redis errors count as not blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	n, err := b.client.Exists(ctx, blockKey(ip)).Result()
	return err == nil && n > 0
}

// Block blocks ip for duration.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	b.client.Set(ctx, blockKey(ip), reason, duration)
}

// Unblock removes a block.
func (b *IPBlocker) Unblock(ctx context.Context, ip string) {
	b.client.Del(ctx, blockKey(ip))
}
