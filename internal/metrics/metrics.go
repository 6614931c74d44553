package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradechat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradechat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	RoomsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradechat_rooms_created_total",
			Help: "Total rooms created",
		},
		[]string{"kind"}, // "direct", "market" or "group"
	)

	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradechat_messages_appended_total",
			Help: "Total messages appended",
		},
	)

	MessagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradechat_messages_deleted_total",
			Help: "Total messages deleted by their author",
		},
	)

	// Realtime metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradechat_active_subscriptions",
			Help: "Open room subscriptions on this instance",
		},
	)

	EventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradechat_events_delivered_total",
			Help: "Realtime events handed to subscribers",
		},
	)

	SlowConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradechat_slow_consumers_total",
			Help: "Subscriptions closed because their buffer was full",
		},
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradechat_publish_failures_total",
			Help: "Appended messages whose realtime publish failed",
		},
	)

	InvalidEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradechat_invalid_events_total",
			Help: "Realtime payloads rejected by the decoder",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradechat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradechat_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradechat_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	DatabaseLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradechat_database_latency_seconds",
			Help:    "Membership database query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
