package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Websocket connections currently held by this instance",
		},
	)

	IdleTimersPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_idle_timers_pending",
			Help: "Users with idle timers armed on this instance",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connections_rejected_total",
			Help: "Websocket connections rejected before upgrade",
		},
		[]string{"reason"}, // "auth", "upgrade"
	)

	ForcedDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_forced_disconnects_total",
			Help: "Connections closed by the idle-disconnect timer",
		},
	)

	// Presence metrics
	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_presence_transitions_total",
			Help: "Presence state transitions originated by this instance",
		},
		[]string{"type"}, // "online", "offline", "idle", "active"
	)

	BusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_bus_events_total",
			Help: "Cross-instance bus events",
		},
		[]string{"direction", "type"}, // "in" or "out"
	)

	OutboundDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_outbound_dropped_total",
			Help: "Outbound events dropped because a connection send buffer was full",
		},
	)

	// Radio and chat metrics
	RadioListeners = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_radio_listeners",
			Help: "Listeners per station on this instance",
		},
		[]string{"station"},
	)

	ChatMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_chat_messages_total",
			Help: "Chat send attempts by outcome",
		},
		[]string{"outcome"}, // "sent", "rate_limited", "empty", "relayed"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"limit"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_store_errors_total",
			Help: "Presence store errors by operation",
		},
		[]string{"op"},
	)

	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	DatabaseLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_database_latency_seconds",
			Help:    "Directory database query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
