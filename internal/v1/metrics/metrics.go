package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab_hub (application-level grouping)
// - subsystem: websocket, room, sync, snapshot (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (updates applied, drops, errors)
// - Histogram: Latency distributions (frame dispatch time)

var (
	// ActiveWebSocketConnections tracks the current number of live sessions.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_hub",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// ActiveRooms tracks the current number of in-memory rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_hub",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of sessions attached to each room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_hub",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of sessions attached to each room",
	}, []string{"room_id"})

	// UpdatesApplied counts document updates by origin (session, sync_reply,
	// external_sync, bus, snapshot_load).
	UpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "sync",
		Name:      "updates_applied_total",
		Help:      "Total document updates applied, by origin",
	}, []string{"origin"})

	// FramesDropped counts inbound frames discarded at dispatch.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "sync",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped, by reason (decode_error, unknown_type, read_only, apply_error)",
	}, []string{"reason"})

	// BroadcastDrops counts outbound frames dropped because a session's send
	// queue was full.
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "websocket",
		Name:      "broadcast_drops_total",
		Help:      "Outbound frames dropped due to a full session send queue",
	})

	// SessionTerminations counts forced disconnects by cause.
	SessionTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "websocket",
		Name:      "session_terminations_total",
		Help:      "Sessions terminated by the hub, by reason (slow_consumer, heartbeat_timeout, shutdown)",
	}, []string{"reason"})

	// SnapshotOps counts snapshot store operations by op and status.
	SnapshotOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "snapshot",
		Name:      "operations_total",
		Help:      "Snapshot store operations, by op (load, save) and status (ok, error, miss)",
	}, []string{"op", "status"})

	// ScriptSyncRequests counts script-sync calls by outcome.
	ScriptSyncRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "sync",
		Name:      "script_sync_total",
		Help:      "Script-sync requests, by outcome (changed, unchanged, invalid)",
	}, []string{"outcome"})

	// MessageProcessingDuration tracks the time spent dispatching one inbound
	// frame inside the room lock.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab_hub",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing inbound WebSocket frames",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"message_type"})

	// CircuitBreakerState reports the breaker state per backend (0 closed,
	// 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_hub",
		Subsystem: "backend",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "backend",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected by an open circuit breaker, per backend",
	}, []string{"backend"})

	// RateLimitRequests counts requests that passed rate limiting.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked against a rate limit",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by rate limiting.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by a rate limit",
	}, []string{"endpoint", "limit_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
