// Package metrics 注册 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	TurnCommitted  = "committed"
	TurnRolledBack = "rolled_back"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "family_care_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "family_care_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// Conversation metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "family_care_messages_appended_total",
			Help: "Total messages appended to conversations",
		},
		[]string{"chat_type", "sender"}, // sender: "human" or "ai"
	)

	AITurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "family_care_ai_turns_total",
			Help: "AI turns by outcome",
		},
		[]string{"outcome"},
	)

	AICompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "family_care_ai_completion_duration_seconds",
			Help:    "AI completion call latency",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"purpose"}, // "reply" or "title"
	)

	// Realtime metrics
	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "family_care_fanout_deliveries_total",
			Help: "Realtime events queued to sockets",
		},
		[]string{"event"},
	)

	FanoutDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "family_care_fanout_drops_total",
			Help: "Realtime events dropped because a socket queue was full",
		},
		[]string{"event"},
	)

	ConnectedSockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "family_care_connected_sockets",
			Help: "Currently connected realtime sockets",
		},
	)
)
