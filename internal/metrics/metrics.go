package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service metrics for production monitoring
var (
	// Interview metrics
	InterviewTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_ai_interview_turns_total",
			Help: "Total number of interview turns processed",
		},
		[]string{"phase", "status"},
	)

	InterviewCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_ai_interview_completions_total",
			Help: "Total number of interview completions",
		},
		[]string{"reason"}, // natural / facilitator_override
	)

	// Synthesis metrics
	SynthesisJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_ai_synthesis_jobs_total",
			Help: "Total number of synthesis jobs reaching a terminal state",
		},
		[]string{"tier", "status"},
	)

	SynthesisJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chorus_ai_synthesis_job_duration_seconds",
			Help:    "Synthesis job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"tier"},
	)

	// Gateway metrics
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_ai_gateway_requests_total",
			Help: "Total number of completion provider requests",
		},
		[]string{"model", "status"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chorus_ai_gateway_request_duration_seconds",
			Help:    "Completion provider request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"model"},
	)

	GatewayTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_ai_gateway_tokens_total",
			Help: "Total number of tokens consumed",
		},
		[]string{"model", "type"}, // type: input/output
	)

	// Usage metrics
	UsageCostCentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_ai_usage_cost_cents_total",
			Help: "Total metered cost committed to tenant ledgers, in cents",
		},
		[]string{"tenant_id"},
	)

	UsageQuotaPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chorus_ai_usage_quota_percent",
			Help: "Current percentage of billing-period quota used",
		},
		[]string{"tenant_id"},
	)

	ThresholdNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_ai_threshold_notifications_total",
			Help: "Total number of quota threshold notifications dispatched",
		},
		[]string{"threshold"},
	)

	UsageCommitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chorus_ai_usage_commit_failures_total",
			Help: "Total number of failed usage ledger commits (billing integrity)",
		},
	)

	// Notification adapter metrics
	NotificationSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_ai_notification_sends_total",
			Help: "Total number of notification adapter deliveries",
		},
		[]string{"channel", "status"}, // status: sent/failed
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chorus_ai_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)
)
