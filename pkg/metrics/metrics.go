// Package metrics exposes the daemon's prometheus collectors and the
// component-health registry behind /healthz and /livez.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Board metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentd_tasks_total",
			Help: "Tasks on the board by status",
		},
		[]string{"status"},
	)

	AccountsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentd_accounts_connected",
			Help: "Accounts currently connected to the daemon",
		},
	)

	// RPC metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_requests_total",
			Help: "RPC requests by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentd_request_duration_seconds",
			Help:    "RPC handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Coordination metrics
	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_messages_delivered_total",
			Help: "Messages persisted for delivery",
		},
	)

	HandoffsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_handoffs_total",
			Help: "Structured handoffs accepted",
		},
	)

	SLAEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_sla_escalations_total",
			Help: "SLA escalations by action",
		},
		[]string{"action"},
	)

	QuarantinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_quarantines_total",
			Help: "Agents quarantined by the circuit breaker",
		},
	)

	RoutingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentd_routing_latency_seconds",
			Help:    "Time taken to rank candidate assignees in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AcceptanceSuites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_acceptance_suites_total",
			Help: "Acceptance suites by result",
		},
		[]string{"result"},
	)

	CouncilRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_council_rounds_total",
			Help: "Council rounds by kind and verdict",
		},
		[]string{"kind", "verdict"},
	)

	WorkspacesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentd_workspaces_active",
			Help: "Workspaces in preparing, ready, or cleaning status",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(AccountsConnected)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(MessagesDelivered)
	prometheus.MustRegister(HandoffsTotal)
	prometheus.MustRegister(SLAEscalations)
	prometheus.MustRegister(QuarantinesTotal)
	prometheus.MustRegister(RoutingLatency)
	prometheus.MustRegister(AcceptanceSuites)
	prometheus.MustRegister(CouncilRounds)
	prometheus.MustRegister(WorkspacesActive)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
