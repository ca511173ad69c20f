package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "nameserver"
)

var (
	// OpsSubmitted counts accepted ops
	OpsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_submitted_total",
			Help:      "Total number of ops accepted by the op manager",
		},
		[]string{"kind"},
	)

	// OpsFinished counts ops reaching a terminal state
	OpsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_finished_total",
			Help:      "Total number of ops that reached a terminal state",
		},
		[]string{"kind", "state"}, // state: Done/Failed/Cancelled
	)

	// OpDuration measures op run time from start to terminal state
	OpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_seconds",
			Help:      "Op execution latency in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	// StepRetries counts retried RPC steps
	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "op_step_retries_total",
			Help:      "Total number of retried op steps",
		},
		[]string{"kind", "step"},
	)

	// Rejected counts synchronously rejected commands
	Rejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Total number of commands rejected by validation",
		},
		[]string{"command"},
	)

	// EndpointHealthy is 1 for healthy endpoints, 0 otherwise
	EndpointHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_healthy",
			Help:      "Health of each registered tablet endpoint",
		},
		[]string{"endpoint"},
	)

	// HealthTransitions counts endpoint status changes
	HealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Total number of endpoint health transitions",
		},
		[]string{"status"},
	)

	// Failovers counts ChangeLeader ops emitted by the failover controller
	Failovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Total number of automatic leader failovers started",
		},
	)

	// Tables tracks the number of tables in the catalog
	Tables = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tables",
			Help:      "Number of tables in the catalog",
		},
	)
)
