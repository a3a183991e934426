package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MeshMetrics exposes the gateway's escrow, trust and audit counters.
type MeshMetrics struct {
	escrowTransitions *prometheus.CounterVec
	trustComputations *prometheus.CounterVec
	trustScore        prometheus.Histogram
	gateDenials       prometheus.Counter
	auditDropped      prometheus.Counter
	ledgerTimeouts    *prometheus.CounterVec
}

var (
	meshOnce     sync.Once
	meshRegistry *MeshMetrics
)

// Mesh returns the process-wide metrics set, registering it on first use.
func Mesh() *MeshMetrics {
	meshOnce.Do(func() {
		meshRegistry = &MeshMetrics{
			escrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mesh_escrow_transitions_total",
				Help: "Count of escrow lifecycle transitions by resulting status.",
			}, []string{"status"}),
			trustComputations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mesh_trust_computations_total",
				Help: "Count of hybrid trust computations by weight profile.",
			}, []string{"weights"}),
			trustScore: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "mesh_trust_score",
				Help:    "Distribution of computed overall trust scores.",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			}),
			gateDenials: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mesh_gate_denials_total",
				Help: "Count of interactions denied by the trust gate.",
			}),
			auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mesh_audit_dropped_total",
				Help: "Count of audit events dropped on persistence failure.",
			}),
			ledgerTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mesh_ledger_timeouts_total",
				Help: "Count of ledger calls that exceeded their deadline by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			meshRegistry.escrowTransitions,
			meshRegistry.trustComputations,
			meshRegistry.trustScore,
			meshRegistry.gateDenials,
			meshRegistry.auditDropped,
			meshRegistry.ledgerTimeouts,
		)
	})
	return meshRegistry
}

// ObserveEscrowTransition records a lifecycle transition.
func (m *MeshMetrics) ObserveEscrowTransition(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.escrowTransitions.WithLabelValues(status).Inc()
}

// ObserveTrustComputation records a completed trust computation.
func (m *MeshMetrics) ObserveTrustComputation(weights string, overall float64) {
	if m == nil {
		return
	}
	if weights == "" {
		weights = "unknown"
	}
	m.trustComputations.WithLabelValues(weights).Inc()
	m.trustScore.Observe(overall)
}

// ObserveGateDenial records a trust gate denial.
func (m *MeshMetrics) ObserveGateDenial() {
	if m == nil {
		return
	}
	m.gateDenials.Inc()
}

// ObserveAuditDropped records a dropped audit event.
func (m *MeshMetrics) ObserveAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// ObserveLedgerTimeout records a ledger deadline overrun.
func (m *MeshMetrics) ObserveLedgerTimeout(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.ledgerTimeouts.WithLabelValues(operation).Inc()
}
