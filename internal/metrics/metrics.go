package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	transitions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	ledgerOps        *prometheus.CounterVec
	sweepProcessed   prometheus.Counter
	sweepFailed      prometheus.Counter
	jobsHandled      *prometheus.CounterVec
	consistencyGauge *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Committed escrow status transitions.",
			},
			[]string{"from", "to", "role"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transition_rejections_total",
				Help: "Transition requests rejected before or during the status write.",
			},
			[]string{"reason"},
		),
		ledgerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_ledger_operations_total",
				Help: "Ledger operations issued inside committed transitions.",
			},
			[]string{"op"},
		),
		sweepProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_sweep_processed_total",
			Help: "Overdue transactions advanced by the expiration sweep.",
		}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_sweep_failed_total",
			Help: "Overdue transactions the expiration sweep failed to advance.",
		}),
		jobsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_timeout_jobs_total",
				Help: "Delayed timeout jobs consumed, by outcome.",
			},
			[]string{"outcome"},
		),
		consistencyGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "escrow_consistency_report",
				Help: "Counts from the latest consistency validation run.",
			},
			[]string{"kind"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.transitions,
			m.rejections,
			m.ledgerOps,
			m.sweepProcessed,
			m.sweepFailed,
			m.jobsHandled,
			m.consistencyGauge,
		)
	}
	return m
}

func (m *Metrics) Transition(from, to, role string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, role).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) LedgerOp(op string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op).Inc()
}

func (m *Metrics) Sweep(processed, failed int) {
	if m == nil {
		return
	}
	m.sweepProcessed.Add(float64(processed))
	m.sweepFailed.Add(float64(failed))
}

func (m *Metrics) Job(outcome string) {
	if m == nil {
		return
	}
	m.jobsHandled.WithLabelValues(outcome).Inc()
}

// Consistency publishes the latest validator counts.
func (m *Metrics) Consistency(counts map[string]int) {
	if m == nil {
		return
	}
	for kind, n := range counts {
		m.consistencyGauge.WithLabelValues(kind).Set(float64(n))
	}
}
