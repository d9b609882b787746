package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolution outcomes.
const (
	OutcomeResolved   = "resolved"
	OutcomeSignedOut  = "signed_out"
	OutcomeFailed     = "failed"
	OutcomeSuperseded = "superseded"
)

// Metrics provides observability for session resolution.
type Metrics struct {
	Resolutions     *prometheus.CounterVec
	ResolveDuration prometheus.Histogram
	SessionsByRole  *prometheus.CounterVec
}

// New registers identity metrics on reg, or the default registerer when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_session_resolutions_total",
			Help: "Auth events processed by outcome",
		}, []string{"outcome"}),
		ResolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "receiptflow_session_resolve_duration_seconds",
			Help:    "Duration of token refresh plus claims read",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		SessionsByRole: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_sessions_resolved_by_role_total",
			Help: "Resolved sessions by derived role",
		}, []string{"role"}),
	}
}

func (m *Metrics) IncrementOutcome(outcome string) {
	m.Resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementRole(role string) {
	m.SessionsByRole.WithLabelValues(role).Inc()
}

// ObserveResolve records a resolution. Call with time.Now() at the start.
func (m *Metrics) ObserveResolve(start time.Time) {
	m.ResolveDuration.Observe(time.Since(start).Seconds())
}
