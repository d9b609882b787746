package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Actions and outcomes used as label values.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"

	OutcomeSucceeded = "succeeded"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// Metrics covers reviewer actions and the privileged callable.
type Metrics struct {
	Actions        *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	Callable       *prometheus.CounterVec
	GatewayCircuit prometheus.Gauge
}

// New registers approval metrics on reg, or the default registerer when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_review_actions_total",
			Help: "Reviewer approve/reject attempts by outcome",
		}, []string{"action", "outcome"}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "receiptflow_review_action_duration_seconds",
			Help:    "Duration of approve/reject calls including the remote hop",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"action"}),
		Callable: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_callable_requests_total",
			Help: "approveReceipt callable requests by outcome",
		}, []string{"outcome"}),
		GatewayCircuit: factory.NewGauge(prometheus.GaugeOpts{
			Name: "receiptflow_callable_gateway_circuit_open",
			Help: "1 while the callable gateway circuit is open",
		}),
	}
}

func (m *Metrics) IncrementAction(action, outcome string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveAction(action string, start time.Time) {
	if m == nil {
		return
	}
	m.ActionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementCallable(outcome string) {
	if m == nil {
		return
	}
	m.Callable.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.GatewayCircuit.Set(1)
		return
	}
	m.GatewayCircuit.Set(0)
}
