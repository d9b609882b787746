package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks live query health.
type Metrics struct {
	ActiveSubscriptions prometheus.Gauge
	Snapshots           *prometheus.CounterVec
	SubscriptionErrors  *prometheus.CounterVec
	StatusWrites        *prometheus.CounterVec
}

// New registers receipt metrics on reg, or the default registerer when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "receiptflow_receipt_subscriptions_active",
			Help: "Open live receipt queries",
		}),
		Snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_receipt_snapshots_total",
			Help: "Snapshots emitted by backend",
		}, []string{"backend"}),
		SubscriptionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_receipt_subscription_errors_total",
			Help: "Live queries terminated by an error, by backend",
		}, []string{"backend"}),
		StatusWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_receipt_status_writes_total",
			Help: "Receipt status transitions by status and outcome",
		}, []string{"status", "outcome"}),
	}
}

func (m *Metrics) SubscriptionOpened() {
	if m != nil {
		m.ActiveSubscriptions.Inc()
	}
}

func (m *Metrics) SubscriptionClosed() {
	if m != nil {
		m.ActiveSubscriptions.Dec()
	}
}

func (m *Metrics) IncrementSnapshot(backend string) {
	if m != nil {
		m.Snapshots.WithLabelValues(backend).Inc()
	}
}

func (m *Metrics) IncrementSubscriptionError(backend string) {
	if m != nil {
		m.SubscriptionErrors.WithLabelValues(backend).Inc()
	}
}

func (m *Metrics) IncrementStatusWrite(status, outcome string) {
	if m != nil {
		m.StatusWrites.WithLabelValues(status, outcome).Inc()
	}
}
