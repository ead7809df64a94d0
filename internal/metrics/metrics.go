package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the settlement collectors. A nil *Metrics records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	purchases     *prometheus.CounterVec
	releases      *prometheus.CounterVec
	gatewayCalls  *prometheus.CounterVec
	refunds       *prometheus.CounterVec
	restockFlags  prometheus.Counter
	sweepDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "purchases_total",
			Help:      "Purchase attempts by terminal outcome.",
		}, []string{"outcome"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "reservations_released_total",
			Help:      "Reservations returned to stock, by the component that released them.",
		}, []string{"source"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "gateway_calls_total",
			Help:      "Payment gateway calls by operation and result.",
		}, []string{"op", "result"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "refunds_total",
			Help:      "Refund attempts by resulting status.",
		}, []string{"status"}),
		restockFlags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "manual_restock_flags_total",
			Help:      "Confirmed reservations flagged for operator restock review.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "reaper_sweep_seconds",
			Help:      "Duration of reservation expiry sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.purchases, m.releases, m.gatewayCalls, m.refunds, m.restockFlags, m.sweepDuration)
	return m
}

func (m *Metrics) PurchaseFinished(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReservationReleased(source string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(source).Inc()
}

func (m *Metrics) GatewayCall(op, result string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RefundFinished(status string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(status).Inc()
}

func (m *Metrics) RestockFlagged() {
	if m == nil {
		return
	}
	m.restockFlags.Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
