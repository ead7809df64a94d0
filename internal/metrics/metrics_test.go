package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PurchaseFinished("settled")
	m.PurchaseFinished("settled")
	m.ReservationReleased("reaper")
	m.RestockFlagged()
	m.ObserveSweep(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.purchases.WithLabelValues("settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.releases.WithLabelValues("reaper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restockFlags))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PurchaseFinished("aborted")
		m.GatewayCall("charge", "approved")
		m.RefundFinished("COMPLETED")
		m.ObserveSweep(time.Second)
	})
}
