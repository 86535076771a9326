package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordExecution(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordExecution("twap", true, 12, 3.5)
	m.RecordExecution("twap", false, 1, 0)
	m.RecordExecution("direct", true, 0.01, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("twap", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("twap", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("direct", "success")))
}

func TestGaugesAndCounters(t *testing.T) {
	m := New(DefaultConfig())
	m.AddActiveTasks("iceberg", 1)
	m.AddActiveTasks("iceberg", 1)
	m.AddActiveTasks("iceberg", -1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeTasks.WithLabelValues("iceberg")))

	m.UpdateBreakerState("gateway", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("gateway")))
	m.UpdateBreakerState("gateway", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("gateway")))

	m.RecordEmergencyStop("scheduled", "slippage")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.emergencyStops.WithLabelValues("scheduled", "slippage")))

	m.UpdateSlippageRisk("BTCUSDT", 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.slippageRisk.WithLabelValues("BTCUSDT")))
}

func TestNilMonitorIsNoop(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.RecordExecution("direct", true, 1, 1)
		m.RecordChildOrder("twap", false, 0.1)
		m.RecordSlippageSample("X", "low")
		m.UpdateEventsDropped(3)
		m.AddWSClients(1)
		m.RecordOrderBookUpdate("X")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordChildOrder("twap", true, 0.02)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "execalpha_engine_child_orders_total"))
}
