package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.PositionsOpened.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.ExecutionFailures.Inc()

	assertCounter(t, prom.counters["positions_opened_total"], 1)
	assertCounter(t, prom.counters["orders_placed_total"], 2)
	assertCounter(t, prom.counters["execution_failures_total"], 1)
	assertCounter(t, prom.counters["rebalances_total"], 0)
}

func TestPrometheusGaugesAndLabels(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Equity.Set(1234.5)
	prom.Metrics.RiskRejections.With("slippage").Inc()

	if got := testutil.ToFloat64(prom.gauges["equity_usd"]); got != 1234.5 {
		t.Fatalf("expected equity 1234.5, got %v", got)
	}
	if got := testutil.ToFloat64(prom.rejected.WithLabelValues("slippage")); got != 1 {
		t.Fatalf("expected 1 slippage rejection, got %v", got)
	}

	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "hl_funding_arb_equity_usd 1234.5") {
		t.Fatalf("expected equity in exposition, got:\n%s", rec.Body.String())
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoop()
	m.Cycles.Inc()
	m.Equity.Set(1)
	m.RiskRejections.With("x").Inc()
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
