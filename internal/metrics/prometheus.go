package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_funding_arb"

type promLabeled struct {
	vec *prometheus.CounterVec
}

func (p promLabeled) With(label string) Counter {
	return p.vec.WithLabelValues(label)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	rejected *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	p.rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "risk_rejections_total",
		Help:      "Entry proposals rejected by the risk gate, by reason.",
	}, []string{"reason"})
	p.registry.MustRegister(p.rejected)

	p.Metrics = &Metrics{
		Cycles:            p.counter("cycles_total", "Completed strategy cycles."),
		PositionsOpened:   p.counter("positions_opened_total", "Hedged positions opened."),
		PositionsClosed:   p.counter("positions_closed_total", "Hedged positions closed."),
		Rebalances:        p.counter("rebalances_total", "Corrective delta rebalances."),
		ForceCloses:       p.counter("force_closes_total", "Positions force-closed on liquidation risk."),
		OrdersPlaced:      p.counter("orders_placed_total", "Orders filled by the execution adapter."),
		OrdersFailed:      p.counter("orders_failed_total", "Order attempts that failed."),
		ExecutionFailures: p.counter("execution_failures_total", "Legs that failed after all retries."),
		DataUnavailable:   p.counter("data_unavailable_total", "Assets skipped for missing market data."),
		RiskRejections:    promLabeled{vec: p.rejected},
		Equity:            p.gauge("equity_usd", "Account equity in USD."),
		UsedMargin:        p.gauge("used_margin_usd", "Margin in use in USD."),
		OpenPositions:     p.gauge("open_positions", "Open hedged positions."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) gauge(name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return g
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
