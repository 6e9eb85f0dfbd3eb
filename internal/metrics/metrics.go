package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// LabeledCounter splits a counter by one label value, e.g. rejection reason.
type LabeledCounter interface {
	With(label string) Counter
}

type Metrics struct {
	Cycles            Counter
	PositionsOpened   Counter
	PositionsClosed   Counter
	Rebalances        Counter
	ForceCloses       Counter
	OrdersPlaced      Counter
	OrdersFailed      Counter
	ExecutionFailures Counter
	DataUnavailable   Counter
	RiskRejections    LabeledCounter

	Equity        Gauge
	UsedMargin    Gauge
	OpenPositions Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopLabeled struct{}

func (noopLabeled) With(string) Counter { return noopCounter{} }

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		Cycles:            n,
		PositionsOpened:   n,
		PositionsClosed:   n,
		Rebalances:        n,
		ForceCloses:       n,
		OrdersPlaced:      n,
		OrdersFailed:      n,
		ExecutionFailures: n,
		DataUnavailable:   n,
		RiskRejections:    noopLabeled{},
		Equity:            g,
		UsedMargin:        g,
		OpenPositions:     g,
	}
}
