package strategy

import "time"

// FundingInterval is the cadence of one funding payment on Hyperliquid perps.
const FundingInterval = 8 * time.Hour

// PeriodsPerYear counts funding periods in a 365-day year.
const PeriodsPerYear = 3 * 365

type State string

type Event string

const (
	StateNone    State = "NONE"
	StateOpen    State = "OPEN"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
)

const (
	EventEnter     Event = "ENTER"
	EventRebalance Event = "REBALANCE"
	EventExit      Event = "EXIT"
	EventFilled    Event = "FILLED"
)

type Direction string

const (
	DirectionNone     Direction = ""
	LongSpotShortPerp Direction = "LONG_SPOT_SHORT_PERP"
	ShortSpotLongPerp Direction = "SHORT_SPOT_LONG_PERP"
)

// SpotSign is +1 when the spot leg is long.
func (d Direction) SpotSign() float64 {
	switch d {
	case LongSpotShortPerp:
		return 1
	case ShortSpotLongPerp:
		return -1
	}
	return 0
}

func (d Direction) PerpSign() float64 {
	return -d.SpotSign()
}

// Asset is one cycle's view of a tradable symbol.
type Asset struct {
	Symbol      string
	FundingRate float64
	MarkPrice   float64
	MaxLeverage float64
}

type FundingSignal struct {
	Asset          string
	Rate8h         float64
	AnnualizedRate float64
	Direction      Direction
	Eligible       bool
	MarkPrice      float64
}

// PeriodIndex maps a timestamp onto its funding period.
func PeriodIndex(ts time.Time) int64 {
	return ts.Unix() / int64(FundingInterval/time.Second)
}

// PeriodStart is the opening timestamp of the given funding period.
func PeriodStart(period int64) time.Time {
	return time.Unix(period*int64(FundingInterval/time.Second), 0).UTC()
}
