package position

import (
	"math"
	"time"

	"hl-funding-arb/internal/strategy"
)

// Position is one asset's hedge. Leg quantities are signed base units; each leg
// keeps its own average entry price so partial fills and rebalances realize
// price PnL correctly.
type Position struct {
	Asset              string             `json:"asset"`
	Direction          strategy.Direction `json:"direction"`
	Status             strategy.State     `json:"status"`
	SpotQty            float64            `json:"spot_qty"`
	PerpQty            float64            `json:"perp_qty"`
	SpotEntryPrice     float64            `json:"spot_entry_price"`
	PerpEntryPrice     float64            `json:"perp_entry_price"`
	EntryPrice         float64            `json:"entry_price"`
	EntryFundingRate   float64            `json:"entry_funding_rate"`
	OpenedAt           time.Time          `json:"opened_at"`
	ClosedAt           time.Time          `json:"closed_at"`
	LiquidationPrice   float64            `json:"liquidation_price"`
	AccumulatedFunding float64            `json:"accumulated_funding"`
	Fees               float64            `json:"fees"`
	PricePnL           float64            `json:"price_pnl"`
	RealizedPnL        float64            `json:"realized_pnl"`
	LastFundingPeriod  int64              `json:"last_funding_period"`
	FundingPeriods     int                `json:"funding_periods"`
	Rebalances         int                `json:"rebalances"`
	CloseReason        string             `json:"close_reason,omitempty"`
}

// SpotSize is the signed notional of the spot leg at mark.
func (p Position) SpotSize(mark float64) float64 { return p.SpotQty * mark }

// PerpSize is the signed notional of the perp leg at mark.
func (p Position) PerpSize(mark float64) float64 { return p.PerpQty * mark }

func (p Position) NetQty() float64 { return p.SpotQty + p.PerpQty }

// DeltaDrift is |spot + perp| / |perp|. Both legs share one mark, so the ratio is
// the same in quantity or notional. A lone spot leg drifts infinitely.
func (p Position) DeltaDrift() float64 {
	net := math.Abs(p.NetQty())
	if p.PerpQty == 0 {
		if net == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return net / math.Abs(p.PerpQty)
}

func (p Position) InBand(threshold float64) bool {
	return p.DeltaDrift() <= threshold
}

func (p Position) UnrealizedPnL(mark float64) float64 {
	if mark <= 0 {
		return 0
	}
	return p.SpotQty*(mark-p.SpotEntryPrice) + p.PerpQty*(mark-p.PerpEntryPrice)
}

func (p Position) View(mark float64) strategy.PositionView {
	return strategy.PositionView{
		Asset:            p.Asset,
		Direction:        p.Direction,
		Status:           p.Status,
		MarkPrice:        mark,
		LiquidationPrice: p.LiquidationPrice,
	}
}

// applyLegFill folds a signed fill into a leg and returns the price PnL realized
// by any reduction.
func applyLegFill(qty, avg *float64, delta, price float64) float64 {
	cur := *qty
	if delta == 0 {
		return 0
	}
	if cur == 0 || (cur > 0) == (delta > 0) {
		next := cur + delta
		*avg = (math.Abs(cur)*(*avg) + math.Abs(delta)*price) / math.Abs(next)
		*qty = next
		return 0
	}
	closing := math.Min(math.Abs(delta), math.Abs(cur))
	realized := closing * (price - *avg)
	if cur < 0 {
		realized = -realized
	}
	next := cur + delta
	switch {
	case math.Abs(delta) > math.Abs(cur):
		*avg = price
	case next == 0:
		*avg = 0
	}
	*qty = next
	return realized
}
