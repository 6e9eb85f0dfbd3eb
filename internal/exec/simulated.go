package exec

import (
	"context"
	"math"
)

// Simulated fills every intent in full at its reference price and charges a flat
// fee rate on the traded notional. It is a pure function of the intent.
type Simulated struct {
	FeeRate float64
}

func (s Simulated) Place(ctx context.Context, intent Intent) (Fill, error) {
	_ = ctx
	if intent.RefPrice <= 0 || math.IsNaN(intent.RefPrice) {
		return Fill{}, &Rejection{ClientOrderID: intent.ClientOrderID, Reason: "no reference price"}
	}
	if intent.Qty <= 0 {
		return Fill{}, &Rejection{ClientOrderID: intent.ClientOrderID, Reason: "non-positive quantity"}
	}
	return Fill{
		ClientOrderID: intent.ClientOrderID,
		Asset:         intent.Asset,
		Venue:         intent.Venue,
		IsBuy:         intent.IsBuy,
		Qty:           intent.Qty,
		Price:         intent.RefPrice,
		Fee:           intent.Qty * intent.RefPrice * s.FeeRate,
		Time:          intent.Time,
	}, nil
}

// EstimateSlippage is always zero: simulated fills land on the reference price.
func (s Simulated) EstimateSlippage(ctx context.Context, asset string, venue Venue, isBuy bool, notional float64) (float64, error) {
	return 0, nil
}
