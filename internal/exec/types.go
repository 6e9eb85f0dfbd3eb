package exec

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Venue is the order book an intent routes to.
type Venue string

const (
	VenuePerp Venue = "perp"
	VenueSpot Venue = "spot"
)

var (
	ErrRejected = errors.New("order rejected")
	ErrNoFill   = errors.New("order not filled")
)

// Intent is one order the position manager wants executed. Qty is in base units
// and always positive; IsBuy carries the side.
type Intent struct {
	ClientOrderID string
	Asset         string
	Venue         Venue
	IsBuy         bool
	Qty           float64
	RefPrice      float64
	ReduceOnly    bool
	Time          time.Time
}

func (i Intent) SignedQty() float64 {
	if i.IsBuy {
		return i.Qty
	}
	return -i.Qty
}

type Fill struct {
	ClientOrderID string    `json:"cloid"`
	OrderID       string    `json:"oid,omitempty"`
	Asset         string    `json:"asset"`
	Venue         Venue     `json:"venue"`
	IsBuy         bool      `json:"is_buy"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	Fee           float64   `json:"fee"`
	Time          time.Time `json:"time"`
}

func (f Fill) SignedQty() float64 {
	if f.IsBuy {
		return f.Qty
	}
	return -f.Qty
}

// Rejection is returned when the venue refuses an order outright.
type Rejection struct {
	ClientOrderID string
	Reason        string
}

func (r *Rejection) Error() string {
	if r.ClientOrderID == "" {
		return fmt.Sprintf("order rejected: %s", r.Reason)
	}
	return fmt.Sprintf("order %s rejected: %s", r.ClientOrderID, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return ErrRejected
}

// Adapter turns intents into fills.
type Adapter interface {
	Submit(ctx context.Context, intent Intent) (Fill, error)
}

// Gateway is the raw venue behind an Executor: the exchange client live, or
// Simulated in replay.
type Gateway interface {
	Place(ctx context.Context, intent Intent) (Fill, error)
}

// SlippageEstimator predicts the fractional price impact of trading notional USD.
type SlippageEstimator interface {
	EstimateSlippage(ctx context.Context, asset string, venue Venue, isBuy bool, notional float64) (float64, error)
}
