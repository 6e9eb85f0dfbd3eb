package position

import (
	"context"
	"math"
	"time"

	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/exec"
)

// Leg names the role a HedgeLeg plays inside a position.
type Leg string

const (
	LegSpot Leg = "spot"
	LegPerp Leg = "perp"
)

// Order is a signed-quantity instruction to a leg. Positive buys.
type Order struct {
	ClientOrderID string
	Asset         string
	Qty           float64
	RefPrice      float64
	Time          time.Time
}

// HedgeLeg executes one side of a hedge. The manager only ever talks to legs
// through this contract, so swapping the spot-role implementation does not touch
// the position state machine.
type HedgeLeg interface {
	Role() Leg
	Venue() exec.Venue
	// MarginFraction is the share of notional this leg locks as margin.
	MarginFraction(leverage float64) float64
	CanShort() bool
	Open(ctx context.Context, order Order) (exec.Fill, error)
	Close(ctx context.Context, order Order) (exec.Fill, error)
}

type legBase struct {
	adapter exec.Adapter
	venue   exec.Venue
	role    Leg
}

func (l legBase) Role() Leg         { return l.role }
func (l legBase) Venue() exec.Venue { return l.venue }

func (l legBase) submit(ctx context.Context, order Order, reduceOnly bool) (exec.Fill, error) {
	if order.Qty == 0 {
		return exec.Fill{}, &exec.Rejection{ClientOrderID: order.ClientOrderID, Reason: "zero quantity"}
	}
	return l.adapter.Submit(ctx, exec.Intent{
		ClientOrderID: order.ClientOrderID,
		Asset:         order.Asset,
		Venue:         l.venue,
		IsBuy:         order.Qty > 0,
		Qty:           math.Abs(order.Qty),
		RefPrice:      order.RefPrice,
		ReduceOnly:    reduceOnly,
		Time:          order.Time,
	})
}

// PerpLeg is the perpetual side of every hedge.
type PerpLeg struct {
	legBase
}

func NewPerpLeg(adapter exec.Adapter) *PerpLeg {
	return &PerpLeg{legBase{adapter: adapter, venue: exec.VenuePerp, role: LegPerp}}
}

func (l *PerpLeg) MarginFraction(leverage float64) float64 { return 1 / leverage }
func (l *PerpLeg) CanShort() bool                          { return true }

func (l *PerpLeg) Open(ctx context.Context, order Order) (exec.Fill, error) {
	return l.submit(ctx, order, false)
}

func (l *PerpLeg) Close(ctx context.Context, order Order) (exec.Fill, error) {
	return l.submit(ctx, order, true)
}

// SyntheticPerpLeg stands in for spot exposure with a second perp position on
// the same book. It can short and is margined like any perp.
type SyntheticPerpLeg struct {
	legBase
}

func NewSyntheticPerpLeg(adapter exec.Adapter) *SyntheticPerpLeg {
	return &SyntheticPerpLeg{legBase{adapter: adapter, venue: exec.VenuePerp, role: LegSpot}}
}

func (l *SyntheticPerpLeg) MarginFraction(leverage float64) float64 { return 1 / leverage }
func (l *SyntheticPerpLeg) CanShort() bool                          { return true }

func (l *SyntheticPerpLeg) Open(ctx context.Context, order Order) (exec.Fill, error) {
	return l.submit(ctx, order, false)
}

func (l *SyntheticPerpLeg) Close(ctx context.Context, order Order) (exec.Fill, error) {
	return l.submit(ctx, order, true)
}

// SpotLeg holds real spot inventory. Spot is fully funded and cannot be sold
// short, so it only serves LONG_SPOT_SHORT_PERP hedges.
type SpotLeg struct {
	legBase
}

func NewSpotLeg(adapter exec.Adapter) *SpotLeg {
	return &SpotLeg{legBase{adapter: adapter, venue: exec.VenueSpot, role: LegSpot}}
}

func (l *SpotLeg) MarginFraction(float64) float64 { return 1 }
func (l *SpotLeg) CanShort() bool                 { return false }

func (l *SpotLeg) Open(ctx context.Context, order Order) (exec.Fill, error) {
	if order.Qty < 0 {
		return exec.Fill{}, &exec.Rejection{ClientOrderID: order.ClientOrderID, Reason: "spot leg cannot open short"}
	}
	return l.submit(ctx, order, false)
}

// Close sells inventory; the spot book has no reduce-only flag.
func (l *SpotLeg) Close(ctx context.Context, order Order) (exec.Fill, error) {
	return l.submit(ctx, order, false)
}

// LegsFor builds the spot and perp legs for a spot_execution mode, both routed
// through the same adapter.
func LegsFor(spotExecution string, adapter exec.Adapter) (spot, perp HedgeLeg) {
	if spotExecution == config.SpotExecutionSpot {
		return NewSpotLeg(adapter), NewPerpLeg(adapter)
	}
	return NewSyntheticPerpLeg(adapter), NewPerpLeg(adapter)
}
