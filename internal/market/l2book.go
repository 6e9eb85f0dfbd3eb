package market

import (
	"context"
	"errors"
	"fmt"
	"math"

	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/hl/rest"
)

type BookLevel struct {
	Price float64
	Size  float64
}

type Book struct {
	Bids []BookLevel
	Asks []BookLevel
}

func (b Book) Mid() float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return (b.Bids[0].Price + b.Asks[0].Price) / 2
}

// Slippage walks the side a taker would hit for notional USD and returns the
// relative distance of the average fill from the mid.
func (b Book) Slippage(isBuy bool, notional float64) (float64, error) {
	mid := b.Mid()
	if mid <= 0 {
		return 0, errors.New("empty book")
	}
	levels := b.Bids
	if isBuy {
		levels = b.Asks
	}
	remaining := notional
	var qty, cost float64
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, lvl.Price*lvl.Size)
		qty += take / lvl.Price
		cost += take
		remaining -= take
	}
	if remaining > 1e-9 {
		return 0, fmt.Errorf("book depth %.2f short of %.2f", notional-remaining, notional)
	}
	if qty == 0 {
		return 0, nil
	}
	avg := cost / qty
	return math.Abs(avg-mid) / mid, nil
}

// EstimateSlippage fetches the l2Book for the venue's instrument and prices
// a taker order of notional USD against it.
func (m *Live) EstimateSlippage(ctx context.Context, asset string, venue exec.Venue, isBuy bool, notional float64) (float64, error) {
	if m.rest == nil {
		return 0, fmt.Errorf("%s: %w", asset, ErrDataUnavailable)
	}
	coin := asset
	if venue == exec.VenueSpot {
		sc, ok := m.SpotContext(asset)
		if !ok {
			return 0, fmt.Errorf("%s: spot market not found: %w", asset, ErrDataUnavailable)
		}
		coin = sc.MidKey
	}
	resp, err := m.rest.InfoAny(ctx, rest.L2BookRequest{Type: "l2Book", Coin: coin})
	if err != nil {
		return 0, fmt.Errorf("%s l2Book: %w", coin, err)
	}
	book, err := parseL2Book(resp)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", coin, ErrDataUnavailable, err)
	}
	slip, err := book.Slippage(isBuy, notional)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", coin, ErrDataUnavailable, err)
	}
	return slip, nil
}

var _ exec.SlippageEstimator = (*Live)(nil)
