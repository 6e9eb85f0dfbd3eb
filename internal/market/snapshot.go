package market

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"hl-funding-arb/internal/strategy"
)

var ErrDataUnavailable = errors.New("market data unavailable")

// Snapshot is everything one cycle knows about the market: the current 8h
// funding rate and mark per asset. Assets that could not be priced are listed in
// Missing with an error wrapping ErrDataUnavailable and appear in neither map.
type Snapshot struct {
	Time        time.Time
	Rates       map[string]float64
	Prices      map[string]float64
	MaxLeverage map[string]float64
	Missing     map[string]error
}

func NewSnapshot(ts time.Time) Snapshot {
	return Snapshot{
		Time:        ts,
		Rates:       make(map[string]float64),
		Prices:      make(map[string]float64),
		MaxLeverage: make(map[string]float64),
		Missing:     make(map[string]error),
	}
}

// Set records a priced asset.
func (s *Snapshot) Set(asset string, rate, price float64) {
	if price <= 0 {
		s.MarkMissing(asset, fmt.Errorf("non-positive mark %v", price))
		return
	}
	s.Rates[asset] = rate
	s.Prices[asset] = price
	delete(s.Missing, asset)
}

func (s *Snapshot) MarkMissing(asset string, reason error) {
	delete(s.Rates, asset)
	delete(s.Prices, asset)
	if reason == nil {
		s.Missing[asset] = fmt.Errorf("%s: %w", asset, ErrDataUnavailable)
		return
	}
	s.Missing[asset] = fmt.Errorf("%s: %w: %v", asset, ErrDataUnavailable, reason)
}

// Assets lists the priced assets sorted by symbol.
func (s Snapshot) Assets() []strategy.Asset {
	out := make([]strategy.Asset, 0, len(s.Prices))
	for symbol, price := range s.Prices {
		rate, ok := s.Rates[symbol]
		if !ok {
			continue
		}
		out = append(out, strategy.Asset{
			Symbol:      symbol,
			FundingRate: rate,
			MarkPrice:   price,
			MaxLeverage: s.MaxLeverage[symbol],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// MissingAssets lists the unavailable assets sorted by symbol.
func (s Snapshot) MissingAssets() []string {
	out := make([]string, 0, len(s.Missing))
	for asset := range s.Missing {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}
