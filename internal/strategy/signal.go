package strategy

import (
	"math"
	"sort"
)

func AnnualizedRate(rate8h float64) float64 {
	return rate8h * PeriodsPerYear
}

// DirectionFor picks the side that receives funding: a positive rate means longs
// pay shorts, so the perp leg goes short.
func DirectionFor(rate8h float64) Direction {
	switch {
	case rate8h > 0:
		return LongSpotShortPerp
	case rate8h < 0:
		return ShortSpotLongPerp
	}
	return DirectionNone
}

func NewSignal(asset Asset, threshold float64) FundingSignal {
	dir := DirectionFor(asset.FundingRate)
	return FundingSignal{
		Asset:          asset.Symbol,
		Rate8h:         asset.FundingRate,
		AnnualizedRate: AnnualizedRate(asset.FundingRate),
		Direction:      dir,
		Eligible:       dir != DirectionNone && math.Abs(asset.FundingRate) >= threshold,
		MarkPrice:      asset.MarkPrice,
	}
}

// Evaluate returns the eligible signals ranked best first. Ties on |annualized|
// are broken by symbol so replays stay deterministic.
func Evaluate(assets []Asset, threshold float64) []FundingSignal {
	out := make([]FundingSignal, 0, len(assets))
	for _, asset := range assets {
		if asset.Symbol == "" || asset.MarkPrice <= 0 || math.IsNaN(asset.FundingRate) {
			continue
		}
		sig := NewSignal(asset, threshold)
		if !sig.Eligible {
			continue
		}
		out = append(out, sig)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].AnnualizedRate), math.Abs(out[j].AnnualizedRate)
		if ai != aj {
			return ai > aj
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// SignalsByAsset indexes a ranked signal list.
func SignalsByAsset(signals []FundingSignal) map[string]FundingSignal {
	out := make(map[string]FundingSignal, len(signals))
	for _, sig := range signals {
		out[sig.Asset] = sig
	}
	return out
}
