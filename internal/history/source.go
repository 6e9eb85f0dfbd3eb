package history

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"time"

	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/strategy"
)

// Source replays the cache as one snapshot per 8h funding period. A period's
// rate is the sum of the settled rates inside it, so hourly and 8-hourly
// series both come out as 8h rates. The mark is the cached price nearest to
// the period start, within MaxPriceGap.
type Source struct {
	store       *Store
	assets      []string
	start       time.Time
	end         time.Time
	MaxPriceGap time.Duration
}

func NewSource(store *Store, assets []string, start, end time.Time) *Source {
	return &Source{
		store:       store,
		assets:      append([]string(nil), assets...),
		start:       start,
		end:         end,
		MaxPriceGap: strategy.FundingInterval,
	}
}

type assetSeries struct {
	rates  map[int64]float64
	prices []PricePoint
}

// Periods yields snapshots in strictly increasing time order. Periods in which
// no asset has a funding rate are skipped.
func (s *Source) Periods(ctx context.Context) iter.Seq2[market.Snapshot, error] {
	return func(yield func(market.Snapshot, error) bool) {
		if len(s.assets) == 0 {
			yield(market.Snapshot{}, errors.New("history source has no assets"))
			return
		}
		series := make(map[string]assetSeries, len(s.assets))
		periods := make(map[int64]struct{})
		for _, asset := range s.assets {
			funding, err := s.store.Funding(ctx, asset, s.start, s.end)
			if err != nil {
				yield(market.Snapshot{}, fmt.Errorf("load funding %s: %w", asset, err))
				return
			}
			prices, err := s.store.Prices(ctx, asset, s.start.Add(-s.MaxPriceGap), s.end.Add(s.MaxPriceGap))
			if err != nil {
				yield(market.Snapshot{}, fmt.Errorf("load prices %s: %w", asset, err))
				return
			}
			rates := make(map[int64]float64)
			for _, p := range funding {
				period := strategy.PeriodIndex(p.Time)
				rates[period] += p.Rate
				periods[period] = struct{}{}
			}
			series[asset] = assetSeries{rates: rates, prices: prices}
		}
		order := make([]int64, 0, len(periods))
		for p := range periods {
			order = append(order, p)
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

		for _, period := range order {
			if err := ctx.Err(); err != nil {
				yield(market.Snapshot{}, err)
				return
			}
			ts := strategy.PeriodStart(period)
			snap := market.NewSnapshot(ts)
			for _, asset := range s.assets {
				data := series[asset]
				rate, ok := data.rates[period]
				if !ok {
					snap.MarkMissing(asset, errors.New("no funding rate"))
					continue
				}
				price, ok := nearestPrice(data.prices, ts, s.MaxPriceGap)
				if !ok {
					snap.MarkMissing(asset, errors.New("no price near period start"))
					continue
				}
				snap.Set(asset, rate, price)
			}
			if !yield(snap, nil) {
				return
			}
		}
	}
}

// nearestPrice binary-searches prices (sorted by time) for the point closest to
// ts. Ties go to the earlier point.
func nearestPrice(prices []PricePoint, ts time.Time, maxGap time.Duration) (float64, bool) {
	if len(prices) == 0 {
		return 0, false
	}
	i := sort.Search(len(prices), func(i int) bool { return !prices[i].Time.Before(ts) })
	best := -1
	bestGap := time.Duration(math.MaxInt64)
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(prices) {
			continue
		}
		gap := prices[j].Time.Sub(ts)
		if gap < 0 {
			gap = -gap
		}
		if gap < bestGap {
			best, bestGap = j, gap
		}
	}
	if best < 0 || (maxGap > 0 && bestGap > maxGap) {
		return 0, false
	}
	return prices[best].Price, true
}
