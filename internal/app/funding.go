package app

import (
	"context"
	"math"
	"time"

	"hl-funding-arb/internal/account"
	"hl-funding-arb/internal/strategy"

	"go.uber.org/zap"
)

// booked and estimated funding may differ by this share before it is flagged
const fundingDriftTolerance = 0.1

// reconcileFunding compares the funding the venue booked for each open position
// with the ledger's estimate, once per funding period. The ledger accrues from
// the snapshot rate; the venue settles hourly on its own marks.
func (a *App) reconcileFunding(ctx context.Context, now time.Time) {
	if a.account == nil {
		return
	}
	period := strategy.PeriodIndex(now)
	if period == a.fundingPeriod {
		return
	}
	positions := a.engine.Manager().Positions()
	if len(positions) == 0 {
		a.fundingPeriod = period
		return
	}
	since := now
	for _, pos := range positions {
		if pos.OpenedAt.Before(since) {
			since = pos.OpenedAt
		}
	}
	payments, err := a.account.UserFunding(ctx, since)
	if err != nil {
		// retried next tick
		a.log.Warn("user funding fetch failed", zap.Error(err))
		return
	}
	a.fundingPeriod = period

	opened := make(map[string]time.Time, len(positions))
	for _, pos := range positions {
		opened[pos.Asset] = pos.OpenedAt
	}
	held := payments[:0]
	for _, p := range payments {
		if at, ok := opened[p.Asset]; ok && !p.Time.Before(at) {
			held = append(held, p)
		}
	}
	booked := account.FundingTotals(held)
	for _, pos := range positions {
		total := booked[pos.Asset]
		// shown in status even before anything settles
		booked[pos.Asset] = total
		diff := total - pos.AccumulatedFunding
		scale := math.Max(math.Abs(total), math.Abs(pos.AccumulatedFunding))
		fields := []zap.Field{
			zap.String("asset", pos.Asset),
			zap.Float64("booked", total),
			zap.Float64("estimated", pos.AccumulatedFunding),
			zap.Float64("diff", diff),
		}
		if scale > 0 && math.Abs(diff) > fundingDriftTolerance*scale {
			a.log.Warn("booked funding differs from estimate", fields...)
			continue
		}
		a.log.Info("funding reconciled", fields...)
	}
	a.bookedFunding = booked
}
