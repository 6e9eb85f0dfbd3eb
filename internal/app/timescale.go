package app

import (
	"hl-funding-arb/internal/engine"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/report"
)

// recordTimescale queues one row per held position and one account row. The
// sink drops rows when its queue is full, so this never blocks the cycle.
func (a *App) recordTimescale(snap market.Snapshot, res engine.CycleResult) {
	if a.timescale == nil {
		return
	}
	mgr := a.engine.Manager()
	acct := mgr.Account()
	positions := mgr.Positions()
	for _, pos := range positions {
		mark, _ := acct.Mark(pos.Asset)
		a.timescale.EnqueuePosition(report.PositionRecord{
			Time:               res.Time,
			Asset:              pos.Asset,
			Status:             string(pos.Status),
			Direction:          string(pos.Direction),
			FundingRate:        snap.Rates[pos.Asset],
			MarkPrice:          mark,
			SpotQty:            pos.SpotQty,
			PerpQty:            pos.PerpQty,
			LiquidationPrice:   pos.LiquidationPrice,
			AccumulatedFunding: pos.AccumulatedFunding,
		})
	}
	a.timescale.EnqueueAccount(report.AccountRecord{
		Time:          res.Time,
		Equity:        res.Equity,
		UsedMargin:    res.UsedMargin,
		OpenPositions: len(positions),
		Halted:        len(mgr.HaltedAssets()),
		Errors:        len(res.Errors),
	})
}
