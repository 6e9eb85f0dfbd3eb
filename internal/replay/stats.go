package replay

import (
	"math"
	"time"

	"hl-funding-arb/internal/strategy"
)

const year = 365 * 24 * time.Hour

type Summary struct {
	InitialCapital      float64 `json:"initial_capital"`
	FinalEquity         float64 `json:"final_equity"`
	TotalReturn         float64 `json:"total_return"`
	TotalReturnPct      float64 `json:"total_return_pct"`
	AnnualizedReturnPct float64 `json:"annualized_return_pct"`
	WinRate             float64 `json:"win_rate"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	Sharpe              float64 `json:"sharpe"`
	FundingCollected    float64 `json:"funding_collected"`
	FeesPaid            float64 `json:"fees_paid"`
	PricePnL            float64 `json:"price_pnl"`
	Trades              int     `json:"trades"`
	PositionsClosed     int     `json:"positions_closed"`
}

// Summarize derives run statistics from the ledger and equity curve. The
// annualized figure is simple, not compounded: total return % over years spanned.
func Summarize(initial float64, res *Result) Summary {
	s := Summary{
		InitialCapital:  initial,
		FinalEquity:     initial,
		Trades:          len(res.Trades),
		PositionsClosed: len(res.Closed),
	}
	if n := len(res.Equity); n > 0 {
		s.FinalEquity = res.Equity[n-1].Equity
	}
	s.TotalReturn = s.FinalEquity - initial
	if initial > 0 {
		s.TotalReturnPct = s.TotalReturn / initial * 100
	}
	if years := float64(res.End.Sub(res.Start)) / float64(year); years > 0 {
		s.AnnualizedReturnPct = s.TotalReturnPct / years
	}

	var wins int
	for _, pos := range res.Closed {
		if pos.RealizedPnL > 0 {
			wins++
		}
	}
	if len(res.Closed) > 0 {
		s.WinRate = float64(wins) / float64(len(res.Closed))
	}
	for _, p := range res.Funding {
		s.FundingCollected += p.Amount
	}
	for _, tr := range res.Trades {
		s.FeesPaid += tr.Fee
		s.PricePnL += tr.PricePnL
	}

	curve := make([]float64, 0, len(res.Equity)+1)
	curve = append(curve, initial)
	for _, pt := range res.Equity {
		curve = append(curve, pt.Equity)
	}
	s.MaxDrawdownPct = MaxDrawdown(curve) * 100
	s.Sharpe = Sharpe(PeriodReturns(curve), strategy.PeriodsPerYear)
	return s
}

// PeriodReturns turns an equity curve into simple per-step returns. Steps from a
// non-positive level are skipped.
func PeriodReturns(curve []float64) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1] <= 0 {
			continue
		}
		out = append(out, curve[i]/curve[i-1]-1)
	}
	return out
}

// MaxDrawdown is the largest fall from a running peak, as a fraction of that peak.
func MaxDrawdown(curve []float64) float64 {
	var peak, worst float64
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

// Sharpe is mean/stdev of the returns scaled by sqrt(periodsPerYear), using the
// sample standard deviation. Flat or too-short series score zero.
func Sharpe(returns []float64, periodsPerYear float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(n-1))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}
