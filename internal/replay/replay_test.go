package replay

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"

	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/engine"
	"hl-funding-arb/internal/history"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Assets:               []string{"BTC", "ETH"},
			FundingRateThreshold: 0.0001,
			RebalanceThreshold:   0.05,
			MaxPositionUSD:       10000,
			MinPositionUSD:       100,
			Leverage:             2,
			SpotExecution:        config.SpotExecutionSynthetic,
		},
		Risk: config.RiskConfig{
			LiquidationBuffer: 0.3,
			MaxSlippage:       0.001,
			MaxEquityFraction: 0.8,
		},
		Exec:     config.ExecConfig{MaxAttempts: 3, RetryBackoff: time.Second},
		Backtest: config.BacktestConfig{InitialCapital: 10000},
	}
}

func period(i int) time.Time {
	return t0.Add(time.Duration(i) * strategy.FundingInterval)
}

func constantSeries(n int, asset string, rate, price float64) Series {
	out := make(Series, 0, n)
	for i := 0; i < n; i++ {
		snap := market.NewSnapshot(period(i))
		snap.Set(asset, rate, price)
		out = append(out, snap)
	}
	return out
}

func TestConstantFundingRun(t *testing.T) {
	res, err := New(testConfig(), nil).Run(context.Background(), constantSeries(10, "BTC", 0.0005, 100))
	require.NoError(t, err)

	assert.Equal(t, 10, res.Periods)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, engine.ReasonEndOfRun, res.Closed[0].CloseReason)
	assert.Zero(t, res.Closed[0].Rebalances)
	require.Len(t, res.Funding, 10)
	assert.InDelta(t, 10*0.0005*8000, res.Summary.FundingCollected, 1e-6)
	assert.InDelta(t, 10040, res.Summary.FinalEquity, 1e-6)
	assert.InDelta(t, 0.4, res.Summary.TotalReturnPct, 1e-9)
	assert.Equal(t, 1.0, res.Summary.WinRate)
	assert.Zero(t, res.Summary.MaxDrawdownPct)

	require.Len(t, res.Equity, 10)
	last := res.Equity[9]
	assert.Zero(t, last.OpenPositions, "final point is taken after the closing trades")
	assert.InDelta(t, 10040, last.Cash, 1e-6)
}

func TestRunIsDeterministic(t *testing.T) {
	series := Series{}
	prices := []float64{100, 101, 99, 104, 108, 103, 100, 97, 99, 102}
	rates := []float64{0.0004, 0.0006, 0.0002, -0.0003, -0.0005, 0.00005, 0.0003, 0.0003, 0.0008, 0.0001}
	for i := range prices {
		snap := market.NewSnapshot(period(i))
		snap.Set("BTC", rates[i], prices[i])
		snap.Set("ETH", rates[len(rates)-1-i], prices[i]/20)
		series = append(series, snap)
	}
	cfg := testConfig()
	cfg.Backtest.FeeRate = 0.00035
	cfg.Strategy.MaxPositionUSD = 3000

	first, err := New(cfg, nil).Run(context.Background(), series)
	require.NoError(t, err)
	second, err := New(cfg, nil).Run(context.Background(), series)
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	for _, pair := range [][2]any{
		{first.Trades, second.Trades},
		{first.Funding, second.Funding},
		{first.Equity, second.Equity},
		{first.Summary, second.Summary},
	} {
		a, err := json.Marshal(pair[0])
		require.NoError(t, err)
		b, err := json.Marshal(pair[1])
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
	}
	assert.NotEmpty(t, first.Trades)
	for _, pos := range first.Closed {
		assert.Equal(t, strategy.StateClosed, pos.Status)
	}
	assert.Zero(t, first.Equity[len(first.Equity)-1].OpenPositions)

	// Every position is flat at the end, so the trade cash flows are the
	// whole price PnL and the ledger must close against final equity.
	var funding, pricePnL, cashFlow, fees float64
	for _, p := range first.Funding {
		funding += p.Amount
	}
	for _, tr := range first.Trades {
		pricePnL += tr.PricePnL
		fees += tr.Fee
		notional := tr.Qty * tr.Price
		if tr.Side == "buy" {
			notional = -notional
		}
		cashFlow += notional
	}
	assert.Positive(t, fees)
	assert.InDelta(t, cashFlow, pricePnL, 1e-6)
	assert.InDelta(t, first.Summary.FinalEquity-first.Summary.InitialCapital, funding+pricePnL-fees, 1e-6)
	assert.InDelta(t, funding, first.Summary.FundingCollected, 1e-6)
	assert.InDelta(t, fees, first.Summary.FeesPaid, 1e-6)
	assert.InDelta(t, pricePnL, first.Summary.PricePnL, 1e-6)

	cfg.Strategy.Leverage = 3
	third, err := New(cfg, nil).Run(context.Background(), series)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, third.RunID)
}

func TestFlipAndLiquidationInReplay(t *testing.T) {
	series := constantSeries(2, "BTC", 0.0005, 100)
	rally := market.NewSnapshot(period(2))
	rally.Set("BTC", 0.0005, 118)
	flip := market.NewSnapshot(period(3))
	flip.Set("BTC", -0.0005, 118)
	series = append(series, rally, flip)

	res, err := New(testConfig(), nil).Run(context.Background(), series)
	require.NoError(t, err)
	require.Len(t, res.Closed, 2)
	assert.Equal(t, engine.ReasonLiquidation, res.Closed[0].CloseReason)
	assert.Equal(t, strategy.LongSpotShortPerp, res.Closed[0].Direction)
	assert.Equal(t, strategy.ShortSpotLongPerp, res.Closed[1].Direction)
	assert.Equal(t, engine.ReasonEndOfRun, res.Closed[1].CloseReason)
}

func TestRunRejectsOutOfOrder(t *testing.T) {
	series := constantSeries(3, "BTC", 0.0005, 100)
	series[2].Time = series[1].Time
	_, err := New(testConfig(), nil).Run(context.Background(), series)
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestRunRejectsEmptySeries(t *testing.T) {
	_, err := New(testConfig(), nil).Run(context.Background(), Series{})
	assert.ErrorIs(t, err, ErrEmptySeries)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(testConfig(), nil).Run(ctx, constantSeries(3, "BTC", 0.0005, 100))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunFromHistoryCache(t *testing.T) {
	ctx := context.Background()
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var funding []history.FundingPoint
	var prices []history.PricePoint
	for h := 0; h < 24; h++ {
		ts := t0.Add(time.Duration(h) * time.Hour)
		funding = append(funding, history.FundingPoint{Time: ts, Rate: 0.0000625})
		prices = append(prices, history.PricePoint{Time: ts, Price: 100})
	}
	require.NoError(t, store.UpsertFunding(ctx, "BTC", funding))
	require.NoError(t, store.UpsertPrices(ctx, "BTC", prices))

	src := history.NewSource(store, []string{"BTC"}, t0, t0.Add(24*time.Hour))
	res, err := New(testConfig(), nil).Run(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Periods)
	require.Len(t, res.Funding, 3)
	assert.InDelta(t, 0.0005, res.Funding[0].Rate, 1e-12)
}

func TestStatistics(t *testing.T) {
	assert.InDelta(t, 0.25, MaxDrawdown([]float64{100, 120, 90, 130}), 1e-12)
	assert.Zero(t, MaxDrawdown([]float64{100, 101, 102}))

	assert.Zero(t, Sharpe([]float64{0.01}, 1095))
	assert.Zero(t, Sharpe([]float64{0.01, 0.01, 0.01}, 1095))
	want := 0.02 / math.Sqrt(0.0002) * math.Sqrt(1095)
	assert.InDelta(t, want, Sharpe([]float64{0.01, 0.03}, 1095), 1e-9)

	returns := PeriodReturns([]float64{100, 110, 99})
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.1, returns[0], 1e-12)
	assert.InDelta(t, -0.1, returns[1], 1e-12)

	res := &Result{
		Start:  t0,
		End:    t0.Add(365 * 24 * time.Hour / 2),
		Equity: []EquityPoint{{Equity: 10500}},
	}
	s := Summarize(10000, res)
	assert.InDelta(t, 5, s.TotalReturnPct, 1e-9)
	assert.InDelta(t, 10, s.AnnualizedReturnPct, 1e-9)
}
