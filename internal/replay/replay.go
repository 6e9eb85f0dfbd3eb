package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/engine"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/position"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrOutOfOrder  = errors.New("snapshots out of order")
	ErrEmptySeries = errors.New("no periods to replay")
)

var runNamespace = uuid.MustParse("3d1b6f0e-8c42-4a57-b1f2-52b7f3a0c9d4")

// Source yields one snapshot per funding period in strictly increasing time.
type Source interface {
	Periods(ctx context.Context) iter.Seq2[market.Snapshot, error]
}

// Series is an in-memory Source.
type Series []market.Snapshot

func (s Series) Periods(ctx context.Context) iter.Seq2[market.Snapshot, error] {
	return func(yield func(market.Snapshot, error) bool) {
		for _, snap := range s {
			if err := ctx.Err(); err != nil {
				yield(market.Snapshot{}, err)
				return
			}
			if !yield(snap, nil) {
				return
			}
		}
	}
}

type EquityPoint struct {
	Time          time.Time `json:"time"`
	Equity        float64   `json:"equity"`
	Cash          float64   `json:"cash"`
	UsedMargin    float64   `json:"used_margin"`
	OpenPositions int       `json:"open_positions"`
}

type Result struct {
	RunID       string                    `json:"run_id"`
	Start       time.Time                 `json:"start"`
	End         time.Time                 `json:"end"`
	Periods     int                       `json:"periods"`
	Trades      []position.Trade          `json:"-"`
	Funding     []position.FundingPayment `json:"-"`
	Closed      []position.Position       `json:"-"`
	Equity      []EquityPoint             `json:"-"`
	CycleErrors int                       `json:"cycle_errors"`
	Rejections  int                       `json:"rejections"`
	Summary     Summary                   `json:"summary"`
}

// Engine replays a historical series through the same cycle the live loop runs,
// filling every order at the period mark plus a flat fee.
type Engine struct {
	cfg *config.Config
	log *zap.Logger
}

func New(cfg *config.Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, log: log}
}

// newManager builds a fresh ledger for one run. Retries never back off because
// simulated fills do not depend on the clock.
func (e *Engine) newManager() *position.Manager {
	gw := exec.New(exec.Simulated{FeeRate: e.cfg.Backtest.FeeRate}, nil, 0, e.log)
	spot, perp := position.LegsFor(e.cfg.Strategy.SpotExecution, gw)
	mcfg := position.ConfigFrom(e.cfg)
	mcfg.RetryBackoff = 0
	return position.NewManager(mcfg, spot, perp,
		position.NewAccountState(e.cfg.Backtest.InitialCapital), e.log)
}

// Run drives every period of src through one engine cycle, then force-closes
// whatever is still open at the last marks.
func (e *Engine) Run(ctx context.Context, src Source) (*Result, error) {
	mgr := e.newManager()
	cycle := engine.New(e.cfg, mgr, e.log)
	res := &Result{}

	var last time.Time
	for snap, err := range src.Periods(ctx) {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !last.IsZero() && !snap.Time.After(last) {
			return nil, fmt.Errorf("%w: %s after %s", ErrOutOfOrder, snap.Time.Format(time.RFC3339), last.Format(time.RFC3339))
		}
		if res.Periods == 0 {
			res.Start = snap.Time
		}
		last = snap.Time
		res.Periods++

		out, err := cycle.RunCycle(ctx, snap)
		if err != nil {
			return nil, err
		}
		res.CycleErrors += len(out.Errors)
		res.Rejections += len(out.Rejections)
		for _, asset := range out.ErrorAssets() {
			e.log.Debug("cycle error", zap.Time("period", snap.Time), zap.String("asset", asset), zap.Error(out.Errors[asset]))
		}
		res.Equity = append(res.Equity, equityPoint(snap.Time, mgr))
	}
	if res.Periods == 0 {
		return nil, ErrEmptySeries
	}
	res.End = last

	_, errs := cycle.CloseAll(ctx, last, engine.ReasonEndOfRun)
	for asset, err := range errs {
		res.CycleErrors++
		e.log.Warn("final close failed", zap.String("asset", asset), zap.Error(err))
	}
	res.Equity[len(res.Equity)-1] = equityPoint(last, mgr)

	res.Trades = mgr.Trades()
	res.Funding = mgr.Funding()
	res.Closed = mgr.Closed()
	res.Summary = Summarize(e.cfg.Backtest.InitialCapital, res)
	res.RunID = e.runID(res.Start, res.End)

	e.log.Info("replay finished",
		zap.String("run_id", res.RunID),
		zap.Int("periods", res.Periods),
		zap.Int("trades", len(res.Trades)),
		zap.Int("positions_closed", len(res.Closed)),
		zap.Float64("final_equity", res.Summary.FinalEquity),
		zap.Float64("total_return_pct", res.Summary.TotalReturnPct),
		zap.Float64("sharpe", res.Summary.Sharpe),
	)
	return res, nil
}

func equityPoint(ts time.Time, mgr *position.Manager) EquityPoint {
	acct := mgr.Account()
	return EquityPoint{
		Time:          ts,
		Equity:        acct.TotalEquity(),
		Cash:          acct.Cash(),
		UsedMargin:    acct.UsedMargin(),
		OpenPositions: len(acct.Positions()),
	}
}

// runID names a run by its inputs so that replaying the same series with the
// same settings produces the same id.
func (e *Engine) runID(start, end time.Time) string {
	payload, _ := json.Marshal(struct {
		Assets   []string              `json:"assets"`
		Strategy config.StrategyConfig `json:"strategy"`
		Risk     config.RiskConfig     `json:"risk"`
		Exec     config.ExecConfig     `json:"exec"`
		Backtest config.BacktestConfig `json:"backtest"`
		Start    int64                 `json:"start"`
		End      int64                 `json:"end"`
	}{
		Assets:   e.cfg.Strategy.Assets,
		Strategy: e.cfg.Strategy,
		Risk:     e.cfg.Risk,
		Exec:     e.cfg.Exec,
		Backtest: e.cfg.Backtest,
		Start:    start.UnixMilli(),
		End:      end.UnixMilli(),
	})
	return uuid.NewSHA1(runNamespace, payload).String()
}
