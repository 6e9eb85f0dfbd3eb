package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/position"
	"hl-funding-arb/internal/strategy"

	"go.uber.org/zap"
)

var (
	// ErrAccountUnavailable means the account can no longer be valued and no
	// further cycle may run.
	ErrAccountUnavailable = errors.New("account state unavailable")
	ErrLeverageAboveMax   = errors.New("configured leverage above asset maximum")
)

const (
	ReasonLiquidation    = "liquidation_buffer"
	ReasonBelowThreshold = "funding_below_threshold"
	ReasonFlipped        = "funding_flipped"
	ReasonEndOfRun       = "end_of_run"
	ReasonShutdown       = "shutdown"
	reasonRetry          = "retry"
)

// CycleResult summarizes what one cycle did. Errors holds per-asset faults; they
// never abort the rest of the cycle.
type CycleResult struct {
	Time        time.Time
	Signals     []strategy.FundingSignal
	Opened      []position.Position
	Closed      []position.Position
	Rebalanced  []string
	ForceClosed []string
	Rejections  map[string]strategy.Decision
	Funding     []position.FundingPayment
	Errors      map[string]error
	Warnings    []error
	Equity      float64
	UsedMargin  float64
}

func newCycleResult(ts time.Time) *CycleResult {
	return &CycleResult{
		Time:       ts,
		Rejections: make(map[string]strategy.Decision),
		Errors:     make(map[string]error),
	}
}

func (r *CycleResult) fail(asset string, err error) {
	if prev, ok := r.Errors[asset]; ok {
		r.Errors[asset] = errors.Join(prev, err)
		return
	}
	r.Errors[asset] = err
}

type Option func(*Engine)

func WithSlippageEstimator(est exec.SlippageEstimator) Option {
	return func(e *Engine) { e.slippage = est }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithAlerter(a position.Alerter) Option {
	return func(e *Engine) { e.alerts = a }
}

// Engine runs the evaluate, risk, manage cycle against one snapshot. Live
// trading and replay both drive the same Engine, so a period replayed from
// history takes exactly the decisions the live loop would have taken.
type Engine struct {
	threshold  float64
	leverage   float64
	desiredUSD float64
	gate       *strategy.RiskGate
	mgr       *position.Manager
	slippage  exec.SlippageEstimator
	metrics   *metrics.Metrics
	alerts    position.Alerter
	log       *zap.Logger

	paused atomic.Bool
}

func New(cfg *config.Config, mgr *position.Manager, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		threshold:  cfg.Strategy.FundingRateThreshold,
		leverage:   cfg.Strategy.Leverage,
		desiredUSD: cfg.Strategy.MaxPositionUSD,
		gate:       strategy.NewRiskGate(cfg.Strategy, cfg.Risk),
		mgr:        mgr,
		metrics:    metrics.NewNoop(),
		log:        log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Manager() *position.Manager { return e.mgr }

func (e *Engine) Gate() *strategy.RiskGate { return e.gate }

// SetEntriesPaused stops new entries while exits, rebalances and force closes
// keep running.
func (e *Engine) SetEntriesPaused(paused bool) { e.paused.Store(paused) }

func (e *Engine) EntriesPaused() bool { return e.paused.Load() }

// RunCycle applies one snapshot: marks, force-close checks, signal exits,
// rebalances, new entries by rank and finally funding accrual for the period.
func (e *Engine) RunCycle(ctx context.Context, snap market.Snapshot) (CycleResult, error) {
	res := newCycleResult(snap.Time)
	e.metrics.Cycles.Inc()

	e.mgr.UpdateMarks(snap.Prices)
	for _, asset := range snap.MissingAssets() {
		e.metrics.DataUnavailable.Inc()
		e.log.Warn("market data unavailable", zap.String("asset", asset), zap.Error(snap.Missing[asset]))
		if e.mgr.Account().Has(asset) {
			res.fail(asset, snap.Missing[asset])
		}
	}

	assets := snap.Assets()
	res.Signals = strategy.Evaluate(assets, e.threshold)
	current := make(map[string]strategy.FundingSignal, len(assets))
	for _, asset := range assets {
		current[asset.Symbol] = strategy.NewSignal(asset, e.threshold)
	}

	liquidated := e.forceCloseChecks(ctx, snap, res)
	e.signalExits(ctx, snap, current, res)
	e.rebalance(ctx, snap, res)
	e.enter(ctx, snap, res, liquidated)

	res.Funding = e.mgr.AccrueFunding(snap.Time, snap.Rates)

	view := e.mgr.Account().View()
	if math.IsNaN(view.TotalEquity) || math.IsInf(view.TotalEquity, 0) {
		return *res, fmt.Errorf("%w: equity %v", ErrAccountUnavailable, view.TotalEquity)
	}
	if err := e.gate.CheckMarginUtilization(view); err != nil {
		res.Warnings = append(res.Warnings, err)
		e.log.Warn("account health",
			zap.Float64("equity", view.TotalEquity),
			zap.Float64("used_margin", view.UsedMargin),
			zap.Error(err),
		)
	}
	res.Equity = view.TotalEquity
	res.UsedMargin = view.UsedMargin
	e.metrics.Equity.Set(view.TotalEquity)
	e.metrics.UsedMargin.Set(view.UsedMargin)
	e.metrics.OpenPositions.Set(float64(len(e.mgr.Positions())))
	return *res, nil
}

// CloseAll exits every position still in the table, OPEN or CLOSING.
func (e *Engine) CloseAll(ctx context.Context, now time.Time, reason string) ([]position.Position, map[string]error) {
	var closed []position.Position
	errs := make(map[string]error)
	for _, pos := range e.mgr.Positions() {
		out, err := e.mgr.Exit(ctx, now, pos.Asset, reason)
		if err != nil {
			errs[pos.Asset] = err
			continue
		}
		closed = append(closed, out)
	}
	return closed, errs
}

func (e *Engine) forceCloseChecks(ctx context.Context, snap market.Snapshot, res *CycleResult) map[string]bool {
	liquidated := make(map[string]bool)
	for _, pos := range e.mgr.Positions() {
		mark, ok := snap.Prices[pos.Asset]
		if !ok || pos.Status != strategy.StateOpen {
			continue
		}
		d := e.gate.CheckPosition(pos.View(mark))
		if d.Kind != strategy.DecisionForceClose {
			continue
		}
		liquidated[pos.Asset] = true
		e.forceClose(ctx, snap.Time, pos.Asset, d, res)
	}
	return liquidated
}

func (e *Engine) forceClose(ctx context.Context, now time.Time, asset string, d strategy.Decision, res *CycleResult) {
	e.metrics.ForceCloses.Inc()
	e.log.Warn("force closing position", zap.String("asset", asset), zap.Error(d.Reason))
	res.ForceClosed = append(res.ForceClosed, asset)
	e.alert(ctx, fmt.Sprintf("FORCE CLOSE %s: %v", asset, d.Reason))
	if closed, err := e.mgr.Exit(ctx, now, asset, ReasonLiquidation); err != nil {
		res.fail(asset, err)
	} else {
		res.Closed = append(res.Closed, closed)
	}
}

func (e *Engine) signalExits(ctx context.Context, snap market.Snapshot, current map[string]strategy.FundingSignal, res *CycleResult) {
	for _, pos := range e.mgr.Positions() {
		if _, ok := snap.Prices[pos.Asset]; !ok {
			continue
		}
		reason := ""
		if pos.Status == strategy.StateClosing {
			reason = reasonRetry
		} else if sig, ok := current[pos.Asset]; ok {
			switch {
			case sig.Direction != strategy.DirectionNone && sig.Direction != pos.Direction:
				reason = ReasonFlipped
			case !sig.Eligible:
				reason = ReasonBelowThreshold
			}
		}
		if reason == "" {
			continue
		}
		closed, err := e.mgr.Exit(ctx, snap.Time, pos.Asset, reason)
		if err != nil {
			res.fail(pos.Asset, err)
			continue
		}
		res.Closed = append(res.Closed, closed)
	}
}

func (e *Engine) rebalance(ctx context.Context, snap market.Snapshot, res *CycleResult) {
	for _, pos := range e.mgr.Positions() {
		if _, ok := snap.Prices[pos.Asset]; !ok || pos.Status != strategy.StateOpen {
			continue
		}
		did, err := e.mgr.Rebalance(ctx, snap.Time, pos.Asset)
		if err != nil {
			res.fail(pos.Asset, err)
			continue
		}
		if did {
			res.Rebalanced = append(res.Rebalanced, pos.Asset)
		}
	}
}

func (e *Engine) enter(ctx context.Context, snap market.Snapshot, res *CycleResult, liquidated map[string]bool) {
	if e.paused.Load() {
		return
	}
	acct := e.mgr.Account()
	for _, sig := range res.Signals {
		asset := sig.Asset
		if acct.Has(asset) || e.mgr.Halted(asset) || liquidated[asset] {
			continue
		}
		if !e.mgr.Supports(sig.Direction) {
			e.reject(res, asset, strategy.Reject(position.ErrUnsupportedDirection))
			continue
		}
		if maxLev := snap.MaxLeverage[asset]; maxLev > 0 && e.leverage > maxLev {
			e.reject(res, asset, strategy.Reject(fmt.Errorf("%w: %.0fx > %.0fx", ErrLeverageAboveMax, e.leverage, maxLev)))
			continue
		}
		// Every entry asks for the full configured size; the gate clamps it.
		proposal := strategy.Proposal{
			Asset:       asset,
			Direction:   sig.Direction,
			NotionalUSD: e.desiredUSD,
			MarkPrice:   sig.MarkPrice,
			MarginRate:  e.mgr.MarginRate(),
		}
		tradable := math.Min(proposal.NotionalUSD, e.gate.SizeCap(acct.TotalEquity()))
		slip, err := e.estimateSlippage(ctx, sig, tradable)
		if err != nil {
			res.fail(asset, err)
			continue
		}
		proposal.EstimatedSlippage = slip

		d := e.gate.Authorize(proposal, acct.View())
		if d.Kind == strategy.DecisionForceClose {
			e.forceClose(ctx, snap.Time, d.Asset, d, res)
			liquidated[d.Asset] = true
			d = e.gate.Authorize(proposal, acct.View())
		}
		switch d.Kind {
		case strategy.DecisionApprove:
			pos, err := e.mgr.Enter(ctx, snap.Time, sig, d.Size)
			if err != nil {
				res.fail(asset, err)
				continue
			}
			res.Opened = append(res.Opened, pos)
		case strategy.DecisionForceClose:
			// A second position inside its buffer; the next cycle picks it up.
			e.reject(res, asset, strategy.Reject(d.Reason))
		default:
			e.reject(res, asset, d)
		}
	}
}

func (e *Engine) estimateSlippage(ctx context.Context, sig strategy.FundingSignal, notional float64) (float64, error) {
	if e.slippage == nil || notional <= 0 {
		return 0, nil
	}
	spotVenue, perpVenue := e.mgr.Venues()
	spotBuy := sig.Direction.SpotSign() > 0
	spot, err := e.slippage.EstimateSlippage(ctx, sig.Asset, spotVenue, spotBuy, notional)
	if err != nil {
		return 0, fmt.Errorf("%s spot slippage: %w", sig.Asset, err)
	}
	perp, err := e.slippage.EstimateSlippage(ctx, sig.Asset, perpVenue, !spotBuy, notional)
	if err != nil {
		return 0, fmt.Errorf("%s perp slippage: %w", sig.Asset, err)
	}
	return math.Max(spot, perp), nil
}

func (e *Engine) reject(res *CycleResult, asset string, d strategy.Decision) {
	res.Rejections[asset] = d
	e.metrics.RiskRejections.With(rejectionLabel(d.Reason)).Inc()
	e.log.Info("entry rejected", zap.String("asset", asset), zap.Error(d.Reason))
}

func (e *Engine) alert(ctx context.Context, msg string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Send(ctx, msg); err != nil {
		e.log.Warn("alert send failed", zap.Error(err))
	}
}

func rejectionLabel(reason error) string {
	switch {
	case errors.Is(reason, strategy.ErrSizeTooSmall):
		return "sizing"
	case errors.Is(reason, strategy.ErrMarginHeadroom):
		return "margin"
	case errors.Is(reason, strategy.ErrLiquidationRisk):
		return "liquidation"
	case errors.Is(reason, strategy.ErrSlippage):
		return "slippage"
	case errors.Is(reason, ErrLeverageAboveMax):
		return "leverage"
	case errors.Is(reason, position.ErrUnsupportedDirection):
		return "direction"
	}
	return "other"
}

// ErrorAssets lists the assets that recorded errors this cycle, sorted.
func (r CycleResult) ErrorAssets() []string {
	out := make([]string, 0, len(r.Errors))
	for asset := range r.Errors {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}
