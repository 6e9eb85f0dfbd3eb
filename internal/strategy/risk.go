package strategy

import (
	"errors"
	"fmt"
	"math"

	"hl-funding-arb/internal/config"
)

var (
	ErrSizeTooSmall     = errors.New("position size below minimum")
	ErrMarginHeadroom   = errors.New("insufficient margin headroom")
	ErrLiquidationRisk  = errors.New("liquidation price inside buffer")
	ErrSlippage         = errors.New("estimated slippage above maximum")
	ErrInvalidProposal  = errors.New("invalid proposal")
	ErrMarginUtilWarn   = errors.New("margin utilization above warning level")
	ErrAccountNoEquity  = errors.New("account has no equity")
	ErrMissingMarkPrice = errors.New("mark price unavailable")
)

type DecisionKind string

const (
	DecisionApprove    DecisionKind = "approve"
	DecisionReject     DecisionKind = "reject"
	DecisionForceClose DecisionKind = "force_close"
)

// Decision is the outcome of a risk check. A rejection is a normal result, not a
// failure: Reason carries one of the sentinel errors above for errors.Is matching.
type Decision struct {
	Kind   DecisionKind
	Size   float64
	Asset  string
	Reason error
}

func Approve(size float64) Decision {
	return Decision{Kind: DecisionApprove, Size: size}
}

func Reject(reason error) Decision {
	return Decision{Kind: DecisionReject, Reason: reason}
}

func ForceClose(asset string, reason error) Decision {
	return Decision{Kind: DecisionForceClose, Asset: asset, Reason: reason}
}

func (d Decision) String() string {
	switch d.Kind {
	case DecisionApprove:
		return fmt.Sprintf("approve(%.2f)", d.Size)
	case DecisionForceClose:
		return fmt.Sprintf("force_close(%s): %v", d.Asset, d.Reason)
	}
	return fmt.Sprintf("reject: %v", d.Reason)
}

// Proposal is a candidate entry. NotionalUSD is the desired size before clamping.
type Proposal struct {
	Asset             string
	Direction         Direction
	NotionalUSD       float64
	MarkPrice         float64
	MarginRate        float64
	EstimatedSlippage float64
}

type PositionView struct {
	Asset            string
	Direction        Direction
	Status           State
	MarkPrice        float64
	LiquidationPrice float64
}

type AccountView struct {
	TotalEquity float64
	UsedMargin  float64
	Positions   []PositionView
}

type RiskGate struct {
	cfg      config.RiskConfig
	maxUSD   float64
	minUSD   float64
	leverage float64
}

func NewRiskGate(strategyCfg config.StrategyConfig, riskCfg config.RiskConfig) *RiskGate {
	return &RiskGate{
		cfg:      riskCfg,
		maxUSD:   strategyCfg.MaxPositionUSD,
		minUSD:   strategyCfg.MinPositionUSD,
		leverage: strategyCfg.Leverage,
	}
}

// SizeCap is the largest notional a single asset may carry given current equity.
func (g *RiskGate) SizeCap(equity float64) float64 {
	return math.Min(g.maxUSD, g.cfg.MaxEquityFraction*equity)
}

// Authorize runs sizing, margin, liquidation and slippage checks in that order.
// It never mutates its inputs; the same proposal against the same account always
// yields the same decision.
func (g *RiskGate) Authorize(p Proposal, acct AccountView) Decision {
	if p.Asset == "" || p.Direction == DirectionNone || p.NotionalUSD <= 0 {
		return Reject(ErrInvalidProposal)
	}
	if p.MarkPrice <= 0 {
		return Reject(ErrMissingMarkPrice)
	}
	if acct.TotalEquity <= 0 {
		return Reject(ErrAccountNoEquity)
	}

	size := math.Min(p.NotionalUSD, g.SizeCap(acct.TotalEquity))
	if size <= 0 || size < g.minUSD {
		return Reject(fmt.Errorf("%w: %.2f < %.2f", ErrSizeTooSmall, size, g.minUSD))
	}

	projected := acct.UsedMargin + size*p.MarginRate
	if projected > acct.TotalEquity {
		return Reject(fmt.Errorf("%w: projected %.2f > equity %.2f", ErrMarginHeadroom, projected, acct.TotalEquity))
	}

	for _, pos := range acct.Positions {
		if decision := g.CheckPosition(pos); decision.Kind == DecisionForceClose {
			return decision
		}
	}
	liq := LiquidationPrice(p.Direction, p.MarkPrice, g.leverage, g.cfg.MaintenanceMarginRate)
	if dist := LiquidationDistance(liq, p.MarkPrice); dist < g.cfg.LiquidationBuffer {
		return Reject(fmt.Errorf("%w: distance %.4f < %.4f", ErrLiquidationRisk, dist, g.cfg.LiquidationBuffer))
	}

	if p.EstimatedSlippage > g.cfg.MaxSlippage {
		return Reject(fmt.Errorf("%w: %.5f > %.5f", ErrSlippage, p.EstimatedSlippage, g.cfg.MaxSlippage))
	}
	return Approve(size)
}

// CheckPosition is the standing liquidation check run over every open position
// each cycle.
func (g *RiskGate) CheckPosition(pos PositionView) Decision {
	if pos.Status != StateOpen || pos.LiquidationPrice <= 0 || pos.MarkPrice <= 0 {
		return Approve(0)
	}
	if dist := LiquidationDistance(pos.LiquidationPrice, pos.MarkPrice); dist < g.cfg.LiquidationBuffer {
		return ForceClose(pos.Asset, fmt.Errorf("%w: distance %.4f < %.4f", ErrLiquidationRisk, dist, g.cfg.LiquidationBuffer))
	}
	return Approve(0)
}

// CheckMarginUtilization reports ErrMarginUtilWarn when used margin crosses the
// configured share of equity.
func (g *RiskGate) CheckMarginUtilization(acct AccountView) error {
	if acct.TotalEquity <= 0 {
		return ErrAccountNoEquity
	}
	util := acct.UsedMargin / acct.TotalEquity
	if g.cfg.MarginWarnUtilization > 0 && util > g.cfg.MarginWarnUtilization {
		return fmt.Errorf("utilization %.2f above %.2f: %w", util, g.cfg.MarginWarnUtilization, ErrMarginUtilWarn)
	}
	return nil
}

// LiquidationPrice projects the perp leg's liquidation price for an isolated
// position entered at entry with the given leverage and maintenance margin rate.
func LiquidationPrice(dir Direction, entry, leverage, maintenance float64) float64 {
	if entry <= 0 || leverage <= 0 {
		return 0
	}
	switch dir {
	case LongSpotShortPerp:
		return entry * (1 + 1/leverage - maintenance)
	case ShortSpotLongPerp:
		return math.Max(0, entry*(1-1/leverage+maintenance))
	}
	return 0
}

func LiquidationDistance(liq, mark float64) float64 {
	if mark <= 0 {
		return 0
	}
	if liq <= 0 {
		return math.Inf(1)
	}
	return math.Abs(liq-mark) / mark
}
