package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/strategy"

	"go.uber.org/zap"
)

var (
	ErrExecutionFailed      = errors.New("execution failed")
	ErrPositionExists       = errors.New("position already open")
	ErrNoPosition           = errors.New("no position")
	ErrAssetHalted          = errors.New("asset halted")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrUnsupportedDirection = errors.New("direction not supported by spot leg")
	ErrNoMark               = errors.New("no mark price")
	ErrPartialClose         = errors.New("leg not fully closed")
)

const (
	ActionOpen      = "open"
	ActionRebalance = "rebalance"
	ActionClose     = "close"
)

// ExecutionFailedError reports a leg that still failed after every retry. It
// matches both ErrExecutionFailed and the last underlying error.
type ExecutionFailedError struct {
	Asset    string
	Leg      Leg
	Action   string
	Attempts int
	Err      error
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("%s %s leg %s failed after %d attempts: %v", e.Asset, e.Leg, e.Action, e.Attempts, e.Err)
}

func (e *ExecutionFailedError) Unwrap() []error {
	return []error{ErrExecutionFailed, e.Err}
}

// Trade is one fill as it landed in the ledger.
type Trade struct {
	Seq           int       `json:"seq"`
	Time          time.Time `json:"time"`
	Asset         string    `json:"asset"`
	Action        string    `json:"action"`
	Leg           Leg       `json:"leg"`
	Side          string    `json:"side"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	Fee           float64   `json:"fee"`
	PricePnL      float64   `json:"price_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	ClientOrderID string    `json:"cloid"`
}

type FundingPayment struct {
	Period  int64     `json:"period"`
	Time    time.Time `json:"time"`
	Asset   string    `json:"asset"`
	Rate    float64   `json:"rate"`
	PerpQty float64   `json:"perp_qty"`
	Mark    float64   `json:"mark"`
	Amount  float64   `json:"amount"`
}

type Alerter interface {
	Send(ctx context.Context, msg string) error
}

type Config struct {
	RebalanceThreshold    float64
	Leverage              float64
	MaintenanceMarginRate float64
	MaxAttempts           int
	RetryBackoff          time.Duration
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		RebalanceThreshold:    cfg.Strategy.RebalanceThreshold,
		Leverage:              cfg.Strategy.Leverage,
		MaintenanceMarginRate: cfg.Risk.MaintenanceMarginRate,
		MaxAttempts:           cfg.Exec.MaxAttempts,
		RetryBackoff:          cfg.Exec.RetryBackoff,
	}
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		if m != nil {
			mgr.metrics = m
		}
	}
}

func WithAlerter(a Alerter) Option {
	return func(mgr *Manager) { mgr.alerts = a }
}

// WithClientOrderIDs replaces the default sequential id generator. Live trading
// needs ids that stay unique across restarts.
func WithClientOrderIDs(next func() string) Option {
	return func(mgr *Manager) {
		if next != nil {
			mgr.nextID = next
		}
	}
}

// Manager owns the per-asset position state machine and the ledger. It is driven
// by exactly one cycle at a time and does no locking.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	spot    HedgeLeg
	perp    HedgeLeg
	account *AccountState
	metrics *metrics.Metrics
	alerts  Alerter
	nextID  func() string

	seq     int
	halted  map[string]error
	trades  []Trade
	funding []FundingPayment
	closed  []Position
}

func NewManager(cfg Config, spot, perp HedgeLeg, account *AccountState, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	m := &Manager{
		cfg:     cfg,
		log:     log,
		spot:    spot,
		perp:    perp,
		account: account,
		metrics: metrics.NewNoop(),
		halted:  make(map[string]error),
	}
	m.nextID = func() string {
		m.seq++
		return fmt.Sprintf("c%08d", m.seq)
	}
	for _, opt := range opts {
		opt(m)
	}
	account.spotMargin = spot.MarginFraction(cfg.Leverage)
	account.perpMargin = perp.MarginFraction(cfg.Leverage)
	return m
}

func (m *Manager) Account() *AccountState { return m.account }

// MarginRate is the margin locked per unit of hedge notional across both legs.
func (m *Manager) MarginRate() float64 {
	return m.account.spotMargin + m.account.perpMargin
}

// Supports reports whether the configured legs can hold the given direction.
func (m *Manager) Supports(dir strategy.Direction) bool {
	if dir.SpotSign() < 0 {
		return m.spot.CanShort()
	}
	return dir != strategy.DirectionNone
}

// Venues reports where the spot and perp legs trade.
func (m *Manager) Venues() (spot, perp exec.Venue) {
	return m.spot.Venue(), m.perp.Venue()
}

func (m *Manager) UpdateMarks(marks map[string]float64) {
	for asset, mark := range marks {
		if mark > 0 && !math.IsNaN(mark) && !math.IsInf(mark, 0) {
			m.account.marks[asset] = mark
		}
	}
}

// Enter opens a hedge of roughly notional USD: spot leg first, then a perp leg
// sized to whatever the spot leg actually filled. A spot failure leaves nothing
// behind; a perp failure leaves a one-legged OPEN position for Rebalance to
// repair.
func (m *Manager) Enter(ctx context.Context, now time.Time, sig strategy.FundingSignal, notional float64) (Position, error) {
	asset := sig.Asset
	if err, ok := m.halted[asset]; ok {
		return Position{}, fmt.Errorf("%s: %w: %v", asset, ErrAssetHalted, err)
	}
	if m.account.Has(asset) {
		return Position{}, fmt.Errorf("%s: %w", asset, ErrPositionExists)
	}
	if !m.Supports(sig.Direction) {
		return Position{}, fmt.Errorf("%s %s: %w", asset, sig.Direction, ErrUnsupportedDirection)
	}
	if sig.MarkPrice <= 0 || notional <= 0 {
		return Position{}, fmt.Errorf("%s: %w", asset, ErrNoMark)
	}
	status, ok := strategy.Transition(strategy.StateNone, strategy.EventEnter)
	if !ok {
		return Position{}, ErrInvalidTransition
	}
	m.account.marks[asset] = sig.MarkPrice

	pos := &Position{
		Asset:             asset,
		Direction:         sig.Direction,
		Status:            status,
		EntryFundingRate:  sig.Rate8h,
		OpenedAt:          now,
		LastFundingPeriod: -1,
	}
	qty := notional / sig.MarkPrice
	spotFill, err := m.execute(ctx, now, pos, m.spot, ActionOpen, qty*sig.Direction.SpotSign(), sig.MarkPrice, false)
	if err != nil {
		return Position{}, err
	}
	m.account.positions[asset] = pos

	perpFill, err := m.execute(ctx, now, pos, m.perp, ActionOpen, -spotFill.SignedQty(), sig.MarkPrice, false)
	if err != nil {
		return *pos, err
	}
	pos.EntryPrice = perpFill.Price
	pos.LiquidationPrice = strategy.LiquidationPrice(sig.Direction, perpFill.Price, m.cfg.Leverage, m.cfg.MaintenanceMarginRate)
	m.metrics.PositionsOpened.Inc()
	m.log.Info("position opened",
		zap.String("asset", asset),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("notional_usd", math.Abs(pos.PerpSize(sig.MarkPrice))),
		zap.Float64("entry_price", pos.EntryPrice),
		zap.Float64("funding_rate", sig.Rate8h),
		zap.Float64("liquidation_price", pos.LiquidationPrice),
	)
	return *pos, nil
}

// Rebalance trades the perp leg back to zero net delta when drift exceeds the
// threshold. It reports whether a corrective order was sent.
func (m *Manager) Rebalance(ctx context.Context, now time.Time, asset string) (bool, error) {
	pos, ok := m.account.positions[asset]
	if !ok {
		return false, fmt.Errorf("%s: %w", asset, ErrNoPosition)
	}
	if pos.InBand(m.cfg.RebalanceThreshold) {
		return false, nil
	}
	if _, ok := strategy.Transition(pos.Status, strategy.EventRebalance); !ok {
		return false, fmt.Errorf("%s %s: %w", asset, pos.Status, ErrInvalidTransition)
	}
	mark, ok := m.account.Mark(asset)
	if !ok {
		return false, fmt.Errorf("%s: %w", asset, ErrNoMark)
	}
	drift := pos.DeltaDrift()
	if _, err := m.execute(ctx, now, pos, m.perp, ActionRebalance, -pos.NetQty(), mark, false); err != nil {
		return true, err
	}
	if pos.LiquidationPrice == 0 && pos.PerpQty != 0 {
		pos.EntryPrice = pos.PerpEntryPrice
		pos.LiquidationPrice = strategy.LiquidationPrice(pos.Direction, pos.PerpEntryPrice, m.cfg.Leverage, m.cfg.MaintenanceMarginRate)
	}
	pos.Rebalances++
	m.metrics.Rebalances.Inc()
	m.log.Info("position rebalanced",
		zap.String("asset", asset),
		zap.Float64("drift", drift),
		zap.Float64("spot_qty", pos.SpotQty),
		zap.Float64("perp_qty", pos.PerpQty),
	)
	return true, nil
}

// Exit closes both legs with reduce-only orders. The position moves to CLOSING
// first and only leaves the table once both legs are flat; on failure it stays
// CLOSING and a later Exit resumes from the remaining quantities.
func (m *Manager) Exit(ctx context.Context, now time.Time, asset, reason string) (Position, error) {
	pos, ok := m.account.positions[asset]
	if !ok {
		return Position{}, fmt.Errorf("%s: %w", asset, ErrNoPosition)
	}
	mark, ok := m.account.Mark(asset)
	if !ok {
		return *pos, fmt.Errorf("%s: %w", asset, ErrNoMark)
	}
	status, ok := strategy.Transition(pos.Status, strategy.EventExit)
	if !ok {
		return *pos, fmt.Errorf("%s %s: %w", asset, pos.Status, ErrInvalidTransition)
	}
	pos.Status = status
	if pos.CloseReason == "" {
		pos.CloseReason = reason
	}

	if err := m.closeLeg(ctx, now, pos, m.spot, &pos.SpotQty, mark); err != nil {
		return *pos, err
	}
	if err := m.closeLeg(ctx, now, pos, m.perp, &pos.PerpQty, mark); err != nil {
		return *pos, err
	}

	status, _ = strategy.Transition(pos.Status, strategy.EventFilled)
	pos.Status = status
	pos.ClosedAt = now
	pos.RealizedPnL = pos.PricePnL + pos.AccumulatedFunding - pos.Fees
	delete(m.account.positions, asset)
	m.closed = append(m.closed, *pos)
	m.metrics.PositionsClosed.Inc()
	m.log.Info("position closed",
		zap.String("asset", asset),
		zap.String("reason", pos.CloseReason),
		zap.Float64("price_pnl", pos.PricePnL),
		zap.Float64("funding", pos.AccumulatedFunding),
		zap.Float64("fees", pos.Fees),
		zap.Float64("realized_pnl", pos.RealizedPnL),
	)
	return *pos, nil
}

func (m *Manager) closeLeg(ctx context.Context, now time.Time, pos *Position, leg HedgeLeg, qty *float64, mark float64) error {
	for i := 0; i < m.cfg.MaxAttempts && *qty != 0; i++ {
		if _, err := m.execute(ctx, now, pos, leg, ActionClose, -*qty, mark, true); err != nil {
			return err
		}
	}
	if *qty != 0 {
		return m.fail(ctx, pos.Asset, leg.Role(), ActionClose, m.cfg.MaxAttempts,
			fmt.Errorf("%w: %.8f remaining", ErrPartialClose, *qty))
	}
	return nil
}

// AccrueFunding credits one funding payment per position per period. The payment
// is -rate x perp qty x mark: a short perp receives a positive rate.
func (m *Manager) AccrueFunding(now time.Time, rates map[string]float64) []FundingPayment {
	period := strategy.PeriodIndex(now)
	var out []FundingPayment
	for _, asset := range m.account.assets() {
		pos := m.account.positions[asset]
		if pos.PerpQty == 0 || pos.LastFundingPeriod >= period {
			continue
		}
		rate, ok := rates[asset]
		if !ok {
			continue
		}
		mark, ok := m.account.Mark(asset)
		if !ok {
			continue
		}
		amount := -rate * pos.PerpQty * mark
		pos.AccumulatedFunding += amount
		pos.LastFundingPeriod = period
		pos.FundingPeriods++
		m.account.cash += amount
		payment := FundingPayment{
			Period:  period,
			Time:    now,
			Asset:   asset,
			Rate:    rate,
			PerpQty: pos.PerpQty,
			Mark:    mark,
			Amount:  amount,
		}
		m.funding = append(m.funding, payment)
		out = append(out, payment)
	}
	return out
}

func (m *Manager) execute(ctx context.Context, now time.Time, pos *Position, leg HedgeLeg, action string, signedQty, refPrice float64, reduceOnly bool) (exec.Fill, error) {
	order := Order{
		ClientOrderID: m.nextID(),
		Asset:         pos.Asset,
		Qty:           signedQty,
		RefPrice:      refPrice,
		Time:          now,
	}
	var fill exec.Fill
	attempts, err := exec.Retry(ctx, m.cfg.MaxAttempts, m.cfg.RetryBackoff, func() error {
		var err error
		if reduceOnly {
			fill, err = leg.Close(ctx, order)
		} else {
			fill, err = leg.Open(ctx, order)
		}
		if err != nil {
			m.metrics.OrdersFailed.Inc()
			m.log.Warn("order attempt failed",
				zap.String("asset", pos.Asset),
				zap.String("leg", string(leg.Role())),
				zap.String("action", action),
				zap.String("cloid", order.ClientOrderID),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		return exec.Fill{}, m.fail(ctx, pos.Asset, leg.Role(), action, attempts, err)
	}
	m.metrics.OrdersPlaced.Inc()
	m.record(now, pos, leg.Role(), action, fill)
	return fill, nil
}

func (m *Manager) record(now time.Time, pos *Position, leg Leg, action string, fill exec.Fill) {
	var realized float64
	switch leg {
	case LegSpot:
		realized = applyLegFill(&pos.SpotQty, &pos.SpotEntryPrice, fill.SignedQty(), fill.Price)
	case LegPerp:
		realized = applyLegFill(&pos.PerpQty, &pos.PerpEntryPrice, fill.SignedQty(), fill.Price)
	}
	pos.PricePnL += realized
	pos.Fees += fill.Fee
	m.account.cash += realized - fill.Fee

	ts := fill.Time
	if ts.IsZero() {
		ts = now
	}
	side := "sell"
	if fill.IsBuy {
		side = "buy"
	}
	m.trades = append(m.trades, Trade{
		Seq:           len(m.trades) + 1,
		Time:          ts,
		Asset:         pos.Asset,
		Action:        action,
		Leg:           leg,
		Side:          side,
		Qty:           fill.Qty,
		Price:         fill.Price,
		Fee:           fill.Fee,
		PricePnL:      realized,
		RealizedPnL:   realized - fill.Fee,
		ClientOrderID: fill.ClientOrderID,
	})
	m.log.Debug("fill",
		zap.String("asset", pos.Asset),
		zap.String("leg", string(leg)),
		zap.String("action", action),
		zap.String("side", side),
		zap.Float64("qty", fill.Qty),
		zap.Float64("price", fill.Price),
		zap.Float64("fee", fill.Fee),
	)
}

func (m *Manager) fail(ctx context.Context, asset string, leg Leg, action string, attempts int, err error) error {
	failure := &ExecutionFailedError{Asset: asset, Leg: leg, Action: action, Attempts: attempts, Err: err}
	m.halted[asset] = failure
	m.metrics.ExecutionFailures.Inc()
	m.log.Error("execution failed; asset halted", zap.String("asset", asset), zap.Error(failure))
	if m.alerts != nil {
		msg := fmt.Sprintf("EXECUTION FAILED %s: %v. New entries halted; position left as is.", asset, failure)
		if aerr := m.alerts.Send(ctx, msg); aerr != nil {
			m.log.Warn("alert send failed", zap.Error(aerr))
		}
	}
	return failure
}

func (m *Manager) Halt(asset string, reason error) {
	m.halted[asset] = reason
}

func (m *Manager) Resume(asset string) {
	delete(m.halted, asset)
}

func (m *Manager) Halted(asset string) bool {
	_, ok := m.halted[asset]
	return ok
}

func (m *Manager) HaltedAssets() []string {
	out := make([]string, 0, len(m.halted))
	for asset := range m.halted {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// Restore reloads a persisted position table. Positions left CLOSING by a crash
// are kept as CLOSING so the next cycle finishes the exit.
func (m *Manager) Restore(positions []Position) {
	for i := range positions {
		pos := positions[i]
		if pos.Asset == "" || pos.Status == strategy.StateClosed || pos.Status == strategy.StateNone {
			continue
		}
		m.account.positions[pos.Asset] = &pos
		if pos.EntryPrice > 0 {
			if _, ok := m.account.marks[pos.Asset]; !ok {
				m.account.marks[pos.Asset] = pos.EntryPrice
			}
		}
	}
}

// PinLiquidationPrice replaces the estimated liquidation price of an open
// position with the venue's own figure.
func (m *Manager) PinLiquidationPrice(asset string, price float64) bool {
	pos, ok := m.account.positions[asset]
	if !ok || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return false
	}
	pos.LiquidationPrice = price
	return true
}

func (m *Manager) Positions() []Position { return m.account.Positions() }

func (m *Manager) Trades() []Trade {
	return append([]Trade(nil), m.trades...)
}

func (m *Manager) Funding() []FundingPayment {
	return append([]FundingPayment(nil), m.funding...)
}

func (m *Manager) Closed() []Position {
	return append([]Position(nil), m.closed...)
}
