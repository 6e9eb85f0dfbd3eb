package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hl-funding-arb/internal/account"
	"hl-funding-arb/internal/alerts"
	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/engine"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/hl/exchange"
	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/hl/ws"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/position"
	"hl-funding-arb/internal/report"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/state/sqlite"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 30 * time.Second
	// drift between the venue's perp size and the local ledger worth a warning
	perpDriftTolerance = 0.01
)

// App is the live trading loop: one snapshot, one engine cycle, one persisted
// position table per tick.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	rest      *rest.Client
	exchange  *exchange.Client
	market    *market.Live
	account   *account.Account
	engine    *engine.Engine
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	timescale *report.Timescale
	now       func() time.Time

	accountFailures int
	fundingPeriod   int64
	bookedFunding   map[string]float64

	opsMu          sync.RWMutex
	pending        []operatorAction
	status         string
	operatorWarned bool
}

// Options tune how New wires the live loop.
type Options struct {
	// DryRun trades against live market data through the simulated gateway.
	DryRun bool
}

// components are the collaborators New builds from config. Tests assemble them
// directly against fake servers.
type components struct {
	store     state.Store
	rest      *rest.Client
	exchange  *exchange.Client
	market    *market.Live
	account   *account.Account
	gateway   exec.Gateway
	alerts    *alerts.Telegram
	prom      *metrics.Prometheus
	timescale *report.Timescale
}

func New(cfg *config.Config, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	var wsClient *ws.Client
	if cfg.WS.IsEnabled() {
		wsClient = ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	}
	c := components{
		store:  store,
		rest:   restClient,
		market: market.New(restClient, wsClient, cfg.WS.MidMaxAge, log),
		alerts: alerts.NewTelegram(cfg.Telegram, log),
	}
	if cfg.Metrics.Enabled {
		c.prom = metrics.NewPrometheus()
	}

	if opts.DryRun {
		c.gateway = exec.Simulated{FeeRate: cfg.Backtest.FeeRate}
		log.Info("dry run: orders are simulated at mark")
	} else {
		exClient, user, err := newExchangeClient(cfg, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		c.exchange = exClient
		c.account = account.New(restClient, log, user)
		c.gateway = newExchangeGateway(exClient, c.market, c.account, cfg.Risk.MaxSlippage, log)
	}

	ts, err := report.NewTimescale(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
	} else {
		c.timescale = ts
	}
	return newApp(cfg, log, c), nil
}

func newExchangeClient(cfg *config.Config, log *zap.Logger) (*exchange.Client, string, error) {
	privateKey := strings.TrimSpace(cfg.Wallet.PrivateKey)
	if privateKey == "" {
		return nil, "", errors.New("wallet.private_key (HL_PRIVATE_KEY) is required for live trading")
	}
	signer, err := exchange.NewSigner(privateKey, cfg.Wallet.IsMainnet())
	if err != nil {
		return nil, "", err
	}
	user := strings.TrimSpace(cfg.Wallet.Address)
	if user == "" {
		user = signer.Address().Hex()
	}
	if !strings.EqualFold(user, signer.Address().Hex()) {
		log.Info("trading through agent key", zap.String("account", user), zap.String("signer", signer.Address().Hex()))
	}
	client, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, "")
	if err != nil {
		return nil, "", err
	}
	client.SetLogger(log)
	return client, user, nil
}

func newApp(cfg *config.Config, log *zap.Logger, c components) *App {
	m := metrics.NewNoop()
	if c.prom != nil {
		m = c.prom.Metrics
	}
	alerter := position.Alerter(nil)
	if c.alerts != nil {
		alerter = c.alerts
	}
	executor := exec.New(c.gateway, c.store, cfg.Exec.OrderTimeout, log)
	spot, perp := position.LegsFor(cfg.Strategy.SpotExecution, executor)
	// Live equity comes from the venue through Sync; a dry run starts from the
	// backtest capital.
	capital := 0.0
	if c.account == nil {
		capital = cfg.Backtest.InitialCapital
	}
	mgr := position.NewManager(position.ConfigFrom(cfg), spot, perp, position.NewAccountState(capital), log,
		position.WithMetrics(m),
		position.WithAlerter(alerter),
		position.WithClientOrderIDs(uuid.NewString),
	)
	engineOpts := []engine.Option{engine.WithMetrics(m), engine.WithAlerter(alerter)}
	if c.market != nil {
		engineOpts = append(engineOpts, engine.WithSlippageEstimator(c.market))
	}
	return &App{
		cfg:       cfg,
		log:       log,
		store:     c.store,
		rest:      c.rest,
		exchange:  c.exchange,
		market:    c.market,
		account:   c.account,
		engine:    engine.New(cfg, mgr, log, engineOpts...),
		metrics:   m,
		prom:      c.prom,
		alerts:    c.alerts,
		timescale: c.timescale,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled or the account becomes unreadable. Only the
// latter is returned as an error other than ctx.Err().
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.initNonces(ctx)
	if err := a.restorePositions(ctx); err != nil {
		return err
	}
	if err := a.market.Start(ctx); err != nil {
		return err
	}
	a.setLeverage(ctx)
	a.timescale.Start(ctx)
	a.serveMetrics(ctx)
	a.startOperator(ctx)
	a.notify(ctx, fmt.Sprintf("funding arb started: assets=%s leverage=%.1fx", strings.Join(a.cfg.Strategy.Assets, ","), a.cfg.Strategy.Leverage))

	ticker := time.NewTicker(a.cfg.Strategy.PollInterval)
	defer ticker.Stop()
	for {
		if err := a.runCycle(ctx); err != nil {
			return a.halt(err)
		}
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runCycle detaches the tick from ctx so a stop signal lands between cycles,
// never between the two legs of an entry or exit. Each venue call is still
// bounded by the REST and order timeouts.
func (a *App) runCycle(ctx context.Context) error {
	return a.tick(context.WithoutCancel(ctx))
}

// tick runs one cycle. Per-asset trouble is logged and carried in the cycle
// result; the returned error is always run-level.
func (a *App) tick(ctx context.Context) error {
	a.applyOperatorActions(ctx)
	if err := a.syncAccount(ctx); err != nil {
		return err
	}
	a.reconcileFunding(ctx, a.now())
	snap, err := a.market.Snapshot(ctx, a.cfg.Strategy.Assets)
	if err != nil {
		a.metrics.DataUnavailable.Inc()
		a.log.Warn("market snapshot failed, skipping cycle", zap.Error(err))
		return nil
	}
	res, err := a.engine.RunCycle(ctx, snap)
	if err != nil {
		return err
	}
	a.logCycle(res)
	a.persistPositions(ctx)
	a.recordTimescale(snap, res)
	a.publishStatus(res)
	return nil
}

func (a *App) syncAccount(ctx context.Context) error {
	if a.account == nil {
		return nil
	}
	st, err := a.account.Reconcile(ctx)
	if err != nil {
		a.accountFailures++
		a.log.Warn("account reconcile failed",
			zap.Int("consecutive_failures", a.accountFailures),
			zap.Error(err),
		)
		if a.accountFailures >= a.cfg.Risk.MaxAccountFailures {
			return fmt.Errorf("%w: %d consecutive reconcile failures: %v", engine.ErrAccountUnavailable, a.accountFailures, err)
		}
		return nil
	}
	a.accountFailures = 0
	mgr := a.engine.Manager()
	mgr.Account().Sync(st.Equity, st.UsedMargin)
	a.log.Debug("account synced",
		zap.Float64("equity", st.Equity),
		zap.Float64("used_margin", st.UsedMargin),
		zap.Float64("utilization", st.Utilization()),
	)
	for _, pos := range mgr.Positions() {
		venue, ok := st.PerpPositions[pos.Asset]
		if !ok {
			a.log.Warn("local position missing on venue", zap.String("asset", pos.Asset))
			continue
		}
		mgr.PinLiquidationPrice(pos.Asset, venue.LiquidationPrice)
		if pos.PerpQty != 0 && math.Abs(venue.Size-pos.PerpQty) > perpDriftTolerance*math.Abs(pos.PerpQty) {
			a.log.Warn("perp size differs from venue",
				zap.String("asset", pos.Asset),
				zap.Float64("local", pos.PerpQty),
				zap.Float64("venue", venue.Size),
			)
		}
	}
	return nil
}

func (a *App) logCycle(res engine.CycleResult) {
	fields := []zap.Field{
		zap.Time("time", res.Time),
		zap.Int("signals", len(res.Signals)),
		zap.Int("opened", len(res.Opened)),
		zap.Int("closed", len(res.Closed)),
		zap.Strings("rebalanced", res.Rebalanced),
		zap.Strings("force_closed", res.ForceClosed),
		zap.Float64("equity", res.Equity),
		zap.Float64("used_margin", res.UsedMargin),
	}
	if len(res.Errors) > 0 {
		fields = append(fields, zap.Strings("error_assets", res.ErrorAssets()))
	}
	a.log.Info("cycle complete", fields...)
	for _, asset := range res.ErrorAssets() {
		a.log.Warn("asset skipped this cycle", zap.String("asset", asset), zap.Error(res.Errors[asset]))
	}
	for asset, d := range res.Rejections {
		a.log.Debug("entry rejected", zap.String("asset", asset), zap.Stringer("decision", d))
	}
	for _, w := range res.Warnings {
		a.log.Warn("account warning", zap.Error(w))
	}
}

func (a *App) restorePositions(ctx context.Context) error {
	var positions []position.Position
	ok, err := state.LoadJSON(ctx, a.store, state.PositionsKey, &positions)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	if !ok {
		return nil
	}
	a.engine.Manager().Restore(positions)
	restored := a.engine.Manager().Positions()
	if len(restored) > 0 {
		assets := make([]string, 0, len(restored))
		for _, pos := range restored {
			assets = append(assets, pos.Asset+":"+string(pos.Status))
		}
		a.log.Info("restored positions", zap.Strings("positions", assets))
	}
	return nil
}

func (a *App) persistPositions(ctx context.Context) {
	if err := state.SaveJSON(ctx, a.store, state.PositionsKey, a.engine.Manager().Positions()); err != nil {
		a.log.Warn("persist positions failed", zap.Error(err))
	}
}

func (a *App) initNonces(ctx context.Context) {
	if a.exchange == nil || a.store == nil {
		return
	}
	if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
	} else if st, ok := a.exchange.NonceState(); ok {
		a.log.Info("nonce persistence enabled", zap.String("nonce_key", st.Key), zap.Uint64("nonce_seed", st.Last))
	}
}

// setLeverage applies the configured cross leverage to every traded perp.
func (a *App) setLeverage(ctx context.Context) {
	if a.exchange == nil {
		return
	}
	lev := int(math.Round(a.cfg.Strategy.Leverage))
	for _, asset := range a.cfg.Strategy.Assets {
		id, ok := a.market.PerpAssetID(asset)
		if !ok {
			a.log.Warn("perp asset not listed, leverage not set", zap.String("asset", asset))
			continue
		}
		if err := a.exchange.UpdateLeverage(ctx, id, lev, true); err != nil {
			a.log.Warn("update leverage failed", zap.String("asset", asset), zap.Error(err))
			continue
		}
		a.log.Info("leverage set", zap.String("asset", asset), zap.Int("leverage", lev))
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
}

// shutdown runs on a fresh context because the run context is already done.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if !a.cfg.Strategy.CloseOnShutdown {
		a.persistPositions(ctx)
		a.log.Info("shutdown: leaving positions open", zap.Int("open", len(a.engine.Manager().Positions())))
		return
	}
	closed, errs := a.engine.CloseAll(ctx, a.now(), engine.ReasonShutdown)
	a.persistPositions(ctx)
	msg := fmt.Sprintf("shutdown: closed %d position(s)", len(closed))
	if len(errs) > 0 {
		msg += fmt.Sprintf(", %d failed", len(errs))
		for asset, err := range errs {
			a.log.Error("shutdown close failed", zap.String("asset", asset), zap.Error(err))
		}
	}
	a.notify(ctx, msg)
}

// halt reports a run-level failure and hands it back to the caller.
func (a *App) halt(err error) error {
	a.log.Error("run halted", zap.Error(err))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.persistPositions(ctx)
	a.notify(ctx, "RUN HALTED: "+err.Error())
	return err
}

func (a *App) notify(ctx context.Context, msg string) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Send(ctx, msg); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) close() {
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}
