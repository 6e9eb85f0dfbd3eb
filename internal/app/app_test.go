package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hl-funding-arb/internal/account"
	"hl-funding-arb/internal/alerts"
	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/engine"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/hl/exchange"
	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/position"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/strategy"

	"go.uber.org/zap"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

func TestRoundDown(t *testing.T) {
	got := roundDown(1.239, 2)
	if math.Abs(got-1.23) > 1e-9 {
		t.Fatalf("expected 1.23, got %f", got)
	}
}

func TestNormalizeLimitPriceDecimals(t *testing.T) {
	price := normalizeLimitPrice(123.456789, true, 2)
	scaled := price * 1e6
	if math.Abs(scaled-math.Round(scaled)) > 1e-9 {
		t.Fatalf("expected spot price rounded to 6 decimals, got %f", price)
	}
	perpPrice := normalizeLimitPrice(123.456789, false, 1)
	perpScaled := perpPrice * 1e5
	if math.Abs(perpScaled-math.Round(perpScaled)) > 1e-9 {
		t.Fatalf("expected perp price rounded to 5 decimals, got %f", perpPrice)
	}
}

func TestLimitPriceCrossesBySlippage(t *testing.T) {
	if got := limitPrice(100, true, 0.001); math.Abs(got-100.1) > 1e-9 {
		t.Fatalf("buy limit: expected 100.1, got %f", got)
	}
	if got := limitPrice(100, false, 0.001); math.Abs(got-99.9) > 1e-9 {
		t.Fatalf("sell limit: expected 99.9, got %f", got)
	}
	if got := limitPrice(math.NaN(), true, 0.001); got != 0 {
		t.Fatalf("expected 0 for NaN reference, got %f", got)
	}
}

// venue fakes the /info and /exchange endpoints for one BTC perp.
type venue struct {
	mu            sync.Mutex
	funding       string
	mark          string
	accountStatus int
	exchangeResp  string
	exchangeCode  int
	actions       []exchange.SignedAction
	fundingCalls  int
}

func newVenue() *venue {
	return &venue{
		funding:      "0.0005",
		mark:         "100",
		exchangeResp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"totalSz":"1.234","avgPx":"100.05","oid":77}}]}}}`,
	}
}

func (v *venue) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(v.handle))
	t.Cleanup(srv.Close)
	return srv
}

func (v *venue) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if r.URL.Path == "/exchange" {
		var action exchange.SignedAction
		_ = json.Unmarshal(body, &action)
		v.actions = append(v.actions, action)
		if v.exchangeCode != 0 {
			w.WriteHeader(v.exchangeCode)
			return
		}
		_, _ = w.Write([]byte(v.exchangeResp))
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch payload["type"] {
	case "metaAndAssetCtxs":
		writeJSON(w, []any{
			map[string]any{"universe": []any{
				map[string]any{"name": "BTC", "szDecimals": 3, "maxLeverage": 50},
			}},
			[]any{map[string]any{"funding": v.funding, "markPx": v.mark, "oraclePx": v.mark}},
		})
	case "l2Book":
		writeJSON(w, map[string]any{"coin": "BTC", "levels": []any{
			[]any{map[string]any{"px": "99.99", "sz": "1000", "n": 1}},
			[]any{map[string]any{"px": "100.01", "sz": "1000", "n": 1}},
		}})
	case "clearinghouseState":
		if v.accountStatus != 0 {
			w.WriteHeader(v.accountStatus)
			return
		}
		writeJSON(w, map[string]any{
			"marginSummary":  map[string]any{"accountValue": "10000", "totalMarginUsed": "0"},
			"withdrawable":   "10000",
			"assetPositions": []any{},
		})
	case "spotClearinghouseState":
		writeJSON(w, map[string]any{"balances": []any{}})
	case "userFillsByTime":
		writeJSON(w, []any{})
	case "userFunding":
		v.fundingCalls++
		writeJSON(w, []any{
			map[string]any{"time": time.Now().Add(time.Hour).UnixMilli(), "delta": map[string]any{
				"type": "funding", "coin": "BTC", "usdc": "1.5", "szi": "-80", "fundingRate": "0.0005",
			}},
			map[string]any{"time": time.Now().Add(time.Hour).UnixMilli(), "delta": map[string]any{
				"type": "funding", "coin": "ETH", "usdc": "9", "szi": "-1", "fundingRate": "0.0005",
			}},
		})
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unsupported request"}`))
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Assets:               []string{"BTC"},
			FundingRateThreshold: 0.0001,
			RebalanceThreshold:   0.05,
			MaxPositionUSD:       10000,
			MinPositionUSD:       100,
			Leverage:             2,
			SpotExecution:        config.SpotExecutionSynthetic,
			PollInterval:         time.Minute,
		},
		Risk: config.RiskConfig{
			LiquidationBuffer:     0.3,
			MaxSlippage:           0.001,
			MaxEquityFraction:     0.8,
			MarginWarnUtilization: 0.9,
			MaxAccountFailures:    2,
		},
		Exec:     config.ExecConfig{MaxAttempts: 1},
		Backtest: config.BacktestConfig{InitialCapital: 10000},
	}
}

// newTestApp wires an App against the fake venue with simulated fills. withAccount
// adds the venue account reader the live path uses.
func newTestApp(t *testing.T, cfg *config.Config, baseURL string, withAccount bool) (*App, *memoryStore) {
	t.Helper()
	return newTestAppWithGateway(t, cfg, baseURL, withAccount, exec.Simulated{})
}

func newTestAppWithGateway(t *testing.T, cfg *config.Config, baseURL string, withAccount bool, gw exec.Gateway) (*App, *memoryStore) {
	t.Helper()
	store := &memoryStore{data: make(map[string]string)}
	restClient := rest.New(baseURL, 2*time.Second, zap.NewNop())
	c := components{
		store:   store,
		rest:    restClient,
		market:  market.New(restClient, nil, 0, zap.NewNop()),
		gateway: gw,
		alerts:  alerts.NewTelegram(config.TelegramConfig{}, zap.NewNop()),
	}
	if withAccount {
		c.account = account.New(restClient, zap.NewNop(), "0xabc")
	}
	return newApp(cfg, zap.NewNop(), c), store
}

func TestTickOpensAndPersists(t *testing.T) {
	v := newVenue()
	app, store := newTestApp(t, testConfig(), v.server(t).URL, false)
	if err := app.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	var saved []position.Position
	ok, err := state.LoadJSON(context.Background(), store, state.PositionsKey, &saved)
	if err != nil || !ok {
		t.Fatalf("expected persisted positions, ok=%v err=%v", ok, err)
	}
	if len(saved) != 1 || saved[0].Asset != "BTC" || saved[0].Status != strategy.StateOpen {
		t.Fatalf("unexpected persisted positions: %+v", saved)
	}
	if got := math.Abs(saved[0].PerpSize(100)); math.Abs(got-8000) > 1e-6 {
		t.Fatalf("expected 8000 notional, got %f", got)
	}
	if status := app.operatorStatus(); !strings.Contains(status, "BTC OPEN") {
		t.Fatalf("status missing position:\n%s", status)
	}
}

// cancellingGateway fills the first order and then cancels the run context.
// Later calls fail on a cancelled context the way an HTTP round trip would.
type cancellingGateway struct {
	cancel context.CancelFunc
	calls  int
}

func (g *cancellingGateway) Place(ctx context.Context, intent exec.Intent) (exec.Fill, error) {
	g.calls++
	if err := ctx.Err(); err != nil {
		return exec.Fill{}, err
	}
	fill, err := exec.Simulated{}.Place(ctx, intent)
	if g.calls == 1 {
		g.cancel()
	}
	return fill, err
}

func TestStopSignalWaitsForCycleBoundary(t *testing.T) {
	v := newVenue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &cancellingGateway{cancel: cancel}
	app, store := newTestAppWithGateway(t, testConfig(), v.server(t).URL, false, gw)

	if err := app.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if gw.calls != 2 {
		t.Fatalf("expected both legs placed, got %d orders", gw.calls)
	}
	var saved []position.Position
	ok, err := state.LoadJSON(context.Background(), store, state.PositionsKey, &saved)
	if err != nil || !ok {
		t.Fatalf("expected persisted positions, ok=%v err=%v", ok, err)
	}
	if len(saved) != 1 || saved[0].Status != strategy.StateOpen {
		t.Fatalf("unexpected persisted positions: %+v", saved)
	}
	if saved[0].SpotQty == 0 || saved[0].PerpQty == 0 {
		t.Fatalf("expected both legs filled, got spot=%f perp=%f", saved[0].SpotQty, saved[0].PerpQty)
	}
	if math.Abs(saved[0].NetQty()) > 1e-9*math.Abs(saved[0].SpotQty) {
		t.Fatalf("expected hedged position, net qty %f", saved[0].NetQty())
	}
	if app.engine.Manager().Halted("BTC") {
		t.Fatalf("BTC must not be halted after a clean stop")
	}
}

func TestShutdownPersistsOpenPositions(t *testing.T) {
	v := newVenue()
	app, store := newTestApp(t, testConfig(), v.server(t).URL, false)
	if err := app.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := store.Delete(context.Background(), state.PositionsKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	app.shutdown()
	var saved []position.Position
	ok, err := state.LoadJSON(context.Background(), store, state.PositionsKey, &saved)
	if err != nil || !ok || len(saved) != 1 {
		t.Fatalf("expected open position persisted on shutdown, ok=%v err=%v n=%d", ok, err, len(saved))
	}
}

func TestRestorePositionsOnStart(t *testing.T) {
	v := newVenue()
	srv := v.server(t)
	first, store := newTestApp(t, testConfig(), srv.URL, false)
	if err := first.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	restClient := rest.New(srv.URL, 2*time.Second, zap.NewNop())
	second := newApp(testConfig(), zap.NewNop(), components{
		store:   store,
		rest:    restClient,
		market:  market.New(restClient, nil, 0, zap.NewNop()),
		gateway: exec.Simulated{},
	})
	if err := second.restorePositions(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !second.engine.Manager().Account().Has("BTC") {
		t.Fatalf("expected BTC restored")
	}

	// the rate collapses, so the restored position exits on the next cycle
	v.mu.Lock()
	v.funding = "0.00001"
	v.mu.Unlock()
	if err := second.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if second.engine.Manager().Account().Has("BTC") {
		t.Fatalf("expected restored position to close")
	}
	closed := second.engine.Manager().Closed()
	if len(closed) != 1 || closed[0].CloseReason != engine.ReasonBelowThreshold {
		t.Fatalf("unexpected closed positions: %+v", closed)
	}
}

func TestTickAccountFailuresStopRun(t *testing.T) {
	v := newVenue()
	v.accountStatus = http.StatusInternalServerError
	app, _ := newTestApp(t, testConfig(), v.server(t).URL, true)
	ctx := context.Background()
	if err := app.tick(ctx); err != nil {
		t.Fatalf("first failure should be tolerated, got %v", err)
	}
	err := app.tick(ctx)
	if !errors.Is(err, engine.ErrAccountUnavailable) {
		t.Fatalf("expected ErrAccountUnavailable, got %v", err)
	}
}

func TestTickSyncsVenueEquity(t *testing.T) {
	v := newVenue()
	app, _ := newTestApp(t, testConfig(), v.server(t).URL, true)
	if err := app.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	pos, ok := app.engine.Manager().Account().Position("BTC")
	if !ok {
		t.Fatalf("expected a position sized from venue equity")
	}
	if got := math.Abs(pos.PerpSize(100)); math.Abs(got-8000) > 1e-6 {
		t.Fatalf("expected 8000 notional from 10000 venue equity, got %f", got)
	}
}

type stubBook struct{}

func (stubBook) PerpContext(asset string) (market.PerpContext, bool) {
	if asset != "BTC" {
		return market.PerpContext{}, false
	}
	return market.PerpContext{Index: 3, SzDecimals: 3}, true
}

func (stubBook) SpotContext(asset string) (market.SpotContext, bool) {
	return market.SpotContext{}, false
}

func (stubBook) SpotAssetID(asset string) (int, bool) { return 0, false }

type stubFills struct {
	fill  account.Fill
	found bool
	calls int
}

func (s *stubFills) FillsByCloid(ctx context.Context, cloid string, since time.Time) (account.Fill, bool, error) {
	s.calls++
	if !s.found || s.fill.Cloid != cloid {
		return account.Fill{}, false, nil
	}
	return s.fill, true, nil
}

func newTestGateway(t *testing.T, baseURL string, fills *stubFills) *exchangeGateway {
	t.Helper()
	signer, err := exchange.NewSigner(testKey, false)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	client, err := exchange.NewClient(baseURL, 2*time.Second, signer, "")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return newExchangeGateway(client, stubBook{}, fills, 0.001, zap.NewNop())
}

func buyIntent() exec.Intent {
	return exec.Intent{ClientOrderID: "c1", Asset: "BTC", Venue: exec.VenuePerp, IsBuy: true, Qty: 1.23456, RefPrice: 100}
}

func TestExchangeGatewaySendsIOC(t *testing.T) {
	v := newVenue()
	fills := &stubFills{found: true, fill: account.Fill{Cloid: exchange.Cloid("c1"), Size: 1.234, Price: 100.05, Fee: 0.05}}
	gw := newTestGateway(t, v.server(t).URL, fills)

	fill, err := gw.Place(context.Background(), buyIntent())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if fill.Qty != 1.234 || fill.Price != 100.05 || fill.OrderID != "77" || fill.Fee != 0.05 {
		t.Fatalf("unexpected fill %+v", fill)
	}
	if len(v.actions) != 1 {
		t.Fatalf("expected one exchange action, got %d", len(v.actions))
	}
	raw, _ := json.Marshal(v.actions[0].Action)
	var action exchange.OrderAction
	if err := json.Unmarshal(raw, &action); err != nil {
		t.Fatalf("decode action: %v", err)
	}
	order := action.Orders[0]
	if order.Asset != 3 || order.Size != "1.234" || order.Price != "100.1" || !order.IsBuy {
		t.Fatalf("unexpected order wire %+v", order)
	}
	if order.OrderType.Limit == nil || order.OrderType.Limit.Tif != exchange.TifIoc {
		t.Fatalf("expected IOC order, got %+v", order.OrderType)
	}
	if order.Cloid != exchange.Cloid("c1") {
		t.Fatalf("expected cloid derived from intent id, got %s", order.Cloid)
	}
}

func TestExchangeGatewayReconcilesLostResponse(t *testing.T) {
	v := newVenue()
	v.exchangeCode = http.StatusBadGateway
	fills := &stubFills{found: true, fill: account.Fill{OrderID: "91", Cloid: exchange.Cloid("c1"), Size: 1.234, Price: 100.02}}
	gw := newTestGateway(t, v.server(t).URL, fills)

	fill, err := gw.Place(context.Background(), buyIntent())
	if err != nil {
		t.Fatalf("expected reconciled fill, got %v", err)
	}
	if fill.OrderID != "91" || fill.Qty != 1.234 {
		t.Fatalf("unexpected fill %+v", fill)
	}

	fills.found = false
	if _, err := gw.Place(context.Background(), buyIntent()); err == nil {
		t.Fatalf("expected transport error when no fill is found")
	}
}

func TestExchangeGatewayRejectionAndResting(t *testing.T) {
	v := newVenue()
	v.exchangeResp = `{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Order could not immediately match"}]}}}`
	gw := newTestGateway(t, v.server(t).URL, &stubFills{})

	_, err := gw.Place(context.Background(), buyIntent())
	var rej *exec.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}

	v.mu.Lock()
	v.exchangeResp = `{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":5}}]}}}`
	v.mu.Unlock()
	fill, err := gw.Place(context.Background(), buyIntent())
	if err != nil || fill.Qty != 0 {
		t.Fatalf("expected empty fill for resting order, got %+v %v", fill, err)
	}
	// rejected order, resting order, cancel
	if len(v.actions) != 3 {
		t.Fatalf("expected cancel after resting order, got %d actions", len(v.actions))
	}
}

func TestExchangeGatewayRejectsDust(t *testing.T) {
	gw := newTestGateway(t, "http://unused", &stubFills{})
	intent := buyIntent()
	intent.Qty = 0.0004
	_, err := gw.Place(context.Background(), intent)
	var rej *exec.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection for size below precision, got %v", err)
	}
	intent = buyIntent()
	intent.Asset = "DOGE"
	if _, err := gw.Place(context.Background(), intent); !errors.Is(err, market.ErrDataUnavailable) {
		t.Fatalf("expected unknown asset to be unavailable, got %v", err)
	}
}

func TestReconcileFundingOncePerPeriod(t *testing.T) {
	v := newVenue()
	app, _ := newTestApp(t, testConfig(), v.server(t).URL, true)
	ctx := context.Background()
	if err := app.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if v.fundingCalls != 0 {
		t.Fatalf("expected no funding lookup without positions, got %d", v.fundingCalls)
	}

	// next period with BTC held
	now := time.Now().UTC().Add(8 * time.Hour)
	app.reconcileFunding(ctx, now)
	app.reconcileFunding(ctx, now)
	if v.fundingCalls != 1 {
		t.Fatalf("expected one funding lookup per period, got %d", v.fundingCalls)
	}
	if got := app.bookedFunding["BTC"]; math.Abs(got-1.5) > 1e-9 {
		t.Fatalf("expected 1.5 booked for BTC, got %f", got)
	}
	if _, ok := app.bookedFunding["ETH"]; ok {
		t.Fatalf("funding for assets not held should be ignored")
	}
}
