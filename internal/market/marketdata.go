package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/hl/ws"
	"hl-funding-arb/internal/strategy"

	"go.uber.org/zap"
)

// hourly venue funding scaled to one funding period
var hoursPerPeriod = float64(strategy.FundingInterval / time.Hour)

type PerpContext struct {
	Index int
	// FundingRate is the venue's current hourly rate.
	FundingRate float64
	OraclePrice float64
	MarkPrice   float64
	SzDecimals  int
	MaxLeverage float64
}

type SpotContext struct {
	Symbol          string
	Base            string
	Quote           string
	Index           int
	BaseSzDecimals  int
	QuoteSzDecimals int
	RawName         string
	MidKey          string
}

type midQuote struct {
	price float64
	at    time.Time
}

// Live is the exchange-backed market data source. Funding rates and marks come
// from metaAndAssetCtxs; a websocket allMids mid younger than midMaxAge takes
// precedence over the REST mark.
type Live struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger
	now  func() time.Time

	mu               sync.RWMutex
	mids             map[string]midQuote
	perpCtx          map[string]PerpContext
	spotCtx          map[string]SpotContext
	lastCtxRefresh   time.Time
	ctxRefreshWindow time.Duration
	midMaxAge        time.Duration
}

func New(restClient *rest.Client, wsClient *ws.Client, midMaxAge time.Duration, log *zap.Logger) *Live {
	if log == nil {
		log = zap.NewNop()
	}
	return &Live{
		rest:             restClient,
		ws:               wsClient,
		log:              log,
		now:              func() time.Time { return time.Now().UTC() },
		mids:             make(map[string]midQuote),
		perpCtx:          make(map[string]PerpContext),
		spotCtx:          make(map[string]SpotContext),
		ctxRefreshWindow: 30 * time.Second,
		midMaxAge:        midMaxAge,
	}
}

// Start loads asset contexts and, when a websocket client is configured,
// subscribes to allMids in the background.
func (m *Live) Start(ctx context.Context) error {
	if err := m.RefreshContexts(ctx); err != nil {
		m.log.Warn("context refresh failed", zap.Error(err))
	}
	if m.ws == nil {
		return nil
	}
	if err := m.ws.Connect(ctx); err != nil {
		return err
	}
	if err := m.ws.Subscribe(ctx, ws.AllMids()); err != nil {
		return err
	}
	go func() {
		if err := m.ws.Run(ctx, m.handleMessage); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("ws loop stopped", zap.Error(err))
		}
	}()
	return nil
}

func (m *Live) RefreshContexts(ctx context.Context) error {
	if m.rest == nil {
		return nil
	}
	if !m.shouldRefresh() {
		return nil
	}
	perpResp, err := m.rest.InfoAny(ctx, rest.InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return err
	}
	perpCtx, err := parsePerpContexts(perpResp)
	if err != nil {
		return err
	}
	spotCtx := map[string]SpotContext{}
	spotResp, err := m.rest.InfoAny(ctx, rest.InfoRequest{Type: "spotMetaAndAssetCtxs"})
	if err == nil {
		spotCtx, err = parseSpotContexts(spotResp)
	}
	if err != nil {
		// Spot metadata only matters for the spot leg variant.
		m.log.Debug("spot context refresh failed", zap.Error(err))
	}
	m.mu.Lock()
	m.perpCtx = perpCtx
	if len(spotCtx) > 0 {
		m.spotCtx = spotCtx
	}
	m.lastCtxRefresh = m.now()
	m.mu.Unlock()
	return nil
}

func (m *Live) shouldRefresh() bool {
	m.mu.RLock()
	last := m.lastCtxRefresh
	window := m.ctxRefreshWindow
	m.mu.RUnlock()
	if last.IsZero() {
		return true
	}
	return m.now().Sub(last) >= window
}

func (m *Live) refreshOrStale(ctx context.Context) error {
	err := m.RefreshContexts(ctx)
	if err == nil {
		return nil
	}
	m.mu.RLock()
	cached := len(m.perpCtx)
	m.mu.RUnlock()
	if cached == 0 {
		return fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	m.log.Warn("using stale asset contexts", zap.Error(err))
	return nil
}

// FundingRates returns the current 8h rate for each listed asset. Unlisted
// assets are left out.
func (m *Live) FundingRates(ctx context.Context, assets []string) (map[string]float64, error) {
	if err := m.refreshOrStale(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(assets))
	for _, asset := range assets {
		if pc, ok := m.perpCtx[asset]; ok {
			out[asset] = pc.FundingRate * hoursPerPeriod
		}
	}
	return out, nil
}

func (m *Live) MarkPrices(ctx context.Context, assets []string) (map[string]float64, error) {
	if err := m.refreshOrStale(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(assets))
	for _, asset := range assets {
		if price, ok := m.markPrice(asset); ok {
			out[asset] = price
		}
	}
	return out, nil
}

// Snapshot prices every configured asset for one cycle. A failed refresh with no
// cached contexts fails the whole snapshot; otherwise assets that cannot be
// priced are reported through Snapshot.Missing.
func (m *Live) Snapshot(ctx context.Context, assets []string) (Snapshot, error) {
	if err := m.refreshOrStale(ctx); err != nil {
		return Snapshot{}, err
	}
	snap := NewSnapshot(m.now())
	m.mu.RLock()
	perpCtx := m.perpCtx
	m.mu.RUnlock()
	for _, asset := range assets {
		pc, ok := perpCtx[asset]
		if !ok {
			snap.MarkMissing(asset, errors.New("not listed"))
			continue
		}
		price, ok := m.markPrice(asset)
		if !ok {
			snap.MarkMissing(asset, errors.New("no mark price"))
			continue
		}
		snap.Set(asset, pc.FundingRate*hoursPerPeriod, price)
		if pc.MaxLeverage > 0 {
			snap.MaxLeverage[asset] = pc.MaxLeverage
		}
	}
	return snap, nil
}

func (m *Live) markPrice(asset string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q, ok := m.mids[asset]; ok && q.price > 0 {
		if m.midMaxAge <= 0 || m.now().Sub(q.at) <= m.midMaxAge {
			return q.price, true
		}
	}
	pc, ok := m.perpCtx[asset]
	if !ok || pc.MarkPrice <= 0 {
		return 0, false
	}
	return pc.MarkPrice, true
}

func (m *Live) SpotContext(asset string) (SpotContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.spotCtx[asset]
	if !ok && !strings.Contains(asset, "/") {
		ctx, ok = m.spotCtx[asset+"/USDC"]
	}
	return ctx, ok
}

func (m *Live) PerpContext(asset string) (PerpContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.perpCtx[asset]
	return ctx, ok
}

func (m *Live) PerpAssetID(asset string) (int, bool) {
	ctx, ok := m.PerpContext(asset)
	if !ok {
		return 0, false
	}
	return ctx.Index, true
}

func (m *Live) SpotAssetID(asset string) (int, bool) {
	ctx, ok := m.SpotContext(asset)
	if !ok {
		return 0, false
	}
	return 10000 + ctx.Index, true
}

func (m *Live) handleMessage(msg json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		m.log.Debug("ws decode error", zap.Error(err))
		return
	}
	if channel := stringFromAny(payload["channel"]); channel != "" && channel != "allMids" {
		return
	}
	m.updateMids(payload)
}

func (m *Live) updateMids(payload map[string]any) {
	var mids map[string]any
	if data, ok := payload["data"].(map[string]any); ok {
		if raw, ok := data["mids"].(map[string]any); ok {
			mids = raw
		}
	}
	if mids == nil {
		if raw, ok := payload["mids"].(map[string]any); ok {
			mids = raw
		}
	}
	if mids == nil {
		// /info allMids returns a flat map of symbol -> mid.
		if _, hasData := payload["data"]; !hasData {
			mids = payload
		}
	}
	if mids == nil {
		return
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for asset, v := range mids {
		if f, ok := floatFromAny(v); ok && f > 0 {
			m.mids[asset] = midQuote{price: f, at: now}
		}
	}
}
