package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"hl-funding-arb/internal/hl/rest"

	"go.uber.org/zap"
)

// PerpPosition is one row of clearinghouseState.assetPositions.
type PerpPosition struct {
	Asset            string
	Size             float64
	EntryPrice       float64
	LiquidationPrice float64
	PositionValue    float64
	Leverage         float64
}

// State is the exchange's own view of the account. Equity is the perp account
// value plus any USDC held on the spot side.
type State struct {
	Equity        float64
	UsedMargin    float64
	Withdrawable  float64
	PerpPositions map[string]PerpPosition
	SpotBalances  map[string]float64
}

// Utilization is used margin over equity, or 0 for an empty account.
func (s State) Utilization() float64 {
	if s.Equity <= 0 {
		return 0
	}
	return s.UsedMargin / s.Equity
}

func (s State) Assets() []string {
	out := make([]string, 0, len(s.PerpPositions))
	for asset := range s.PerpPositions {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// Account reads balances, positions, fills and funding for one user over REST.
type Account struct {
	rest *rest.Client
	log  *zap.Logger
	user string
}

func New(restClient *rest.Client, log *zap.Logger, user string) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{rest: restClient, log: log, user: strings.TrimSpace(user)}
}

func (a *Account) User() string { return a.user }

func (a *Account) ready() error {
	if a.rest == nil {
		return errors.New("rest client is required")
	}
	if a.user == "" {
		return errors.New("account user is required")
	}
	return nil
}

// Reconcile fetches clearinghouseState and spotClearinghouseState. The spot
// call is best effort; a missing spot account leaves SpotBalances empty.
func (a *Account) Reconcile(ctx context.Context) (State, error) {
	if err := a.ready(); err != nil {
		return State{}, err
	}
	perp, err := a.rest.Info(ctx, rest.InfoRequest{Type: "clearinghouseState", User: a.user})
	if err != nil {
		return State{}, fmt.Errorf("clearinghouseState: %w", err)
	}
	state, err := parseClearinghouse(perp)
	if err != nil {
		return State{}, err
	}
	spot, err := a.rest.Info(ctx, rest.InfoRequest{Type: "spotClearinghouseState", User: a.user})
	if err != nil {
		a.log.Debug("spot balances unavailable", zap.Error(err))
		spot = nil
	}
	state.SpotBalances = parseBalances(spot)
	state.Equity += state.SpotBalances["USDC"]
	return state, nil
}

func parseClearinghouse(payload map[string]any) (State, error) {
	if payload == nil {
		return State{}, errors.New("clearinghouseState empty")
	}
	summary, ok := payload["marginSummary"].(map[string]any)
	if !ok {
		summary, ok = payload["crossMarginSummary"].(map[string]any)
	}
	if !ok {
		return State{}, errors.New("clearinghouseState missing margin summary")
	}
	equity, ok := floatFromAny(summary["accountValue"])
	if !ok {
		return State{}, errors.New("clearinghouseState missing accountValue")
	}
	used, _ := floatFromAny(summary["totalMarginUsed"])
	withdrawable, _ := floatFromAny(payload["withdrawable"])
	return State{
		Equity:        equity,
		UsedMargin:    used,
		Withdrawable:  withdrawable,
		PerpPositions: parsePositions(payload),
	}, nil
}

func parsePositions(payload map[string]any) map[string]PerpPosition {
	positions := make(map[string]PerpPosition)
	raw, ok := payload["assetPositions"].([]any)
	if !ok {
		return positions
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := entry["position"].(map[string]any); ok {
			pos = nested
		}
		asset := stringFromAny(pos["coin"])
		if asset == "" {
			continue
		}
		size, _ := floatFromAny(pos["szi"])
		if size == 0 {
			continue
		}
		p := PerpPosition{Asset: asset, Size: size}
		p.EntryPrice, _ = floatFromAny(pos["entryPx"])
		p.LiquidationPrice, _ = floatFromAny(pos["liquidationPx"])
		p.PositionValue, _ = floatFromAny(pos["positionValue"])
		if lev, ok := pos["leverage"].(map[string]any); ok {
			p.Leverage, _ = floatFromAny(lev["value"])
		}
		positions[asset] = p
	}
	return positions
}

func parseBalances(payload map[string]any) map[string]float64 {
	balances := make(map[string]float64)
	if payload == nil {
		return balances
	}
	raw, ok := payload["balances"].([]any)
	if !ok {
		return balances
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		coin := stringFromAny(entry["coin"])
		if coin == "" {
			continue
		}
		if total, ok := floatFromAny(entry["total"]); ok {
			balances[coin] = total
		}
	}
	return balances
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func int64FromAny(v any) int64 {
	f, ok := floatFromAny(v)
	if !ok {
		return 0
	}
	return int64(f)
}
