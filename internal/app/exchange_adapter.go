package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"hl-funding-arb/internal/account"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/hl/exchange"
	"hl-funding-arb/internal/market"

	"go.uber.org/zap"
)

// fills older than this before submission are never matched to an order
const fillLookback = 5 * time.Second

// assetBook resolves an intent's asset to the exchange's numeric id and size
// precision.
type assetBook interface {
	PerpContext(asset string) (market.PerpContext, bool)
	SpotContext(asset string) (market.SpotContext, bool)
	SpotAssetID(asset string) (int, bool)
}

type fillLookup interface {
	FillsByCloid(ctx context.Context, cloid string, since time.Time) (account.Fill, bool, error)
}

// exchangeGateway sends each intent as one IOC limit order priced maxSlippage
// through the reference price. Whatever does not fill immediately is cancelled,
// so a fill is always final by the time Place returns.
type exchangeGateway struct {
	client      *exchange.Client
	book        assetBook
	fills       fillLookup
	maxSlippage float64
	log         *zap.Logger
	now         func() time.Time
}

var _ exec.Gateway = (*exchangeGateway)(nil)

func newExchangeGateway(client *exchange.Client, book assetBook, fills fillLookup, maxSlippage float64, log *zap.Logger) *exchangeGateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &exchangeGateway{
		client:      client,
		book:        book,
		fills:       fills,
		maxSlippage: maxSlippage,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (g *exchangeGateway) Place(ctx context.Context, intent exec.Intent) (exec.Fill, error) {
	if g.client == nil {
		return exec.Fill{}, errors.New("exchange client is required")
	}
	assetID, szDecimals, err := g.resolve(intent)
	if err != nil {
		return exec.Fill{}, err
	}
	size := roundDown(intent.Qty, szDecimals)
	if size <= 0 {
		return exec.Fill{}, &exec.Rejection{ClientOrderID: intent.ClientOrderID, Reason: fmt.Sprintf("size %.8f rounds to zero at %d decimals", intent.Qty, szDecimals)}
	}
	limit := normalizeLimitPrice(limitPrice(intent.RefPrice, intent.IsBuy, g.maxSlippage), intent.Venue == exec.VenueSpot, szDecimals)
	if limit <= 0 {
		return exec.Fill{}, &exec.Rejection{ClientOrderID: intent.ClientOrderID, Reason: "no reference price"}
	}
	cloid := ""
	if intent.ClientOrderID != "" {
		cloid = exchange.Cloid(intent.ClientOrderID)
	}
	wire, err := exchange.LimitOrderWire(assetID, intent.IsBuy, size, limit, intent.ReduceOnly, exchange.TifIoc, cloid)
	if err != nil {
		return exec.Fill{}, err
	}

	sent := g.now()
	status, err := g.client.PlaceOrder(ctx, wire)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderRejected) {
			return exec.Fill{}, &exec.Rejection{ClientOrderID: intent.ClientOrderID, Reason: err.Error()}
		}
		// The order may have reached the book even though the response did not
		// reach us.
		if fill, ok := g.recover(ctx, intent, cloid, sent); ok {
			return fill, nil
		}
		return exec.Fill{}, err
	}
	if status.Resting {
		if cerr := g.client.CancelOrder(ctx, assetID, status.OrderID); cerr != nil {
			g.log.Warn("cancel resting order failed",
				zap.String("asset", intent.Asset),
				zap.Int64("oid", status.OrderID),
				zap.Error(cerr),
			)
		}
		return exec.Fill{}, nil
	}
	fill := exec.Fill{
		ClientOrderID: intent.ClientOrderID,
		OrderID:       strconv.FormatInt(status.OrderID, 10),
		Asset:         intent.Asset,
		Venue:         intent.Venue,
		IsBuy:         intent.IsBuy,
		Qty:           status.Filled,
		Price:         status.AvgPrice,
		Time:          intent.Time,
	}
	if fill.Qty > 0 && cloid != "" && g.fills != nil {
		// the order response carries no fee
		if venueFill, ok, err := g.fills.FillsByCloid(ctx, cloid, sent.Add(-fillLookback)); err == nil && ok {
			fill.Fee = venueFill.Fee
		}
	}
	return fill, nil
}

func (g *exchangeGateway) recover(ctx context.Context, intent exec.Intent, cloid string, sent time.Time) (exec.Fill, bool) {
	if cloid == "" || g.fills == nil {
		return exec.Fill{}, false
	}
	venueFill, ok, err := g.fills.FillsByCloid(ctx, cloid, sent.Add(-fillLookback))
	if err != nil || !ok {
		return exec.Fill{}, false
	}
	g.log.Info("order reconciled from fills", zap.String("asset", intent.Asset), zap.String("cloid", cloid))
	return exec.Fill{
		ClientOrderID: intent.ClientOrderID,
		OrderID:       venueFill.OrderID,
		Asset:         intent.Asset,
		Venue:         intent.Venue,
		IsBuy:         intent.IsBuy,
		Qty:           math.Abs(venueFill.Size),
		Price:         venueFill.Price,
		Fee:           venueFill.Fee,
		Time:          intent.Time,
	}, true
}

func (g *exchangeGateway) resolve(intent exec.Intent) (int, int, error) {
	if g.book == nil {
		return 0, 0, errors.New("asset contexts unavailable")
	}
	switch intent.Venue {
	case exec.VenueSpot:
		ctx, ok := g.book.SpotContext(intent.Asset)
		if !ok {
			return 0, 0, fmt.Errorf("spot asset %s: %w", intent.Asset, market.ErrDataUnavailable)
		}
		id, _ := g.book.SpotAssetID(intent.Asset)
		return id, ctx.BaseSzDecimals, nil
	default:
		ctx, ok := g.book.PerpContext(intent.Asset)
		if !ok {
			return 0, 0, fmt.Errorf("perp asset %s: %w", intent.Asset, market.ErrDataUnavailable)
		}
		return ctx.Index, ctx.SzDecimals, nil
	}
}

// limitPrice crosses the reference by the slippage allowance.
func limitPrice(ref float64, isBuy bool, maxSlippage float64) float64 {
	if ref <= 0 || math.IsNaN(ref) || math.IsInf(ref, 0) {
		return 0
	}
	if isBuy {
		return ref * (1 + maxSlippage)
	}
	return ref * (1 - maxSlippage)
}

func roundDown(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Floor(value)
	}
	factor := math.Pow10(decimals)
	return math.Floor(value*factor) / factor
}

func roundTo(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(value)
	}
	factor := math.Pow10(decimals)
	return math.Round(value*factor) / factor
}

// normalizeLimitPrice keeps five significant figures and at most 6 (perp) or 8
// (spot) decimals less szDecimals.
func normalizeLimitPrice(price float64, isSpot bool, szDecimals int) float64 {
	if price == 0 {
		return 0
	}
	if sig, err := strconv.ParseFloat(strconv.FormatFloat(price, 'g', 5, 64), 64); err == nil {
		price = sig
	}
	decimals := 6
	if isSpot {
		decimals = 8
	}
	if szDecimals >= 0 {
		decimals -= szDecimals
		if decimals < 0 {
			decimals = 0
		}
	}
	return roundTo(price, decimals)
}
