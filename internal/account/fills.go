package account

import (
	"context"
	"strings"
	"time"
)

type Fill struct {
	OrderID string
	Cloid   string
	Asset   string
	Side    string
	Size    float64
	Price   float64
	Fee     float64
	Time    time.Time
	Hash    string
}

func (f Fill) IsBuy() bool { return f.Side == "B" }

func (a *Account) UserFillsByTime(ctx context.Context, start, end time.Time) ([]Fill, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	req := map[string]any{
		"type":      "userFillsByTime",
		"user":      a.user,
		"startTime": start.UnixMilli(),
	}
	if !end.IsZero() {
		req["endTime"] = end.UnixMilli()
	}
	resp, err := a.rest.InfoAny(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseFills(resp), nil
}

// FillsByCloid aggregates every fill carrying cloid since the given time. It is
// how an order whose response was lost gets reconciled.
func (a *Account) FillsByCloid(ctx context.Context, cloid string, since time.Time) (Fill, bool, error) {
	fills, err := a.UserFillsByTime(ctx, since, time.Time{})
	if err != nil {
		return Fill{}, false, err
	}
	var agg Fill
	var notional float64
	for _, f := range fills {
		if !strings.EqualFold(f.Cloid, cloid) {
			continue
		}
		if agg.Cloid == "" {
			agg = Fill{OrderID: f.OrderID, Cloid: f.Cloid, Asset: f.Asset, Side: f.Side, Time: f.Time, Hash: f.Hash}
		}
		agg.Size += f.Size
		agg.Fee += f.Fee
		notional += f.Size * f.Price
		if f.Time.After(agg.Time) {
			agg.Time = f.Time
		}
	}
	if agg.Size == 0 {
		return Fill{}, false, nil
	}
	agg.Price = notional / agg.Size
	return agg, true, nil
}

func parseFills(payload any) []Fill {
	var list []any
	switch val := payload.(type) {
	case []any:
		list = val
	case map[string]any:
		if nested, ok := val["fills"].([]any); ok {
			list = nested
		} else if nested, ok := val["data"].([]any); ok {
			list = nested
		}
	}
	fills := make([]Fill, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fills = append(fills, parseFill(entry))
	}
	return fills
}

func parseFill(entry map[string]any) Fill {
	size, _ := floatFromAny(entry["sz"])
	price, _ := floatFromAny(entry["px"])
	fee, _ := floatFromAny(entry["fee"])
	return Fill{
		OrderID: stringFromAny(entry["oid"]),
		Cloid:   stringFromAny(entry["cloid"]),
		Asset:   stringFromAny(entry["coin"]),
		Side:    stringFromAny(entry["side"]),
		Size:    size,
		Price:   price,
		Fee:     fee,
		Time:    time.UnixMilli(int64FromAny(entry["time"])).UTC(),
		Hash:    stringFromAny(entry["hash"]),
	}
}
