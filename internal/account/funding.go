package account

import (
	"context"
	"strings"
	"time"
)

// FundingPayment is one settled funding transfer as the exchange booked it.
type FundingPayment struct {
	Asset  string
	Amount float64
	Rate   float64
	Size   float64
	Time   time.Time
}

func (a *Account) UserFunding(ctx context.Context, start time.Time) ([]FundingPayment, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	payload, err := a.rest.InfoAny(ctx, map[string]any{
		"type":      "userFunding",
		"user":      a.user,
		"startTime": start.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return parseUserFunding(payload), nil
}

// FundingTotals sums booked funding per asset.
func FundingTotals(payments []FundingPayment) map[string]float64 {
	out := make(map[string]float64)
	for _, p := range payments {
		out[p.Asset] += p.Amount
	}
	return out
}

func parseUserFunding(payload any) []FundingPayment {
	switch data := payload.(type) {
	case map[string]any:
		for _, key := range []string{"data", "fundings", "userFunding"} {
			if nested, ok := data[key]; ok {
				return parseUserFunding(nested)
			}
		}
		if entry, ok := parseFundingEntry(data); ok {
			return []FundingPayment{entry}
		}
	case []any:
		out := make([]FundingPayment, 0, len(data))
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if entry, ok := parseFundingEntry(m); ok {
				out = append(out, entry)
			}
		}
		return out
	}
	return nil
}

// parseFundingEntry accepts both the flat shape and the ledger shape
// {"time":..., "delta":{"type":"funding","coin":...,"usdc":...}}.
func parseFundingEntry(data map[string]any) (FundingPayment, bool) {
	fields := data
	if delta, ok := data["delta"].(map[string]any); ok {
		if t := strings.ToLower(stringFromAny(delta["type"])); t != "" && t != "funding" {
			return FundingPayment{}, false
		}
		fields = delta
	}
	asset := stringFromAny(fields["coin"])
	if asset == "" {
		return FundingPayment{}, false
	}
	entry := FundingPayment{Asset: asset}
	for _, key := range []string{"usdc", "funding", "amount"} {
		if amt, ok := floatFromAny(fields[key]); ok {
			entry.Amount = amt
			break
		}
	}
	entry.Rate, _ = floatFromAny(fields["fundingRate"])
	entry.Size, _ = floatFromAny(fields["szi"])
	ts := int64FromAny(data["time"])
	if ts == 0 {
		ts = int64FromAny(fields["time"])
	}
	if ts > 0 {
		entry.Time = time.UnixMilli(ts).UTC()
	}
	return entry, true
}
