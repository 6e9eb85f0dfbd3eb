package exchange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrOrderRejected = errors.New("exchange rejected order")

// OrderStatus is the first entry of an order response's statuses array.
type OrderStatus struct {
	OrderID  int64
	Filled   float64
	AvgPrice float64
	Resting  bool
}

// ParseOrderStatus reads a /exchange order response. A top-level "err" status or
// a per-order "error" entry is returned as an error wrapping ErrOrderRejected.
func ParseOrderStatus(resp map[string]any) (OrderStatus, error) {
	if resp == nil {
		return OrderStatus{}, errors.New("empty order response")
	}
	if status := stringFromAny(resp["status"]); status != "" && status != "ok" {
		return OrderStatus{}, fmt.Errorf("%w: %v", ErrOrderRejected, resp["response"])
	}
	body, _ := resp["response"].(map[string]any)
	data, _ := body["data"].(map[string]any)
	statuses, _ := data["statuses"].([]any)
	if len(statuses) == 0 {
		return OrderStatus{}, errors.New("order response has no statuses")
	}
	entry, ok := statuses[0].(map[string]any)
	if !ok {
		if s := stringFromAny(statuses[0]); s != "" {
			return OrderStatus{}, fmt.Errorf("%w: %s", ErrOrderRejected, s)
		}
		return OrderStatus{}, errors.New("unexpected order status shape")
	}
	if msg := stringFromAny(entry["error"]); msg != "" {
		return OrderStatus{}, fmt.Errorf("%w: %s", ErrOrderRejected, msg)
	}
	if filled, ok := entry["filled"].(map[string]any); ok {
		return OrderStatus{
			OrderID:  int64FromAny(filled["oid"]),
			Filled:   floatFromAny(filled["totalSz"]),
			AvgPrice: floatFromAny(filled["avgPx"]),
		}, nil
	}
	if resting, ok := entry["resting"].(map[string]any); ok {
		return OrderStatus{OrderID: int64FromAny(resting["oid"]), Resting: true}, nil
	}
	return OrderStatus{}, errors.New("order status neither filled nor resting")
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

func floatFromAny(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return 0
}

func int64FromAny(v any) int64 {
	id, _ := strconv.ParseInt(stringFromAny(v), 10, 64)
	return id
}
