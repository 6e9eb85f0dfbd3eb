package exchange

import (
	"errors"
	"testing"
)

func TestParseOrderStatusFilled(t *testing.T) {
	resp := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{
					map[string]any{"filled": map[string]any{"totalSz": "0.02", "avgPx": "1891.4", "oid": float64(77738308)}},
				},
			},
		},
	}
	status, err := ParseOrderStatus(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.OrderID != 77738308 || status.Filled != 0.02 || status.AvgPrice != 1891.4 || status.Resting {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestParseOrderStatusErrors(t *testing.T) {
	perOrder := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"data": map[string]any{
				"statuses": []any{map[string]any{"error": "Order could not immediately match against any resting orders."}},
			},
		},
	}
	if _, err := ParseOrderStatus(perOrder); !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
	topLevel := map[string]any{"status": "err", "response": "Insufficient margin"}
	if _, err := ParseOrderStatus(topLevel); !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
	resting := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"data": map[string]any{"statuses": []any{map[string]any{"resting": map[string]any{"oid": float64(5)}}}},
		},
	}
	status, err := ParseOrderStatus(resting)
	if err != nil || !status.Resting || status.OrderID != 5 {
		t.Fatalf("expected resting oid 5, got %+v, %v", status, err)
	}
}
