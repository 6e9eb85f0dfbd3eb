package state

import (
	"context"
	"sync"
	"testing"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

type positionRow struct {
	Asset   string  `json:"asset"`
	PerpQty float64 `json:"perp_qty"`
}

func TestJSONRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	rows := []positionRow{{Asset: "BTC", PerpQty: -0.5}, {Asset: "ETH", PerpQty: 2}}
	if err := SaveJSON(ctx, store, PositionsKey, rows); err != nil {
		t.Fatalf("save: %v", err)
	}
	var got []positionRow
	ok, err := LoadJSON(ctx, store, PositionsKey, &got)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok || len(got) != 2 || got[0] != rows[0] || got[1] != rows[1] {
		t.Fatalf("unexpected rows: %#v (ok=%v)", got, ok)
	}
}

func TestLoadJSONMissing(t *testing.T) {
	var got []positionRow
	ok, err := LoadJSON(context.Background(), &memoryStore{}, PositionsKey, &got)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key, got %#v", got)
	}
}

func TestLoadJSONInvalid(t *testing.T) {
	store := &memoryStore{items: map[string]string{PositionsKey: "{"}}
	var got []positionRow
	if _, err := LoadJSON(context.Background(), store, PositionsKey, &got); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	if err := SaveJSON(context.Background(), nil, PositionsKey, 1); err != nil {
		t.Fatalf("save on nil store: %v", err)
	}
	var v int
	if ok, err := LoadJSON(context.Background(), nil, PositionsKey, &v); ok || err != nil {
		t.Fatalf("load on nil store: ok=%v err=%v", ok, err)
	}
}
