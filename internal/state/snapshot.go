package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// LoadJSON decodes the value stored under key into out. It reports false when
// the key is absent or blank.
func LoadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func SaveJSON(ctx context.Context, store Store, key string, value any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Set(ctx, key, string(payload))
}
