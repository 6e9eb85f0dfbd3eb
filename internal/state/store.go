package state

import "context"

// Store is a small string key/value store for process state that must survive a
// restart: client order id fills and the open position table.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	PositionsKey  = "positions:snapshot"
	FillKeyPrefix = "fill:"
)
