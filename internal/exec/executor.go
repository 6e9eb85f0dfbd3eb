package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"hl-funding-arb/internal/state"

	"go.uber.org/zap"
)

// Executor submits intents through a Gateway and remembers each confirmed fill by
// client order id, so a resubmitted intent never trades twice.
type Executor struct {
	gw      Gateway
	store   state.Store
	log     *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]Fill
}

func New(gw Gateway, store state.Store, timeout time.Duration, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		gw:      gw,
		store:   store,
		log:     log,
		timeout: timeout,
		cache:   make(map[string]Fill),
	}
}

func (e *Executor) Submit(ctx context.Context, intent Intent) (Fill, error) {
	if intent.Qty <= 0 {
		return Fill{}, &Rejection{ClientOrderID: intent.ClientOrderID, Reason: "non-positive quantity"}
	}
	if intent.ClientOrderID == "" {
		return e.place(ctx, intent)
	}
	if fill, ok, err := e.cached(ctx, intent.ClientOrderID); err != nil {
		return Fill{}, err
	} else if ok {
		e.log.Debug("fill served from cache", zap.String("cloid", intent.ClientOrderID))
		return fill, nil
	}
	fill, err := e.place(ctx, intent)
	if err != nil {
		return Fill{}, err
	}
	e.remember(ctx, fill)
	return fill, nil
}

func (e *Executor) place(ctx context.Context, intent Intent) (Fill, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	fill, err := e.gw.Place(ctx, intent)
	if err != nil {
		return Fill{}, err
	}
	if fill.Qty <= 0 {
		return Fill{}, fmt.Errorf("%s %s: %w", intent.Asset, intent.Venue, ErrNoFill)
	}
	if fill.ClientOrderID == "" {
		fill.ClientOrderID = intent.ClientOrderID
	}
	if fill.Asset == "" {
		fill.Asset = intent.Asset
	}
	if fill.Venue == "" {
		fill.Venue = intent.Venue
	}
	fill.IsBuy = intent.IsBuy
	return fill, nil
}

func (e *Executor) cached(ctx context.Context, cloid string) (Fill, bool, error) {
	e.mu.Lock()
	if fill, ok := e.cache[cloid]; ok {
		e.mu.Unlock()
		return fill, true, nil
	}
	e.mu.Unlock()
	if e.store == nil {
		return Fill{}, false, nil
	}
	raw, ok, err := e.store.Get(ctx, state.FillKeyPrefix+cloid)
	if err != nil || !ok {
		return Fill{}, false, err
	}
	var fill Fill
	if err := json.Unmarshal([]byte(raw), &fill); err != nil {
		return Fill{}, false, fmt.Errorf("decode cached fill %s: %w", cloid, err)
	}
	e.mu.Lock()
	e.cache[cloid] = fill
	e.mu.Unlock()
	return fill, true, nil
}

func (e *Executor) remember(ctx context.Context, fill Fill) {
	e.mu.Lock()
	e.cache[fill.ClientOrderID] = fill
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	payload, err := json.Marshal(fill)
	if err != nil {
		e.log.Warn("failed to encode fill", zap.Error(err))
		return
	}
	if err := e.store.Set(ctx, state.FillKeyPrefix+fill.ClientOrderID, string(payload)); err != nil {
		e.log.Warn("failed to persist fill", zap.String("cloid", fill.ClientOrderID), zap.Error(err))
	}
}

// Retry runs fn up to attempts times with a doubling backoff between failures.
// A zero backoff retries immediately and never touches the clock. It returns the
// number of attempts made alongside the last error.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) (int, error) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return attempt, nil
		}
		if attempt == attempts {
			break
		}
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		} else if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
	}
	return attempts, fmt.Errorf("retry failed after %d attempts: %w", attempts, err)
}
