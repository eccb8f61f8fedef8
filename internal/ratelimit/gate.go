package ratelimit

import (
	"context"
	"fmt"

	"geminikit/genai"
	"geminikit/internal/runtime"
)

// Gate wraps the store with semaphore semantics and holder monitoring.
// Permits handed to a holder with a liveness channel are watched by a
// supervised task that releases them when the holder dies, so abrupt
// holder death cannot leak a slot.
type Gate struct {
	store *Store
	sup   *runtime.Supervisor
}

// NewGate creates a gate over store, spawning watchers under sup.
func NewGate(store *Store, sup *runtime.Supervisor) *Gate {
	return &Gate{store: store, sup: sup}
}

// Store exposes the underlying state store.
func (g *Gate) Store() *Store { return g.store }

// Acquire takes a permit. In blocking mode it waits for a freed slot
// until ctx expires; in non-blocking mode a full gate fails immediately
// with over_capacity.
func (g *Gate) Acquire(ctx context.Context, model string, max int, blocking bool) (*Permit, error) {
	for {
		if permit, ok := g.store.Acquire(model, max); ok {
			return permit, nil
		}
		if !blocking {
			return nil, &genai.Error{Kind: genai.KindOverCapacity, Code: "over_capacity",
				Message: fmt.Sprintf("model %s is at max concurrency (%d)", model, max)}
		}

		freed := g.store.freedSignal(model)
		select {
		case <-freed:
		case <-ctx.Done():
			return nil, &genai.Error{Kind: genai.KindTimeout, Code: "permit_wait_timeout",
				Message: "timed out waiting for a permit: " + ctx.Err().Error()}
		}
	}
}

// AcquireMonitored acquires a permit and registers a supervised watcher
// that releases it when the holder's done channel closes. A watcher that
// cannot be started is surfaced to the caller and the permit is returned
// before the error, so no slot leaks.
func (g *Gate) AcquireMonitored(ctx context.Context, model string, max int, blocking bool, holderDone <-chan struct{}) (*Permit, error) {
	permit, err := g.Acquire(ctx, model, max, blocking)
	if err != nil {
		return nil, err
	}
	if holderDone == nil {
		return permit, nil
	}

	watcherName := "permit-watcher-" + permit.HolderID
	if err := g.sup.Watch(watcherName, holderDone, func() {
		permit.Release()
		g.sup.Forget(watcherName)
	}); err != nil {
		permit.Release()
		return nil, &genai.Error{Kind: genai.KindInvalidState, Code: "watcher_start_failed",
			Message: "could not monitor permit holder: " + err.Error()}
	}
	return permit, nil
}
