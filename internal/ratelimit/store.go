// Package ratelimit implements the per-model state store, the concurrency
// gate with monitored permit holders, retry classification and the execute
// pipeline that ties them together.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"geminikit/internal/monitoring"
)

// Permit represents the right to one in-flight request against a model.
// Release is idempotent.
type Permit struct {
	Model      string
	HolderID   string
	AcquiredAt time.Time

	store    *Store
	released bool
	mu       sync.Mutex
}

// Release returns the permit's slot. Repeated calls are no-ops.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()
	p.store.release(p.Model)
}

// Released reports whether the permit has already been returned.
func (p *Permit) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

type modelState struct {
	activePermits  int
	retryUntil     time.Time
	retryMeta      map[string]string
	windowStart    time.Time
	tokensConsumed int64
	recent429Count int
	// freed is closed and replaced whenever a permit comes back, waking
	// blocked acquirers.
	freed chan struct{}
}

// Snapshot is the observable state for one model.
type Snapshot struct {
	Model          string            `json:"model"`
	ActivePermits  int               `json:"active_permits"`
	RetryUntil     time.Time         `json:"retry_until,omitempty"`
	RetryMeta      map[string]string `json:"retry_meta,omitempty"`
	WindowStart    time.Time         `json:"window_start"`
	TokensConsumed int64             `json:"tokens_consumed"`
	Recent429Count int               `json:"recent_429_count"`
}

// Store holds all per-model rate-limit state. Every operation is atomic
// and O(1) on its key; no lock is held across a suspension point.
type Store struct {
	mu     sync.Mutex
	models map[string]*modelState
	now    func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty state store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		models: make(map[string]*modelState),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// state returns the entry for model, creating it and rolling its usage
// window forward when due. Callers hold s.mu.
func (s *Store) state(model string) *modelState {
	st, ok := s.models[model]
	if !ok {
		st = &modelState{
			windowStart: s.now(),
			freed:       make(chan struct{}),
		}
		s.models[model] = st
	}
	return st
}

func (s *Store) rollWindow(st *modelState, windowMS int) {
	if windowMS <= 0 {
		return
	}
	if s.now().Sub(st.windowStart) >= time.Duration(windowMS)*time.Millisecond {
		st.windowStart = s.now()
		st.tokensConsumed = 0
	}
}

// Acquire takes one permit if fewer than max are in flight. It returns
// nil, false when the model is at capacity.
func (s *Store) Acquire(model string, max int) (*Permit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(model)
	if max > 0 && st.activePermits >= max {
		return nil, false
	}
	st.activePermits++
	monitoring.PermitsInFlight.WithLabelValues(model).Set(float64(st.activePermits))
	return &Permit{
		Model:      model,
		HolderID:   uuid.NewString(),
		AcquiredAt: s.now(),
		store:      s,
	}, true
}

func (s *Store) release(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(model)
	if st.activePermits > 0 {
		st.activePermits--
	}
	monitoring.PermitsInFlight.WithLabelValues(model).Set(float64(st.activePermits))
	close(st.freed)
	st.freed = make(chan struct{})
}

// freedSignal returns the channel that closes on the next release for
// model. Blocked acquirers select on it.
func (s *Store) freedSignal(model string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(model).freed
}

// SetRetry places model under embargo until the given time.
func (s *Store) SetRetry(model string, until time.Time, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(model)
	if until.After(st.retryUntil) {
		st.retryUntil = until
		st.retryMeta = meta
	}
	st.recent429Count++
	monitoring.RateLimited429Total.WithLabelValues(model).Inc()
}

// ClearRetryIfElapsed opportunistically lifts an elapsed embargo.
func (s *Store) ClearRetryIfElapsed(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(model)
	if !st.retryUntil.IsZero() && !s.now().Before(st.retryUntil) {
		st.retryUntil = time.Time{}
		st.retryMeta = nil
	}
}

// RetryUntil returns the active embargo deadline, if any.
func (s *Store) RetryUntil(model string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(model)
	if st.retryUntil.IsZero() || s.now().After(st.retryUntil) {
		return time.Time{}, false
	}
	return st.retryUntil, true
}

// RecordUsage adds tokens to the model's rolling window.
func (s *Store) RecordUsage(model string, tokens int64, windowMS int) {
	if tokens <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(model)
	s.rollWindow(st, windowMS)
	st.tokensConsumed += tokens
	monitoring.TokensConsumedTotal.WithLabelValues(model).Add(float64(tokens))
}

// WouldExceedBudget reports whether consuming tokens now would push the
// current window past budget. A zero budget disables the check.
func (s *Store) WouldExceedBudget(model string, tokens int64, budget int64, windowMS int) bool {
	if budget <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(model)
	s.rollWindow(st, windowMS)
	return st.tokensConsumed+tokens > budget
}

// WindowResetAt returns when the current usage window rolls over.
func (s *Store) WindowResetAt(model string, windowMS int) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(model)
	s.rollWindow(st, windowMS)
	return st.windowStart.Add(time.Duration(windowMS) * time.Millisecond)
}

// Recent429Count returns the adaptive signal for model.
func (s *Store) Recent429Count(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(model).recent429Count
}

// ActivePermits returns the in-flight count for model.
func (s *Store) ActivePermits(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(model).activePermits
}

// Snapshot returns the observable state for model.
func (s *Store) Snapshot(model string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(model)
	snap := Snapshot{
		Model:          model,
		ActivePermits:  st.activePermits,
		RetryUntil:     st.retryUntil,
		WindowStart:    st.windowStart,
		TokensConsumed: st.tokensConsumed,
		Recent429Count: st.recent429Count,
	}
	if len(st.retryMeta) > 0 {
		snap.RetryMeta = make(map[string]string, len(st.retryMeta))
		for k, v := range st.retryMeta {
			snap.RetryMeta[k] = v
		}
	}
	return snap
}

// Models lists every model the store has seen.
func (s *Store) Models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.models))
	for m := range s.models {
		out = append(out, m)
	}
	return out
}
