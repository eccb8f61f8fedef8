package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"geminikit/config"
	"geminikit/genai"
	"geminikit/internal/monitoring"
)

// Result is what one attempt of an operation yields. UsageTokens is the
// server-reported total when available, zero otherwise.
type Result struct {
	Value       any
	UsageTokens int64
}

// Op runs a single attempt of the guarded operation.
type Op func(ctx context.Context) (*Result, error)

// ExecOptions tune a single Execute call.
type ExecOptions struct {
	// EstimatedInputTokens, when non-zero, replaces the estimator output
	// for budget gating and for usage fallback.
	EstimatedInputTokens int64
	// TokenBudget, when non-zero, overrides the profile's
	// token_budget_per_window.
	TokenBudget int64
	// NonBlocking overrides the profile's blocking mode for this call.
	NonBlocking *bool
	// HolderDone, when set, attaches a supervised watcher releasing the
	// permit if the holder dies before the pipeline finishes.
	HolderDone <-chan struct{}
}

// Manager composes embargo checks, budget gating, the concurrency gate
// and the retry loop around an operation. The profile can be swapped at
// runtime via UpdateConfig; in-flight executions keep the snapshot they
// started with.
type Manager struct {
	store *Store
	gate  *Gate

	mu      sync.RWMutex
	cfg     config.RateLimitConfig
	retrier *Retrier
	limiter *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerNowFunc overrides the clock, for tests.
func WithManagerNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithSleepFunc overrides the backoff sleeper, for tests.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager wires a manager over the given gate and profile.
func NewManager(cfg config.RateLimitConfig, gate *Gate, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   gate.Store(),
		gate:    gate,
		cfg:     cfg,
		retrier: NewRetrier(cfg),
		limiter: newLimiter(cfg),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func newLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// UpdateConfig swaps the rate-limit profile. Store state (embargos,
// usage windows, active permits) carries over; the retrier and the
// smoothing limiter are rebuilt from the new profile.
func (m *Manager) UpdateConfig(cfg config.RateLimitConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.retrier = NewRetrier(cfg)
	m.limiter = newLimiter(cfg)
}

// snapshot reads the current profile in one step so an execution never
// mixes fields from two profiles.
func (m *Manager) snapshot() (config.RateLimitConfig, *Retrier, *rate.Limiter) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.retrier, m.limiter
}

// Store exposes the underlying state store for observability.
func (m *Manager) Store() *Store { return m.store }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func blockingMode(cfg config.RateLimitConfig, opts ExecOptions) bool {
	if opts.NonBlocking != nil {
		return !*opts.NonBlocking
	}
	return !cfg.NonBlocking
}

func budgetFor(cfg config.RateLimitConfig, opts ExecOptions) int64 {
	if opts.TokenBudget > 0 {
		return opts.TokenBudget
	}
	return int64(cfg.TokenBudgetPerWindow)
}

// effectiveMax is the concurrency ceiling for model right now. With
// adaptive concurrency on, recent 429s halve the configured limit and a
// clean window lets it ride up to adaptive_ceiling.
func (m *Manager) effectiveMax(cfg config.RateLimitConfig, model string) int {
	max := cfg.MaxConcurrencyPerModel
	if !cfg.AdaptiveConcurrency {
		return max
	}
	if m.store.Recent429Count(model) > 0 {
		if max > 1 {
			return max / 2
		}
		return 1
	}
	if cfg.AdaptiveCeiling > max {
		return cfg.AdaptiveCeiling
	}
	return max
}

// preflight runs the embargo and budget checks, then acquires a permit.
func (m *Manager) preflight(ctx context.Context, model string, cfg config.RateLimitConfig, limiter *rate.Limiter, opts ExecOptions) (*Permit, error) {
	blocking := blockingMode(cfg, opts)

	// Embargo.
	m.store.ClearRetryIfElapsed(model)
	if until, embargoed := m.store.RetryUntil(model); embargoed {
		if !blocking {
			return nil, &genai.Error{Kind: genai.KindOverEmbargo, Code: "over_embargo",
				Message: fmt.Sprintf("model %s is under retry embargo until %s", model, until.Format(time.RFC3339))}
		}
		if err := m.sleep(ctx, until.Sub(m.now())); err != nil {
			return nil, &genai.Error{Kind: genai.KindTimeout, Code: "embargo_wait_timeout", Message: err.Error()}
		}
		m.store.ClearRetryIfElapsed(model)
	}

	// Budget.
	if budget := budgetFor(cfg, opts); budget > 0 && opts.EstimatedInputTokens > 0 {
		windowMS := cfg.WindowDurationMS
		for m.store.WouldExceedBudget(model, opts.EstimatedInputTokens, budget, windowMS) {
			if !blocking {
				return nil, &genai.Error{Kind: genai.KindOverBudget, Code: "over_budget",
					Message: fmt.Sprintf("estimated %d tokens would exceed the %d-token window budget for %s",
						opts.EstimatedInputTokens, budget, model)}
			}
			reset := m.store.WindowResetAt(model, windowMS)
			if err := m.sleep(ctx, reset.Sub(m.now())); err != nil {
				return nil, &genai.Error{Kind: genai.KindTimeout, Code: "budget_wait_timeout", Message: err.Error()}
			}
		}
	}

	// Request smoothing ahead of the permit so a burst cannot pile into
	// the gate all at once.
	if limiter != nil {
		if blocking {
			if err := limiter.Wait(ctx); err != nil {
				return nil, &genai.Error{Kind: genai.KindTimeout, Code: "smoothing_wait_timeout", Message: err.Error()}
			}
		} else if !limiter.Allow() {
			return nil, &genai.Error{Kind: genai.KindOverCapacity, Code: "over_capacity",
				Message: "request smoothing limit reached"}
		}
	}

	return m.gate.AcquireMonitored(ctx, model, m.effectiveMax(cfg, model), blocking, opts.HolderDone)
}

// Execute runs op under the full pipeline: embargo check, budget
// pre-check, permit acquisition, the retry loop, usage recording and
// release. The permit is retained across retries.
func (m *Manager) Execute(ctx context.Context, model string, opts ExecOptions, op Op) (*Result, error) {
	cfg, retrier, limiter := m.snapshot()
	if cfg.DisableRateLimiter {
		return m.runAttempts(ctx, model, retrier, op)
	}

	permit, err := m.preflight(ctx, model, cfg, limiter, opts)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	res, err := m.runAttempts(ctx, model, retrier, op)
	if err != nil {
		return nil, err
	}

	tokens := res.UsageTokens
	if tokens == 0 {
		tokens = opts.EstimatedInputTokens
	}
	m.store.RecordUsage(model, tokens, cfg.WindowDurationMS)
	return res, nil
}

// runAttempts is the retry loop shared by the unary and streaming paths.
func (m *Manager) runAttempts(ctx context.Context, model string, retrier *Retrier, op Op) (*Result, error) {
	maxAttempts := retrier.MaxAttempts()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		c := retrier.Classify(err, attempt)
		if c.Decision == DecisionFatal || attempt == maxAttempts-1 {
			break
		}

		if e, ok := genai.AsError(err); ok && e.Kind == genai.KindRateLimited {
			meta := map[string]string{}
			if c.QuotaMetric != "" {
				meta["quota_metric"] = c.QuotaMetric
			}
			if c.QuotaID != "" {
				meta["quota_id"] = c.QuotaID
			}
			for k, v := range c.QuotaDimensions {
				meta[k] = v
			}
			m.store.SetRetry(model, m.now().Add(time.Duration(c.AfterMS)*time.Millisecond), meta)
		}

		reason := "backoff"
		if c.FromRetryInfo {
			reason = "retry_info"
		}
		monitoring.RetriesTotal.WithLabelValues(model, reason).Inc()
		log.WithFields(log.Fields{
			"model":    model,
			"attempt":  attempt + 1,
			"after_ms": c.AfterMS,
			"reason":   reason,
		}).Debug("Retrying upstream call")

		if err := m.sleep(ctx, time.Duration(c.AfterMS)*time.Millisecond); err != nil {
			return nil, &genai.Error{Kind: genai.KindTimeout, Code: "retry_wait_timeout", Message: err.Error()}
		}
	}
	return nil, lastErr
}

// ReleaseFunc finalizes a streaming execution: it records usage and
// releases the permit. Safe to call more than once; only the first call
// has effect.
type ReleaseFunc func(finalUsageTokens int64)

// ExecuteStreaming runs the pre-flight pipeline and start, then hands
// back the started value plus a release function the stream owner must
// invoke on termination. Start errors go through the same retry loop as
// unary calls, with the permit retained across retries.
func (m *Manager) ExecuteStreaming(ctx context.Context, model string, opts ExecOptions, start Op) (*Result, ReleaseFunc, error) {
	cfg, retrier, limiter := m.snapshot()
	if cfg.DisableRateLimiter {
		res, err := m.runAttempts(ctx, model, retrier, start)
		if err != nil {
			return nil, nil, err
		}
		return res, func(int64) {}, nil
	}

	permit, err := m.preflight(ctx, model, cfg, limiter, opts)
	if err != nil {
		return nil, nil, err
	}

	res, err := m.runAttempts(ctx, model, retrier, start)
	if err != nil {
		permit.Release()
		return nil, nil, err
	}

	var once sync.Once
	release := func(finalUsageTokens int64) {
		once.Do(func() {
			tokens := finalUsageTokens
			if tokens == 0 {
				tokens = opts.EstimatedInputTokens
			}
			m.store.RecordUsage(model, tokens, cfg.WindowDurationMS)
			permit.Release()
		})
	}
	return res, release, nil
}
