package ratelimit

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"geminikit/config"
	"geminikit/genai"
	"geminikit/internal/constants"
)

// Decision is the outcome of classifying a failed attempt.
type Decision int

const (
	DecisionFatal Decision = iota
	DecisionRetry
)

// Classification carries the retry decision plus any quota metadata the
// server attached via RetryInfo details.
type Classification struct {
	Decision        Decision
	AfterMS         int64
	FromRetryInfo   bool
	QuotaMetric     string
	QuotaID         string
	QuotaDimensions map[string]string
}

// Retrier classifies errors and computes backoff per the configured
// profile.
type Retrier struct {
	cfg config.RateLimitConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetrier creates a retrier for the given profile.
func NewRetrier(cfg config.RateLimitConfig) *Retrier {
	return &Retrier{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Retrier) jitter() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// MaxAttempts returns the configured attempt ceiling.
func (r *Retrier) MaxAttempts() int {
	if r.cfg.MaxAttempts <= 0 {
		return constants.DefaultMaxAttempts
	}
	return r.cfg.MaxAttempts
}

// Backoff computes the exponential backoff for a zero-based attempt
// index: base * 2^attempt * (1 ± jitter), capped at max_backoff.
func (r *Retrier) Backoff(attempt int) time.Duration {
	base := float64(r.cfg.BaseBackoffMS)
	if base <= 0 {
		base = float64(constants.DefaultBaseBackoff.Milliseconds())
	}
	ms := base * math.Pow(2, float64(attempt))
	max := float64(r.cfg.MaxBackoffMS)
	if max <= 0 {
		max = float64(constants.DefaultMaxBackoff.Milliseconds())
	}
	if ms > max {
		ms = max
	}
	if jf := r.cfg.JitterFactor; jf > 0 {
		ms *= 1 + jf*(2*r.jitter()-1)
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Classify decides whether a failed attempt should be retried and after
// how long. attempt is zero-based; the caller enforces max_attempts.
func (r *Retrier) Classify(err error, attempt int) Classification {
	e, ok := genai.AsError(err)
	if !ok {
		return Classification{Decision: DecisionFatal}
	}
	if !e.Retryable() {
		return Classification{Decision: DecisionFatal}
	}

	c := Classification{Decision: DecisionRetry}

	if delayMS, meta, found := retryInfoFrom(e); found {
		// Server-provided delay, plus only positive jitter so the sleep
		// never undershoots the server's hint.
		c.FromRetryInfo = true
		c.AfterMS = delayMS
		if jf := r.cfg.JitterFactor; jf > 0 {
			c.AfterMS += int64(float64(delayMS) * jf * r.jitter())
		}
		c.QuotaMetric = meta.metric
		c.QuotaID = meta.id
		c.QuotaDimensions = meta.dimensions
		return c
	}
	if e.RetryAfterMS > 0 {
		c.FromRetryInfo = true
		c.AfterMS = e.RetryAfterMS
		return c
	}

	c.AfterMS = r.Backoff(attempt).Milliseconds()
	return c
}

type quotaMeta struct {
	metric     string
	id         string
	dimensions map[string]string
}

// retryInfoFrom extracts a RetryInfo delay and quota metadata from the
// error's preserved details, preferring the raw body so nothing the
// decoder dropped is lost.
func retryInfoFrom(e *genai.Error) (int64, quotaMeta, bool) {
	var (
		meta    quotaMeta
		delayMS int64
		found   bool
	)

	inspect := func(typ, retryDelay string, detail gjson.Result) {
		if strings.HasSuffix(typ, "RetryInfo") && retryDelay != "" {
			if ms, err := ParseDuration(retryDelay); err == nil {
				delayMS = ms
				found = true
			}
		}
		if strings.HasSuffix(typ, "QuotaFailure") || strings.HasSuffix(typ, "ErrorInfo") {
			if v := detail.Get("quotaMetric"); v.Exists() {
				meta.metric = v.String()
			}
			if v := detail.Get("quotaId"); v.Exists() {
				meta.id = v.String()
			}
			if dims := detail.Get("quotaDimensions"); dims.IsObject() {
				meta.dimensions = map[string]string{}
				dims.ForEach(func(k, v gjson.Result) bool {
					meta.dimensions[k.String()] = v.String()
					return true
				})
			}
			if md := detail.Get("metadata"); md.IsObject() {
				if meta.dimensions == nil {
					meta.dimensions = map[string]string{}
				}
				md.ForEach(func(k, v gjson.Result) bool {
					meta.dimensions[k.String()] = v.String()
					return true
				})
			}
		}
	}

	if len(e.Raw) > 0 {
		details := gjson.GetBytes(e.Raw, "error.details")
		details.ForEach(func(_, detail gjson.Result) bool {
			inspect(detail.Get("@type").String(), detail.Get("retryDelay").String(), detail)
			return true
		})
	}
	if !found {
		for _, d := range e.Details {
			typ, _ := d["@type"].(string)
			delay, _ := d["retryDelay"].(string)
			if strings.HasSuffix(typ, "RetryInfo") && delay != "" {
				if ms, err := ParseDuration(delay); err == nil {
					delayMS = ms
					found = true
				}
			}
		}
	}
	return delayMS, meta, found
}

// ParseDuration converts the protobuf duration strings the API emits
// ("60s", "1.5s", "500ms", "2m") to milliseconds.
func ParseDuration(s string) (int64, error) {
	s = strings.TrimSpace(s)
	var unit float64
	var num string
	switch {
	case strings.HasSuffix(s, "ms"):
		unit = 1
		num = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		unit = 1000
		num = strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		unit = 60_000
		num = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "h"):
		unit = 3_600_000
		num = strings.TrimSuffix(s, "h")
	default:
		unit = 1000
		num = s
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(v * unit)), nil
}
