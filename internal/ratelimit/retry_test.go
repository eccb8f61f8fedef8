package ratelimit

import (
	"errors"
	"testing"

	"geminikit/config"
	"geminikit/genai"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"60s", 60_000},
		{"1.5s", 1500},
		{"500ms", 500},
		{"2m", 120_000},
		{"0.25s", 250},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDuration(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if _, err := ParseDuration("soon"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func testProfile() config.RateLimitConfig {
	return config.RateLimitConfig{
		MaxConcurrencyPerModel: 10,
		MaxAttempts:            3,
		BaseBackoffMS:          500,
		MaxBackoffMS:           30_000,
		JitterFactor:           0.2,
		WindowDurationMS:       60_000,
	}
}

func TestClassifyRetryInfoDelay(t *testing.T) {
	r := NewRetrier(testProfile())
	raw := []byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED","details":[` +
		`{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"45s"},` +
		`{"@type":"type.googleapis.com/google.rpc.QuotaFailure","quotaMetric":"generate_requests","quotaId":"GenerateRequestsPerMinute"}]}}`)
	err := genai.FromHTTP(429, raw)

	c := r.Classify(err, 0)
	if c.Decision != DecisionRetry {
		t.Fatalf("429 must be retryable")
	}
	if !c.FromRetryInfo {
		t.Fatalf("RetryInfo not detected")
	}
	// Positive jitter only: never below the server's hint, bounded above
	// by the jitter ceiling.
	if c.AfterMS < 45_000 || c.AfterMS >= int64(45_000*(1+0.2))+1 {
		t.Fatalf("after_ms = %d, want [45000, 54000]", c.AfterMS)
	}
	if c.QuotaMetric != "generate_requests" || c.QuotaID != "GenerateRequestsPerMinute" {
		t.Fatalf("quota metadata lost: %+v", c)
	}
}

func TestClassifyBackoffWithoutHints(t *testing.T) {
	cfg := testProfile()
	cfg.JitterFactor = 0
	r := NewRetrier(cfg)
	err := genai.FromHTTP(503, []byte(`{"error":{"code":503,"message":"unavailable","status":"UNAVAILABLE"}}`))

	for attempt, want := range []int64{500, 1000, 2000} {
		c := r.Classify(err, attempt)
		if c.Decision != DecisionRetry || c.FromRetryInfo {
			t.Fatalf("attempt %d misclassified: %+v", attempt, c)
		}
		if c.AfterMS != want {
			t.Fatalf("attempt %d after_ms = %d, want %d", attempt, c.AfterMS, want)
		}
	}
}

func TestBackoffCap(t *testing.T) {
	cfg := testProfile()
	cfg.JitterFactor = 0
	r := NewRetrier(cfg)
	if got := r.Backoff(20).Milliseconds(); got != 30_000 {
		t.Fatalf("backoff should cap at max_backoff, got %d", got)
	}
}

func TestClassifyFatalKinds(t *testing.T) {
	r := NewRetrier(testProfile())
	cases := []error{
		genai.FromHTTP(400, []byte(`{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`)),
		genai.FromHTTP(401, []byte(`{}`)),
		genai.FromHTTP(403, []byte(`{}`)),
		genai.NewError(genai.KindMalformedResponse, "bad json"),
		errors.New("opaque"),
	}
	for _, err := range cases {
		if c := r.Classify(err, 0); c.Decision != DecisionFatal {
			t.Fatalf("%v should be fatal", err)
		}
	}
}

func TestClassifyNetworkErrorsRetry(t *testing.T) {
	r := NewRetrier(testProfile())
	err := genai.FromNetwork(errors.New("dial tcp 10.0.0.1:443: connection refused"))
	if c := r.Classify(err, 0); c.Decision != DecisionRetry {
		t.Fatalf("connection refused should retry")
	}

	// A network-level i/o timeout retries on backoff; only the caller's
	// own deadline is fatal.
	err = genai.FromNetwork(errors.New("read tcp 10.0.0.1:51234->142.250.0.1:443: i/o timeout"))
	c := r.Classify(err, 0)
	if c.Decision != DecisionRetry {
		t.Fatalf("i/o timeout should retry, got %+v", c)
	}
	if c.FromRetryInfo {
		t.Fatalf("i/o timeout has no server hint: %+v", c)
	}
	err = genai.FromNetwork(errors.New("Post \"https://example\": context deadline exceeded"))
	if c := r.Classify(err, 0); c.Decision != DecisionFatal {
		t.Fatalf("caller deadline should be fatal")
	}
}

func TestClassifyRetryAfterHeader(t *testing.T) {
	r := NewRetrier(testProfile())
	err := &genai.Error{Kind: genai.KindRateLimited, HTTPStatus: 429, RetryAfterMS: 7000}
	c := r.Classify(err, 0)
	if !c.FromRetryInfo || c.AfterMS != 7000 {
		t.Fatalf("Retry-After hint ignored: %+v", c)
	}
}
