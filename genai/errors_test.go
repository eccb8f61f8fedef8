package genai

import (
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestFromHTTPPreservesDetails(t *testing.T) {
	body := []byte(`{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"60s"}]}}`)
	e := FromHTTP(429, body)
	if e.Kind != KindRateLimited {
		t.Fatalf("kind = %s", e.Kind)
	}
	if e.Code != "RESOURCE_EXHAUSTED" || e.Message != "Quota exceeded" {
		t.Fatalf("envelope not preserved: %+v", e)
	}
	if len(e.Details) != 1 || e.Details[0]["retryDelay"] != "60s" {
		t.Fatalf("details not preserved: %v", e.Details)
	}
	if !e.Retryable() {
		t.Fatalf("429 should be retryable")
	}
}

func TestFromHTTPKinds(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{400, KindInvalidRequest},
		{401, KindMissingCredentials},
		{403, KindMissingCredentials},
		{404, KindInvalidRequest},
		{429, KindRateLimited},
		{500, KindServerError},
		{503, KindServerError},
	}
	for _, tc := range cases {
		if got := FromHTTP(tc.status, nil).Kind; got != tc.want {
			t.Errorf("status %d: kind %s, want %s", tc.status, got, tc.want)
		}
	}
	if FromHTTP(401, nil).Retryable() {
		t.Fatalf("auth failures must not be retryable")
	}
}

func TestFromNetwork(t *testing.T) {
	e := FromNetwork(errors.New("dial tcp: connection refused"))
	if e.Kind != KindTransportError || e.Code != "connection_refused" {
		t.Fatalf("unexpected mapping %+v", e)
	}
	e = FromNetwork(errors.New("context deadline exceeded"))
	if e.Kind != KindTimeout {
		t.Fatalf("deadline should map to timeout, got %s", e.Kind)
	}
	if e.Retryable() {
		t.Fatalf("caller deadline must be terminal")
	}
}

func TestFromNetworkIOTimeoutIsRetryable(t *testing.T) {
	e := FromNetwork(errors.New("read tcp 10.0.0.1:51234->142.250.0.1:443: i/o timeout"))
	if e.Kind != KindTransportError || e.Code != "timeout" {
		t.Fatalf("unexpected mapping %+v", e)
	}
	if !e.Retryable() {
		t.Fatalf("network i/o timeout must stay retryable")
	}

	// A typed net.Error timeout maps the same way even without the
	// message marker.
	wrapped := fmt.Errorf("round trip: %w", &net.DNSError{Err: "lookup", IsTimeout: true})
	e = FromNetwork(wrapped)
	if e.Kind != KindTransportError || e.Code != "timeout" {
		t.Fatalf("typed timeout mapping %+v", e)
	}
}

func TestAsErrorUnwraps(t *testing.T) {
	inner := NewError(KindOverBudget, "budget exhausted")
	wrapped := fmt.Errorf("execute: %w", inner)
	got, ok := AsError(wrapped)
	if !ok || got.Kind != KindOverBudget {
		t.Fatalf("AsError failed to unwrap: %v %v", got, ok)
	}
}
