package oauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"geminikit/genai"
	"golang.org/x/oauth2"
)

type staticSource struct {
	tok *oauth2.Token
	err error
}

func (s staticSource) Token() (*oauth2.Token, error) { return s.tok, s.err }

func countingFactory(calls *atomic.Int32, tok *oauth2.Token, errs ...error) TokenSourceFactory {
	var idx atomic.Int32
	return func(ctx context.Context, path, scope string) (oauth2.TokenSource, error) {
		calls.Add(1)
		i := int(idx.Add(1)) - 1
		if i < len(errs) && errs[i] != nil {
			return staticSource{err: errs[i]}, nil
		}
		return staticSource{tok: tok}, nil
	}
}

func TestGetOrFetchCachesUntilSkew(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	var calls atomic.Int32
	cache := NewCache(
		WithTokenSourceFactory(countingFactory(&calls, &oauth2.Token{
			AccessToken: "tok-1",
			Expiry:      now.Add(time.Hour),
		})),
		WithNowFunc(clock),
	)

	tok, err := cache.GetOrFetch(context.Background(), "/tmp/sa.json", "")
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if tok.AccessToken != "tok-1" {
		t.Fatalf("unexpected token %q", tok.AccessToken)
	}

	if _, err := cache.GetOrFetch(context.Background(), "/tmp/sa.json", ""); err != nil {
		t.Fatalf("cached GetOrFetch: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}

	// Within the 60s skew of expiry the entry must not be served.
	now = now.Add(time.Hour - 30*time.Second)
	if _, err := cache.GetOrFetch(context.Background(), "/tmp/sa.json", ""); err != nil {
		t.Fatalf("refresh GetOrFetch: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected refresh fetch near expiry, got %d calls", got)
	}
}

func TestGetOrFetchCoalescesConcurrentCallers(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	cache := NewCache(WithTokenSourceFactory(func(ctx context.Context, path, scope string) (oauth2.TokenSource, error) {
		calls.Add(1)
		<-gate
		return staticSource{tok: &oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}}, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetOrFetch(context.Background(), "/tmp/sa.json", ""); err != nil {
				t.Errorf("GetOrFetch: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single in-flight exchange, got %d", got)
	}
}

func TestKeyFileFailureSurfacesImmediately(t *testing.T) {
	var calls atomic.Int32
	broken := genai.NewError(genai.KindMissingCredentials, "bad key file")
	cache := NewCache(WithTokenSourceFactory(func(ctx context.Context, path, scope string) (oauth2.TokenSource, error) {
		calls.Add(1)
		return nil, broken
	}))

	// Credential configuration gaps are not retried.
	if _, err := cache.GetOrFetch(context.Background(), "/tmp/sa.json", ""); err == nil {
		t.Fatalf("expected surfaced error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("missing_credentials must not be retried, got %d attempts", got)
	}
}

func TestExchangeFailureRetriedOnce(t *testing.T) {
	var sourceCalls atomic.Int32
	cache := NewCache(WithTokenSourceFactory(func(ctx context.Context, path, scope string) (oauth2.TokenSource, error) {
		if sourceCalls.Add(1) == 1 {
			return staticSource{err: context.DeadlineExceeded}, nil
		}
		return staticSource{tok: &oauth2.Token{AccessToken: "tok-2", Expiry: time.Now().Add(time.Hour)}}, nil
	}))

	tok, err := cache.GetOrFetch(context.Background(), "/tmp/sa.json", "")
	if err != nil {
		t.Fatalf("expected internal retry to succeed: %v", err)
	}
	if tok.AccessToken != "tok-2" {
		t.Fatalf("unexpected token %q", tok.AccessToken)
	}
	if got := sourceCalls.Load(); got != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", got)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	var calls atomic.Int32
	cache := NewCache(WithTokenSourceFactory(countingFactory(&calls, &oauth2.Token{
		AccessToken: "tok",
		Expiry:      time.Now().Add(time.Hour),
	})))

	if _, err := cache.GetOrFetch(context.Background(), "/tmp/sa.json", ""); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	cache.Invalidate("/tmp/sa.json", "")
	if _, err := cache.GetOrFetch(context.Background(), "/tmp/sa.json", ""); err != nil {
		t.Fatalf("GetOrFetch after invalidate: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected refetch after invalidate, got %d", got)
	}
}

func TestMissingPathFails(t *testing.T) {
	cache := NewCache()
	_, err := cache.GetOrFetch(context.Background(), "", "")
	e, ok := genai.AsError(err)
	if !ok || e.Kind != genai.KindMissingCredentials {
		t.Fatalf("expected missing_credentials, got %v", err)
	}
}
