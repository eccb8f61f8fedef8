// Package oauth caches OAuth2 access tokens for service accounts. The JWT
// signing and token exchange are delegated to golang.org/x/oauth2/google;
// this package adds process-wide caching with expiry skew and dogpile
// suppression for concurrent callers hitting the same key.
package oauth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"geminikit/genai"
	"geminikit/internal/constants"
	"geminikit/internal/monitoring"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

// CloudPlatformScope is the default scope for Vertex AI calls.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Token is a cached access token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TokenSourceFactory builds an oauth2.TokenSource for a service-account
// key file and scope. Overridable in tests.
type TokenSourceFactory func(ctx context.Context, serviceAccountPath, scope string) (oauth2.TokenSource, error)

// Option customizes Cache creation.
type Option func(*Cache)

// Cache is a process-wide token cache keyed by (service account, scope).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Token
	group   singleflight.Group
	factory TokenSourceFactory
	now     func() time.Time
	skew    time.Duration
}

// NewCache creates a token cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]Token),
		factory: defaultTokenSourceFactory,
		now:     time.Now,
		skew:    constants.TokenExpirySkew,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithTokenSourceFactory overrides the token source factory.
func WithTokenSourceFactory(factory TokenSourceFactory) Option {
	return func(c *Cache) {
		if factory != nil {
			c.factory = factory
		}
	}
}

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func cacheKey(serviceAccountPath, scope string) string {
	return serviceAccountPath + "|" + scope
}

// GetOrFetch returns a cached token when it has at least the expiry skew
// left; otherwise it performs one exchange for all concurrent callers of
// the same key. A transient exchange failure is retried once before being
// surfaced.
func (c *Cache) GetOrFetch(ctx context.Context, serviceAccountPath, scope string) (Token, error) {
	if serviceAccountPath == "" {
		return Token{}, genai.NewError(genai.KindMissingCredentials, "service account path is empty")
	}
	if scope == "" {
		scope = CloudPlatformScope
	}
	key := cacheKey(serviceAccountPath, scope)

	if tok, ok := c.lookup(key); ok {
		monitoring.TokenCacheHits.WithLabelValues("hit").Inc()
		return tok, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have refreshed while we queued.
		if tok, ok := c.lookup(key); ok {
			return tok, nil
		}
		tok, err := c.fetch(ctx, serviceAccountPath, scope)
		if err != nil {
			if e, ok := genai.AsError(err); ok && e.Kind == genai.KindAuthExchangeFailed {
				log.WithError(err).Debug("token exchange failed, retrying once")
				tok, err = c.fetch(ctx, serviceAccountPath, scope)
			}
		}
		if err != nil {
			monitoring.TokenCacheHits.WithLabelValues("error").Inc()
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = tok
		c.mu.Unlock()
		monitoring.TokenCacheHits.WithLabelValues("fetch").Inc()
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate removes a cache entry.
func (c *Cache) Invalidate(serviceAccountPath, scope string) {
	if scope == "" {
		scope = CloudPlatformScope
	}
	c.mu.Lock()
	delete(c.entries, cacheKey(serviceAccountPath, scope))
	c.mu.Unlock()
}

func (c *Cache) lookup(key string) (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.entries[key]
	if !ok {
		return Token{}, false
	}
	if !c.now().Before(tok.ExpiresAt.Add(-c.skew)) {
		return Token{}, false
	}
	return tok, true
}

func (c *Cache) fetch(ctx context.Context, serviceAccountPath, scope string) (Token, error) {
	ts, err := c.factory(ctx, serviceAccountPath, scope)
	if err != nil {
		return Token{}, err
	}
	tok, err := ts.Token()
	if err != nil {
		e := genai.NewError(genai.KindAuthExchangeFailed, fmt.Sprintf("token exchange failed: %v", err))
		e.Code = "auth_exchange_failed"
		return Token{}, e
	}
	if tok.AccessToken == "" {
		e := genai.NewError(genai.KindAuthExchangeFailed, "token endpoint returned an empty access token")
		e.Code = "invalid_token_response"
		return Token{}, e
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = c.now().Add(time.Hour)
	}
	return Token{AccessToken: tok.AccessToken, ExpiresAt: expires}, nil
}

func defaultTokenSourceFactory(ctx context.Context, serviceAccountPath, scope string) (oauth2.TokenSource, error) {
	raw, err := os.ReadFile(serviceAccountPath)
	if err != nil {
		e := genai.NewError(genai.KindMissingCredentials, fmt.Sprintf("read service account key: %v", err))
		e.Code = "invalid_key_file"
		return nil, e
	}
	cfg, err := google.JWTConfigFromJSON(raw, scope)
	if err != nil {
		e := genai.NewError(genai.KindMissingCredentials, fmt.Sprintf("parse service account key: %v", err))
		e.Code = "invalid_key_file"
		return nil, e
	}
	return cfg.TokenSource(ctx), nil
}
