package constants

import "time"

const (
	// DefaultMaxAttempts is the retry ceiling when no profile overrides it.
	DefaultMaxAttempts = 3
	// DefaultBaseBackoff seeds exponential backoff.
	DefaultBaseBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff caps a single backoff sleep.
	DefaultMaxBackoff = 30 * time.Second

	// TokenExpirySkew refreshes cached OAuth tokens this long before expiry.
	TokenExpirySkew = 60 * time.Second
)
