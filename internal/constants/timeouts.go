package constants

import "time"

const (
	// DefaultDialTimeout bounds TCP connection establishment.
	DefaultDialTimeout = 10 * time.Second
	// DefaultTLSHandshakeTimeout bounds the TLS handshake.
	DefaultTLSHandshakeTimeout = 10 * time.Second
	// DefaultResponseHeaderTimeout bounds waiting for response headers.
	DefaultResponseHeaderTimeout = 60 * time.Second
	// DefaultExpectContinueTimeout bounds the 100-continue wait.
	DefaultExpectContinueTimeout = 1 * time.Second

	// DefaultRequestTimeout is the default per-call deadline for unary requests.
	DefaultRequestTimeout = 180 * time.Second

	// LiveDialTimeout bounds the WebSocket upgrade for live sessions.
	LiveDialTimeout = 20 * time.Second
	// LiveWriteTimeout bounds a single frame write.
	LiveWriteTimeout = 15 * time.Second
	// LivePingInterval is the heartbeat interval on idle live sessions.
	LivePingInterval = 30 * time.Second
)
