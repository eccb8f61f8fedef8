package constants

const (
	// SSEScannerInitialBufferSize defines the initial buffer for SSE scanners (64KB).
	SSEScannerInitialBufferSize = 64 * 1024
	// SSEScannerMaxBufferSize defines the max buffer size for SSE scanners (4MB).
	SSEScannerMaxBufferSize = 4 * 1024 * 1024

	// BaseMaxIdleConns and BaseMaxIdleConnsPerHost tune the shared transport.
	BaseMaxIdleConns        = 100
	BaseMaxIdleConnsPerHost = 10

	// SubscriberGracePeriodMS protects a new stream subscriber from
	// DOWN-driven removal racing its registration.
	SubscriberGracePeriodMS = 50
)
