package logging

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// WithCall builds a log entry enriched with the common per-call fields.
// Extras take precedence on key conflicts.
func WithCall(model, endpoint string, extras log.Fields) *log.Entry {
	fields := log.Fields{
		"model":    model,
		"endpoint": endpoint,
	}
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// DurationMS converts a duration to integer milliseconds for logging.
func DurationMS(d time.Duration) int64 { return d.Milliseconds() }
