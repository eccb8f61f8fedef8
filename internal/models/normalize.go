package models

import (
	"fmt"
	"strings"
)

// Normalize canonicalizes a model name before it is composed into a
// request path. Callers sometimes hand over values like
// "models/gemini-2.5-pro" or "gemini-3-pro-preview:generateContent"; left
// alone those produce doubled prefixes or doubled endpoint suffixes, and a
// failed path lookup upstream silently falls back to the default model.
//
// Fully qualified resources (projects/... or publishers/...) pass through
// untouched.
func Normalize(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty model name")
	}
	if strings.ContainsAny(name, "?&") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid model name %q", name)
	}
	if strings.HasPrefix(name, "projects/") || strings.HasPrefix(name, "publishers/") {
		return name, nil
	}

	// Strip a trailing :endpoint suffix.
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		name = name[:idx]
	}

	// Strip resource prefixes the strategy re-adds, repeatedly: values
	// like "models/models/x" have been seen from double-prefixed callers.
	for {
		switch {
		case strings.HasPrefix(name, "publishers/google/models/"):
			name = strings.TrimPrefix(name, "publishers/google/models/")
		case strings.HasPrefix(name, "models/"):
			name = strings.TrimPrefix(name, "models/")
		default:
			if name == "" {
				return "", fmt.Errorf("invalid model name %q", name)
			}
			return name, nil
		}
	}
}
