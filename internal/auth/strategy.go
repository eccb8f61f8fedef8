// Package auth synthesizes base URLs, request paths and auth headers for
// the two supported strategies (Gemini API key, Vertex AI OAuth2) and
// coordinates per-call strategy selection.
package auth

import (
	"context"
	"net/http"

	"geminikit/internal/models"
)

// Credentials is the resolved material a strategy works with.
type Credentials struct {
	APIKey             string
	ProjectID          string
	Location           string
	AccessToken        string
	QuotaProjectID     string
	ServiceAccountPath string
}

// Strategy builds the wire-level addressing and authentication for one
// auth scheme. Implementations are stateless; token material lives in the
// Credentials.
type Strategy interface {
	Name() string
	BaseURL(creds *Credentials) string
	Path(model, endpoint string, creds *Credentials) (string, error)
	Headers(ctx context.Context, creds *Credentials) (http.Header, error)
	LiveURL(creds *Credentials) (string, error)
}

// normalizeModel applies model-name canonicalization shared by both
// strategies.
func normalizeModel(model string) (string, error) {
	return models.Normalize(model)
}
