package auth

import (
	"context"
	"net/http"

	"geminikit/config"
	"geminikit/genai"
	"geminikit/internal/oauth"
)

// Overrides carries the per-call credential material. Any non-zero field
// wins over the process configuration.
type Overrides struct {
	Auth               string
	APIKey             string
	ProjectID          string
	Location           string
	AccessToken        string
	QuotaProjectID     string
	ServiceAccountPath string
}

// Resolved is the outcome of coordination: a strategy plus the credentials
// and ready-to-send headers for this call.
type Resolved struct {
	Strategy Strategy
	Creds    Credentials
	Headers  http.Header
}

// Coordinator selects a strategy per call and resolves its credentials.
type Coordinator struct {
	tokens *oauth.Cache
	apiKey Strategy
	vertex Strategy
}

// NewCoordinator creates a coordinator sharing one token cache.
func NewCoordinator(tokens *oauth.Cache) *Coordinator {
	if tokens == nil {
		tokens = oauth.NewCache()
	}
	return &Coordinator{
		tokens: tokens,
		apiKey: APIKey(),
		vertex: Vertex(tokens),
	}
}

// TokenCache exposes the shared cache (live sessions resolve tokens on
// reconnect).
func (c *Coordinator) TokenCache() *oauth.Cache { return c.tokens }

// resolveCreds overlays per-call material onto the static configuration.
func resolveCreds(cfg config.Config, ov Overrides) Credentials {
	creds := Credentials{
		APIKey:             cfg.APIKey,
		ProjectID:          cfg.ProjectID,
		Location:           cfg.Location,
		AccessToken:        cfg.AccessToken,
		QuotaProjectID:     cfg.QuotaProjectID,
		ServiceAccountPath: cfg.ServiceAccountPath,
	}
	if ov.APIKey != "" {
		creds.APIKey = ov.APIKey
	}
	if ov.ProjectID != "" {
		creds.ProjectID = ov.ProjectID
	}
	if ov.Location != "" {
		creds.Location = ov.Location
	}
	if ov.AccessToken != "" {
		creds.AccessToken = ov.AccessToken
	}
	if ov.QuotaProjectID != "" {
		creds.QuotaProjectID = ov.QuotaProjectID
	}
	if ov.ServiceAccountPath != "" {
		creds.ServiceAccountPath = ov.ServiceAccountPath
	}
	return creds
}

// selectMode applies the resolution order: explicit per-call selector,
// configured mode, then auto-detection from available material. An
// explicitly supplied selector is never silently replaced.
func (c *Coordinator) selectMode(cfg config.Config, ov Overrides, creds Credentials) (config.AuthMode, error) {
	if ov.Auth != "" {
		mode, err := config.NormalizeAuthMode(ov.Auth)
		if err != nil {
			return config.AuthAuto, &genai.Error{Kind: genai.KindInvalidRequest, Code: "invalid_auth_mode", Message: err.Error()}
		}
		return mode, nil
	}
	if cfg.AuthMode != config.AuthAuto {
		return cfg.AuthMode, nil
	}
	switch {
	case creds.APIKey != "":
		return config.AuthAPIKey, nil
	case creds.ProjectID != "" || creds.ServiceAccountPath != "" || creds.AccessToken != "":
		return config.AuthVertex, nil
	default:
		return config.AuthAuto, &genai.Error{Kind: genai.KindMissingCredentials, Code: "missing_credentials",
			Message: "no api_key and no Vertex AI credentials configured"}
	}
}

// Coordinate resolves a strategy, its credentials and ready headers for
// one call.
func (c *Coordinator) Coordinate(ctx context.Context, cfg config.Config, ov Overrides) (*Resolved, error) {
	creds := resolveCreds(cfg, ov)
	mode, err := c.selectMode(cfg, ov, creds)
	if err != nil {
		return nil, err
	}

	var strategy Strategy
	switch mode {
	case config.AuthAPIKey:
		strategy = c.apiKey
	case config.AuthVertex:
		strategy = c.vertex
	default:
		return nil, &genai.Error{Kind: genai.KindMissingCredentials, Code: "missing_credentials",
			Message: "could not determine an auth strategy"}
	}

	headers, err := strategy.Headers(ctx, &creds)
	if err != nil {
		return nil, err
	}
	return &Resolved{Strategy: strategy, Creds: creds, Headers: headers}, nil
}
