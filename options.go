package geminikit

import (
	"time"

	"geminikit/internal/auth"
	"geminikit/internal/ratelimit"
)

// CallOptions tune one operation. The zero value inherits everything
// from the client configuration.
type CallOptions struct {
	// Model overrides the default model for this call.
	Model string

	// Per-call auth material; any non-zero field beats the process
	// configuration, and Auth pins the strategy ("api_key", "vertex_ai"
	// or the "vertex" alias).
	Auth               string
	APIKey             string
	ProjectID          string
	Location           string
	AccessToken        string
	QuotaProjectID     string
	ServiceAccountPath string

	// EstimatedInputTokens replaces the heuristic estimator for budget
	// gating.
	EstimatedInputTokens int64
	// TokenBudget overrides the profile's token_budget_per_window.
	TokenBudget int64
	// NonBlocking flips the call to fail-fast pre-flight checks.
	NonBlocking *bool
	// Timeout bounds the whole pipeline including waits and retries.
	Timeout time.Duration
	// MaxToolTurns overrides the tool round-trip budget.
	MaxToolTurns int
}

// CallOption mutates CallOptions.
type CallOption func(*CallOptions)

// WithModel overrides the model for this call.
func WithModel(model string) CallOption {
	return func(o *CallOptions) { o.Model = model }
}

// WithAuth pins the auth strategy ("api_key", "vertex_ai" or "vertex").
func WithAuth(mode string) CallOption {
	return func(o *CallOptions) { o.Auth = mode }
}

// WithAPIKey supplies a per-call API key.
func WithAPIKey(key string) CallOption {
	return func(o *CallOptions) { o.APIKey = key }
}

// WithProject supplies a per-call Vertex project id.
func WithProject(projectID string) CallOption {
	return func(o *CallOptions) { o.ProjectID = projectID }
}

// WithLocation supplies a per-call Vertex location.
func WithLocation(location string) CallOption {
	return func(o *CallOptions) { o.Location = location }
}

// WithAccessToken supplies a per-call OAuth2 bearer token.
func WithAccessToken(token string) CallOption {
	return func(o *CallOptions) { o.AccessToken = token }
}

// WithQuotaProject supplies a per-call billing project.
func WithQuotaProject(projectID string) CallOption {
	return func(o *CallOptions) { o.QuotaProjectID = projectID }
}

// WithServiceAccountFile supplies a per-call service-account key path.
func WithServiceAccountFile(path string) CallOption {
	return func(o *CallOptions) { o.ServiceAccountPath = path }
}

// WithEstimatedInputTokens bypasses the heuristic estimator.
func WithEstimatedInputTokens(tokens int64) CallOption {
	return func(o *CallOptions) { o.EstimatedInputTokens = tokens }
}

// WithTokenBudget overrides the per-window token budget.
func WithTokenBudget(tokens int64) CallOption {
	return func(o *CallOptions) { o.TokenBudget = tokens }
}

// WithNonBlocking makes pre-flight rejections fail fast instead of
// waiting out embargos, budgets and full gates.
func WithNonBlocking(nonBlocking bool) CallOption {
	return func(o *CallOptions) { o.NonBlocking = &nonBlocking }
}

// WithTimeout bounds the entire call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *CallOptions) { o.Timeout = d }
}

// WithMaxToolTurns bounds automatic tool round trips.
func WithMaxToolTurns(turns int) CallOption {
	return func(o *CallOptions) { o.MaxToolTurns = turns }
}

func buildOptions(opts []CallOption) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o CallOptions) overrides() auth.Overrides {
	return auth.Overrides{
		Auth:               o.Auth,
		APIKey:             o.APIKey,
		ProjectID:          o.ProjectID,
		Location:           o.Location,
		AccessToken:        o.AccessToken,
		QuotaProjectID:     o.QuotaProjectID,
		ServiceAccountPath: o.ServiceAccountPath,
	}
}

func (o CallOptions) execOptions(estimated int64) ratelimit.ExecOptions {
	if o.EstimatedInputTokens > 0 {
		estimated = o.EstimatedInputTokens
	}
	return ratelimit.ExecOptions{
		EstimatedInputTokens: estimated,
		TokenBudget:          o.TokenBudget,
		NonBlocking:          o.NonBlocking,
	}
}
