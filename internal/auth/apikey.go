package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"geminikit/genai"
)

const (
	geminiAPIBase = "https://generativelanguage.googleapis.com"
	geminiLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// apiKeyStrategy targets the public Gemini API. The key travels in the
// x-goog-api-key header, never in the URL, except for the WebSocket
// endpoint where the upgrade request cannot rely on headers alone.
type apiKeyStrategy struct{}

// APIKey returns the Gemini API key strategy.
func APIKey() Strategy { return apiKeyStrategy{} }

func (apiKeyStrategy) Name() string { return "api_key" }

func (apiKeyStrategy) BaseURL(_ *Credentials) string { return geminiAPIBase }

func (apiKeyStrategy) Path(model, endpoint string, _ *Credentials) (string, error) {
	m, err := normalizeModel(model)
	if err != nil {
		return "", &genai.Error{Kind: genai.KindInvalidRequest, Code: "invalid_model", Message: err.Error()}
	}
	if strings.HasPrefix(m, "projects/") || strings.HasPrefix(m, "publishers/") {
		return "", &genai.Error{Kind: genai.KindInvalidRequest, Code: "invalid_model",
			Message: "fully qualified Vertex resources are not addressable through the Gemini API"}
	}
	return "v1beta/models/" + m + ":" + endpoint, nil
}

func (apiKeyStrategy) Headers(_ context.Context, creds *Credentials) (http.Header, error) {
	if creds == nil || strings.TrimSpace(creds.APIKey) == "" {
		return nil, &genai.Error{Kind: genai.KindMissingCredentials, Code: "missing_api_key",
			Message: "api_key is required for the Gemini API strategy"}
	}
	h := http.Header{}
	h.Set("x-goog-api-key", creds.APIKey)
	return h, nil
}

func (apiKeyStrategy) LiveURL(creds *Credentials) (string, error) {
	if creds == nil || strings.TrimSpace(creds.APIKey) == "" {
		return "", &genai.Error{Kind: genai.KindMissingCredentials, Code: "missing_api_key",
			Message: "api_key is required for live sessions over the Gemini API"}
	}
	return geminiLiveURL + "?key=" + url.QueryEscape(creds.APIKey), nil
}
