package auth

import (
	"context"
	"net/http"
	"strings"

	"geminikit/genai"
	"geminikit/internal/oauth"
)

// vertexStrategy targets Vertex AI. Paths carry the full project/location
// resource and auth rides in an OAuth2 bearer token, resolved through the
// token cache when only a service-account key is configured.
type vertexStrategy struct {
	tokens *oauth.Cache
}

// Vertex returns the Vertex AI strategy backed by the given token cache.
func Vertex(tokens *oauth.Cache) Strategy {
	return &vertexStrategy{tokens: tokens}
}

func (*vertexStrategy) Name() string { return "vertex_ai" }

func (*vertexStrategy) BaseURL(creds *Credentials) string {
	location := "us-central1"
	if creds != nil && creds.Location != "" {
		location = creds.Location
	}
	return "https://" + location + "-aiplatform.googleapis.com"
}

func (s *vertexStrategy) validate(creds *Credentials) error {
	if creds == nil || strings.TrimSpace(creds.ProjectID) == "" {
		return &genai.Error{Kind: genai.KindMissingCredentials, Code: "missing_project_id",
			Message: "project_id is required for the Vertex AI strategy"}
	}
	if strings.TrimSpace(creds.Location) == "" {
		return &genai.Error{Kind: genai.KindMissingCredentials, Code: "missing_location",
			Message: "location is required for the Vertex AI strategy"}
	}
	return nil
}

func (s *vertexStrategy) Path(model, endpoint string, creds *Credentials) (string, error) {
	if err := s.validate(creds); err != nil {
		return "", err
	}
	m, err := normalizeModel(model)
	if err != nil {
		return "", &genai.Error{Kind: genai.KindInvalidRequest, Code: "invalid_model", Message: err.Error()}
	}
	switch {
	case strings.HasPrefix(m, "projects/"):
		return "v1/" + m + ":" + endpoint, nil
	case strings.HasPrefix(m, "publishers/"):
		return "v1/projects/" + creds.ProjectID + "/locations/" + creds.Location + "/" + m + ":" + endpoint, nil
	default:
		return "v1/projects/" + creds.ProjectID + "/locations/" + creds.Location +
			"/publishers/google/models/" + m + ":" + endpoint, nil
	}
}

func (s *vertexStrategy) Headers(ctx context.Context, creds *Credentials) (http.Header, error) {
	if err := s.validate(creds); err != nil {
		return nil, err
	}
	token := creds.AccessToken
	if token == "" {
		if creds.ServiceAccountPath == "" {
			return nil, &genai.Error{Kind: genai.KindMissingCredentials, Code: "missing_credentials",
				Message: "either access_token or service_account_path is required for Vertex AI"}
		}
		tok, err := s.tokens.GetOrFetch(ctx, creds.ServiceAccountPath, oauth.CloudPlatformScope)
		if err != nil {
			return nil, err
		}
		token = tok.AccessToken
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if creds.QuotaProjectID != "" {
		h.Set("x-goog-user-project", creds.QuotaProjectID)
	}
	return h, nil
}

func (s *vertexStrategy) LiveURL(creds *Credentials) (string, error) {
	if err := s.validate(creds); err != nil {
		return "", err
	}
	return "wss://" + creds.Location + "-aiplatform.googleapis.com" +
		"/ws/google.cloud.aiplatform.v1beta1.LlmBidiService/BidiGenerateContent", nil
}
