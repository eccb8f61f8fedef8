package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"geminikit/config"
	"geminikit/genai"
	"geminikit/internal/auth"
)

func testClient(cfg config.Config) *Client {
	return New(cfg, auth.NewCoordinator(nil))
}

func TestGenerateHappyPath(t *testing.T) {
	var gotPath, gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]}}],` +
			`"usageMetadata":{"totalTokenCount":12}}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.APIKey = "AIza-test"
	c := testClient(cfg)

	req := &genai.GenerateContentRequest{Contents: []genai.Content{genai.UserContent("Say 'ok'")}}
	resp, err := c.Generate(context.Background(), Call{
		Model:    "gemini-2.5-flash",
		Endpoint: "generateContent",
		Body:     req,
		BaseURL:  srv.URL,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := resp.Text(); got != "ok" {
		t.Fatalf("Text() = %q", got)
	}
	if resp.UsageMetadata == nil || resp.UsageMetadata.TotalTokenCount != 12 {
		t.Fatalf("usage = %+v", resp.UsageMetadata)
	}
	if gotPath != "/v1beta/models/gemini-2.5-flash:generateContent" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotKey != "AIza-test" {
		t.Fatalf("api key header = %q", gotKey)
	}
	if !gjson.Get(gotBody, "contents.0.parts.0.text").Exists() {
		t.Fatalf("body not serialized: %s", gotBody)
	}
}

func TestModelNameNoDoubling(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.APIKey = "k"
	cfg.DefaultModel = "gemini-flash-lite-latest"
	c := testClient(cfg)

	// A caller-passed model with an :endpoint suffix must win over the
	// default and must not double the suffix.
	_, err := c.Do(context.Background(), Call{
		Model:    "gemini-3-pro-preview:generateContent",
		Endpoint: "generateContent",
		Body:     map[string]any{},
		BaseURL:  srv.URL,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if strings.Contains(gotURL, "gemini-flash-lite-latest") {
		t.Fatalf("default model substituted: %q", gotURL)
	}
	if strings.Count(gotURL, "gemini-3-pro-preview:generateContent") != 1 {
		t.Fatalf("model:endpoint must appear exactly once: %q", gotURL)
	}
	if strings.Contains(gotURL, ":generateContent:generateContent") {
		t.Fatalf("endpoint doubled: %q", gotURL)
	}
}

func TestErrorBodyPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "9")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED",` +
			`"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"60s"}]}}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.APIKey = "k"
	c := testClient(cfg)

	_, err := c.Do(context.Background(), Call{
		Model: "gemini-2.5-flash", Endpoint: "generateContent",
		Body: map[string]any{}, BaseURL: srv.URL,
	})
	e, ok := genai.AsError(err)
	if !ok {
		t.Fatalf("expected *genai.Error, got %v", err)
	}
	if e.Kind != genai.KindRateLimited || e.HTTPStatus != 429 {
		t.Fatalf("kind/status = %v/%d", e.Kind, e.HTTPStatus)
	}
	if len(e.Details) != 1 || e.Details[0]["retryDelay"] != "60s" {
		t.Fatalf("details lost: %+v", e.Details)
	}
	if e.RetryAfterMS != 9000 {
		t.Fatalf("Retry-After not captured: %d", e.RetryAfterMS)
	}
	if gjson.GetBytes(e.Raw, "error.status").String() != "RESOURCE_EXHAUSTED" {
		t.Fatalf("raw body lost: %s", e.Raw)
	}
}

func TestThinkingConfigStrippedForUnsupportedModels(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.APIKey = "k"
	c := testClient(cfg)

	body := map[string]any{
		"contents":         []any{},
		"generationConfig": map[string]any{"temperature": 0.5, "thinkingConfig": map[string]any{"thinkingBudget": 1024}},
	}

	if _, err := c.Do(context.Background(), Call{
		Model: "gemini-2.5-flash-image", Endpoint: "generateContent",
		Body: body, BaseURL: srv.URL,
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gjson.GetBytes(gotBody, "generationConfig.thinkingConfig").Exists() {
		t.Fatalf("thinkingConfig not stripped: %s", gotBody)
	}
	if !gjson.GetBytes(gotBody, "generationConfig.temperature").Exists() {
		t.Fatalf("rest of generationConfig lost: %s", gotBody)
	}

	// Thinking-capable models keep it.
	if _, err := c.Do(context.Background(), Call{
		Model: "gemini-2.5-flash", Endpoint: "generateContent",
		Body: body, BaseURL: srv.URL,
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !gjson.GetBytes(gotBody, "generationConfig.thinkingConfig").Exists() {
		t.Fatalf("thinkingConfig dropped for a thinking model: %s", gotBody)
	}
}

func TestOpenStreamAppendsAltSSE(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"x\":1}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.APIKey = "k"
	c := testClient(cfg)

	resp, err := c.OpenStream(context.Background(), Call{
		Model: "gemini-2.5-flash", Endpoint: "streamGenerateContent",
		Body: map[string]any{}, BaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer resp.Body.Close()
	if gotQuery != "alt=sse" {
		t.Fatalf("query = %q", gotQuery)
	}
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": not-json`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.APIKey = "k"
	c := testClient(cfg)

	_, err := c.Generate(context.Background(), Call{
		Model: "gemini-2.5-flash", Endpoint: "generateContent",
		Body: map[string]any{}, BaseURL: srv.URL,
	})
	e, ok := genai.AsError(err)
	if !ok || e.Kind != genai.KindMalformedResponse {
		t.Fatalf("expected malformed_response, got %v", err)
	}
	if len(e.Raw) == 0 {
		t.Fatalf("raw body not preserved")
	}
}
