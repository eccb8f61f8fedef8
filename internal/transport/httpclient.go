// Package transport performs the wire-level work: unary HTTP requests
// against the generative endpoints and SSE stream consumption.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"geminikit/config"
	"geminikit/genai"
	"geminikit/internal/auth"
	"geminikit/internal/constants"
	"geminikit/internal/logging"
	"geminikit/internal/models"
	"geminikit/internal/monitoring"
	"geminikit/internal/monitoring/tracing"
	"geminikit/internal/version"
)

// Client performs unary and streaming HTTP calls. One instance is shared
// across all models and auth strategies.
type Client struct {
	cfg   config.Config
	coord *auth.Coordinator
	cli   *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient swaps the underlying http.Client, for tests.
func WithHTTPClient(cli *http.Client) ClientOption {
	return func(c *Client) { c.cli = cli }
}

// New builds a client with the shared pooled transport.
func New(cfg config.Config, coord *auth.Coordinator, opts ...ClientOption) *Client {
	tr := &http.Transport{
		Proxy: proxyFunc(cfg.ProxyURL),
		DialContext: (&net.Dialer{
			Timeout:   constants.DefaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   constants.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: constants.DefaultExpectContinueTimeout,
		MaxIdleConns:          constants.BaseMaxIdleConns,
		MaxIdleConnsPerHost:   constants.BaseMaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
	}
	c := &Client{cfg: cfg, coord: coord, cli: &http.Client{Transport: tr, Timeout: 0}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// proxyFunc prefers the configured proxy URL and falls back to the
// environment proxy settings.
func proxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			return http.ProxyURL(parsed)
		}
	}
	return http.ProxyFromEnvironment
}

// BaseURLOverride redirects every request to the given base, for tests
// against httptest servers.
type requestPlan struct {
	url      string
	payload  []byte
	headers  http.Header
	authName string
	model    string
}

// Call describes one upstream request.
type Call struct {
	Model     string
	Endpoint  string
	Body      any
	Overrides auth.Overrides
	// Query is appended verbatim ("alt=sse" for streams).
	Query string
	// BaseURL, when set, replaces the strategy's base. Tests point this
	// at an httptest server.
	BaseURL string
}

// plan resolves auth and builds the final URL, payload and headers.
func (c *Client) plan(ctx context.Context, call Call) (*requestPlan, error) {
	resolved, err := c.coord.Coordinate(ctx, c.cfg, call.Overrides)
	if err != nil {
		return nil, err
	}

	model := call.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	path, err := resolved.Strategy.Path(model, call.Endpoint, &resolved.Creds)
	if err != nil {
		return nil, err
	}

	base := call.BaseURL
	if base == "" {
		base = resolved.Strategy.BaseURL(&resolved.Creds)
	}
	full := base + "/" + path
	if call.Query != "" {
		full += "?" + call.Query
	}

	payload, err := json.Marshal(call.Body)
	if err != nil {
		return nil, &genai.Error{Kind: genai.KindInvalidRequest, Code: "marshal_failed", Message: err.Error()}
	}
	payload = sanitizeThinking(model, payload)

	headers := resolved.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", "geminikit/"+version.Version)

	return &requestPlan{
		url:      full,
		payload:  payload,
		headers:  headers,
		authName: resolved.Strategy.Name(),
		model:    model,
	}, nil
}

// sanitizeThinking strips thinkingConfig for models that reject it, so a
// shared generation config does not poison image or TTS variants.
func sanitizeThinking(model string, payload []byte) []byte {
	normalized, err := models.Normalize(model)
	if err != nil || models.SupportsThinking(normalized) {
		return payload
	}
	if out, err := sjson.DeleteBytes(payload, "generationConfig.thinkingConfig"); err == nil {
		return out
	}
	return payload
}

// Do performs one unary request and returns the response body. Non-2xx
// responses come back as *genai.Error with the decoded body preserved.
func (c *Client) Do(ctx context.Context, call Call) ([]byte, error) {
	plan, err := c.plan(ctx, call)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "transport", "Gemini."+call.Endpoint,
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", plan.url),
			attribute.String("gemini.model", plan.model),
			attribute.String("gemini.auth", plan.authName),
		))
	defer span.End()

	start := time.Now()
	resp, err := c.send(ctx, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		monitoring.RecordRequest(plan.authName, call.Endpoint, 0, time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	monitoring.RecordRequest(plan.authName, call.Endpoint, resp.StatusCode, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if readErr != nil {
		e := genai.FromNetwork(readErr)
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Error())
		return nil, e
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := genai.FromHTTP(resp.StatusCode, body)
		if ms, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			e.RetryAfterMS = ms
		}
		span.SetStatus(codes.Error, e.Error())
		return nil, e
	}
	span.SetStatus(codes.Ok, "")
	logging.WithCall(plan.model, call.Endpoint, log.Fields{
		"status":      resp.StatusCode,
		"duration_ms": logging.DurationMS(time.Since(start)),
	}).Debug("Upstream call complete")
	return body, nil
}

// Generate performs a unary generateContent call and decodes the result.
func (c *Client) Generate(ctx context.Context, call Call) (*genai.GenerateContentResponse, error) {
	body, err := c.Do(ctx, call)
	if err != nil {
		return nil, err
	}
	var out genai.GenerateContentResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &genai.Error{Kind: genai.KindMalformedResponse, Code: "decode_failed",
			Message: err.Error(), Raw: body}
	}
	return &out, nil
}

// OpenStream performs a streaming POST and hands the response to the SSE
// runner. The caller owns resp.Body.
func (c *Client) OpenStream(ctx context.Context, call Call) (*http.Response, error) {
	if call.Query == "" {
		call.Query = "alt=sse"
	}
	plan, err := c.plan(ctx, call)
	if err != nil {
		return nil, err
	}

	logging.WithCall(plan.model, call.Endpoint, log.Fields{"auth": plan.authName}).
		Debug("Opening SSE stream")

	start := time.Now()
	resp, err := c.send(ctx, plan)
	if err != nil {
		monitoring.RecordRequest(plan.authName, call.Endpoint, 0, time.Since(start).Seconds())
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		monitoring.RecordRequest(plan.authName, call.Endpoint, resp.StatusCode, time.Since(start).Seconds())
		e := genai.FromHTTP(resp.StatusCode, body)
		if ms, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			e.RetryAfterMS = ms
		}
		return nil, e
	}
	monitoring.RecordRequest(plan.authName, call.Endpoint, resp.StatusCode, time.Since(start).Seconds())
	return resp, nil
}

func (c *Client) send(ctx context.Context, plan *requestPlan) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, plan.url, bytes.NewReader(plan.payload))
	if err != nil {
		return nil, &genai.Error{Kind: genai.KindInvalidRequest, Code: "build_request_failed", Message: err.Error()}
	}
	for k, vs := range plan.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.cli.Do(req)
	if err != nil {
		return nil, genai.FromNetwork(err)
	}
	return resp, nil
}

// parseRetryAfter handles the delay-seconds form of the Retry-After
// header. HTTP-date forms are rare on these endpoints and ignored.
func parseRetryAfter(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return int64(secs) * 1000, true
	}
	return 0, false
}
