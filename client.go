// Package geminikit is a client library for Google's Gemini generative
// endpoints, covering the Gemini API and Vertex AI behind one facade:
// unary and streaming generation, automatic tool calling, live WebSocket
// sessions, local rate limiting and retry handling.
package geminikit

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"geminikit/config"
	"geminikit/genai"
	"geminikit/internal/auth"
	"geminikit/internal/logging"
	"geminikit/internal/orchestrator"
	"geminikit/internal/ratelimit"
	"geminikit/internal/runtime"
	"geminikit/internal/streaming"
	"geminikit/internal/transport"
	"geminikit/live"
)

// Client is the entry point. One client shares a token cache, a
// rate-limit state store, an HTTP connection pool and a supervisor
// across all calls.
type Client struct {
	mu      sync.RWMutex
	cfg     config.Config
	coord   *auth.Coordinator
	sup     *runtime.Supervisor
	http    *transport.Client
	manager *ratelimit.Manager
	streams *streaming.Manager
	tools   genai.ToolRegistry
	baseURL string
}

// Option customizes a Client.
type Option func(*Client)

// WithToolRegistry installs the registry used by GenerateWithTools.
func WithToolRegistry(reg genai.ToolRegistry) Option {
	return func(c *Client) { c.tools = reg }
}

// WithBaseURL redirects every request, for tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient swaps the underlying http.Client, for tests.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		c.http = transport.New(c.cfg, c.coord, transport.WithHTTPClient(cli))
	}
}

// New builds a client from the given configuration.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Setup(logging.Options{Debug: cfg.Debug, LogFile: cfg.LogFile}); err != nil {
		return nil, err
	}

	sup := runtime.NewSupervisor(context.Background(), "geminikit")
	coord := auth.NewCoordinator(nil)
	store := ratelimit.NewStore()
	gate := ratelimit.NewGate(store, sup)

	c := &Client{
		cfg:     cfg,
		coord:   coord,
		sup:     sup,
		http:    transport.New(cfg, coord),
		manager: ratelimit.NewManager(cfg.RateLimit, gate),
		streams: streaming.NewManager(sup, cfg.MaxStreams),
		tools:   genai.NewFuncRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Load builds a client from a config file path plus environment
// overrides. An empty path uses defaults and environment only.
func Load(path string, opts ...Option) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// Close aborts every stream and background task.
func (c *Client) Close() {
	c.streams.Shutdown()
	c.sup.Shutdown()
}

// Tools returns the client's tool registry.
func (c *Client) Tools() genai.ToolRegistry { return c.tools }

// config reads the current configuration; WatchConfig swaps it.
func (c *Client) config() config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Client) model(o CallOptions) string {
	if o.Model != "" {
		return o.Model
	}
	return c.config().DefaultModel
}

func (c *Client) callCtx(ctx context.Context, o CallOptions) (context.Context, context.CancelFunc) {
	timeout := o.Timeout
	if cfg := c.config(); timeout <= 0 && cfg.RequestTimeoutSec > 0 {
		timeout = time.Duration(cfg.RequestTimeoutSec) * time.Second
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// GenerateContent performs one unary generation under the rate-limit
// pipeline.
func (c *Client) GenerateContent(ctx context.Context, req *genai.GenerateContentRequest, opts ...CallOption) (*genai.GenerateContentResponse, error) {
	o := buildOptions(opts)
	model := c.model(o)
	ctx, cancel := c.callCtx(ctx, o)
	defer cancel()

	estimated := int64(genai.EstimateContents(req.Contents))
	res, err := c.manager.Execute(ctx, model, o.execOptions(estimated), func(ctx context.Context) (*ratelimit.Result, error) {
		resp, err := c.http.Generate(ctx, transport.Call{
			Model:     model,
			Endpoint:  "generateContent",
			Body:      req,
			Overrides: o.overrides(),
			BaseURL:   c.baseURL,
		})
		if err != nil {
			return nil, err
		}
		var usage int64
		if resp.UsageMetadata != nil {
			usage = int64(resp.UsageMetadata.TotalTokenCount)
		}
		return &ratelimit.Result{Value: resp, UsageTokens: usage}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Value.(*genai.GenerateContentResponse), nil
}

// CountTokens asks the service for an exact token count. The call goes
// through the same rate-limit pipeline as generation.
func (c *Client) CountTokens(ctx context.Context, req *genai.CountTokensRequest, opts ...CallOption) (*genai.CountTokensResponse, error) {
	o := buildOptions(opts)
	model := c.model(o)
	ctx, cancel := c.callCtx(ctx, o)
	defer cancel()

	estimated := int64(genai.EstimateContents(req.Contents))
	res, err := c.manager.Execute(ctx, model, o.execOptions(estimated), func(ctx context.Context) (*ratelimit.Result, error) {
		body, err := c.http.Do(ctx, transport.Call{
			Model:     model,
			Endpoint:  "countTokens",
			Body:      req,
			Overrides: o.overrides(),
			BaseURL:   c.baseURL,
		})
		if err != nil {
			return nil, err
		}
		var out genai.CountTokensResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, &genai.Error{Kind: genai.KindMalformedResponse, Code: "decode_failed",
				Message: err.Error(), Raw: body}
		}
		return &ratelimit.Result{Value: &out}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Value.(*genai.CountTokensResponse), nil
}

// Stream is a running SSE generation.
type Stream struct {
	ID     string
	Events <-chan genai.StreamEvent

	client *Client
}

// Stop aborts the stream.
func (s *Stream) Stop() error { return s.client.streams.Stop(s.ID) }

// startStream opens one rate-limited SSE stream over the given request
// body and returns its registry id.
func (c *Client) startStream(ctx context.Context, model string, o CallOptions, req *genai.GenerateContentRequest) (string, error) {
	estimated := int64(genai.EstimateContents(req.Contents))

	res, release, err := c.manager.ExecuteStreaming(ctx, model, o.execOptions(estimated), func(ctx context.Context) (*ratelimit.Result, error) {
		resp, err := c.http.OpenStream(ctx, transport.Call{
			Model:     model,
			Endpoint:  "streamGenerateContent",
			Body:      req,
			Overrides: o.overrides(),
			BaseURL:   c.baseURL,
		})
		if err != nil {
			return nil, err
		}
		return &ratelimit.Result{Value: resp}, nil
	})
	if err != nil {
		return "", err
	}
	resp := res.Value.(*http.Response)

	id, err := c.streams.Start(ctx, streaming.StartSpec{
		Model: model,
		Open: func(context.Context) (*http.Response, error) {
			return resp, nil
		},
		Release: release,
	})
	if err != nil {
		_ = resp.Body.Close()
		return "", err
	}
	return id, nil
}

// StreamGenerateContent starts an SSE generation and subscribes the
// caller. The returned channel closes after the terminal event.
func (c *Client) StreamGenerateContent(ctx context.Context, req *genai.GenerateContentRequest, opts ...CallOption) (*Stream, error) {
	o := buildOptions(opts)
	model := c.model(o)

	id, err := c.startStream(ctx, model, o, req)
	if err != nil {
		return nil, err
	}
	events, err := c.streams.Subscribe(id, "caller", ctx.Done())
	if err != nil {
		_ = c.streams.Stop(id)
		return nil, err
	}
	return &Stream{ID: id, Events: events, client: c}, nil
}

// Streams exposes the stream registry for subscribe/status/list/stop
// control beyond the primary subscriber.
func (c *Client) Streams() *streaming.Manager { return c.streams }

// GenerateWithTools streams a generation with automatic tool-call round
// trips: function calls from the model are executed against the tool
// registry and the follow-up stream is forwarded to the returned
// channel. The chat is extended in place with the intermediate turns.
func (c *Client) GenerateWithTools(ctx context.Context, chat *genai.Chat, gen *genai.GenerationConfig, opts ...CallOption) (<-chan genai.StreamEvent, error) {
	o := buildOptions(opts)
	model := c.model(o)
	maxTurns := o.MaxToolTurns
	if maxTurns <= 0 {
		maxTurns = c.config().MaxToolTurns
	}

	declarations := c.tools.Declarations()
	if len(declarations) == 0 {
		return nil, genai.NewError(genai.KindInvalidState, "no tools registered")
	}

	open := func(ctx context.Context, history []genai.Content) (string, error) {
		req := &genai.GenerateContentRequest{
			Contents:         history,
			GenerationConfig: gen,
			Tools:            []genai.Tool{{FunctionDeclarations: declarations}},
		}
		return c.startStream(ctx, model, o, req)
	}

	orch := orchestrator.New(c.sup, c.streams, c.tools, open, chat, maxTurns)
	out := make(chan genai.StreamEvent, 16)

	taskName := "orchestrator-" + uuid.NewString()
	if err := c.sup.Start(taskName, "tool-orchestrator", func(taskCtx context.Context) error {
		defer c.sup.Forget(taskName)
		// Client shutdown aborts the orchestration alongside the caller's
		// own context.
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(taskCtx, cancel)
		defer stop()
		return orch.Run(runCtx, out)
	}); err != nil {
		return nil, &genai.Error{Kind: genai.KindInvalidState, Code: "orchestrator_start_failed",
			Message: err.Error()}
	}
	return out, nil
}

// Live creates a disconnected live session; call Connect on the result.
func (c *Client) Live(liveCfg live.Config, cb live.Callbacks, opts ...live.Option) (*live.Session, error) {
	return live.NewSession(c.config(), liveCfg, cb, c.coord, c.sup, opts...)
}

// Stats is a point-in-time snapshot of client internals.
type Stats struct {
	RateLimits []ratelimit.Snapshot `json:"rate_limits"`
	Streams    []streaming.Info     `json:"streams"`
	Tasks      runtime.TaskStats    `json:"tasks"`
}

// Stats reports per-model rate-limit state, running streams and task
// counts.
func (c *Client) Stats() Stats {
	store := c.manager.Store()
	var limits []ratelimit.Snapshot
	for _, model := range store.Models() {
		limits = append(limits, store.Snapshot(model))
	}
	return Stats{
		RateLimits: limits,
		Streams:    c.streams.List(),
		Tasks:      c.sup.Stats(),
	}
}

// WatchConfig reloads the client configuration when the file changes.
// The rate-limit profile is swapped into the running manager; default
// model, timeout and auth material take effect on the next call. The
// HTTP transport keeps its construction-time proxy settings.
func (c *Client) WatchConfig(path string) (*config.Watcher, error) {
	return config.Watch(path, func(cfg config.Config) {
		log.WithField("path", path).Info("Configuration reloaded")
		c.mu.Lock()
		c.cfg = cfg
		c.mu.Unlock()
		c.manager.UpdateConfig(cfg.RateLimit)
	})
}
