package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"geminikit/genai"
	"geminikit/internal/runtime"
	"geminikit/internal/streaming"
)

func frameServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			fl.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
}

// testEnv wires a streaming manager whose open function walks through the
// given servers, one per stream the orchestrator opens.
func testEnv(t *testing.T, servers ...*httptest.Server) (*runtime.Supervisor, *streaming.Manager, OpenStream, *atomic.Int32) {
	t.Helper()
	sup := runtime.NewSupervisor(context.Background(), "test")
	t.Cleanup(sup.Shutdown)
	streams := streaming.NewManager(sup, 8)

	var opened atomic.Int32
	open := func(ctx context.Context, history []genai.Content) (string, error) {
		idx := int(opened.Add(1)) - 1
		if idx >= len(servers) {
			return "", fmt.Errorf("unexpected stream #%d", idx+1)
		}
		srv := servers[idx]
		return streams.Start(ctx, streaming.StartSpec{
			Model: "gemini-2.5-flash",
			Open: func(ctx context.Context) (*http.Response, error) {
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, nil)
				if err != nil {
					return nil, err
				}
				return http.DefaultClient.Do(req)
			},
		})
	}
	return sup, streams, open, &opened
}

func weatherRegistry(t *testing.T, executed *atomic.Int32) *genai.FuncRegistry {
	t.Helper()
	reg := genai.NewFuncRegistry()
	reg.Register(genai.FunctionDeclaration{
		Name:        "get_weather",
		Description: "Current weather for a location",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"location": map[string]any{"type": "string"}},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		if executed != nil {
			executed.Add(1)
		}
		if args["location"] != "Seattle" {
			t.Errorf("args = %v", args)
		}
		return map[string]any{"temp": 22}, nil
	})
	return reg
}

func TestAutoToolRoundTrip(t *testing.T) {
	callFrame := `{"candidates":[{"content":{"role":"model","parts":[` +
		`{"functionCall":{"name":"get_weather","args":{"location":"Seattle"}},"thoughtSignature":"sig-1"}]}}]}`
	stream1 := frameServer(t, callFrame)
	defer stream1.Close()
	stream2 := frameServer(t,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"It is "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"22C"}]}}]}`,
	)
	defer stream2.Close()

	sup, streams, open, opened := testEnv(t, stream1, stream2)
	var executed atomic.Int32
	chat := genai.NewChat()
	chat.AddUserText("weather in Seattle")

	o := New(sup, streams, weatherRegistry(t, &executed), open, chat, 4)
	out := make(chan genai.StreamEvent, 16)
	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), out) }()

	var texts []string
	for ev := range out {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		if ev.Done {
			continue
		}
		// No stream-1 event may leak; only the follow-up stream's text.
		if parts := functionCallParts(ev.Response); len(parts) > 0 {
			t.Fatalf("function-call event leaked to subscriber")
		}
		texts = append(texts, ev.Response.Text())
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(texts) != 2 || texts[0] != "It is " || texts[1] != "22C" {
		t.Fatalf("forwarded events = %v", texts)
	}
	if executed.Load() != 1 {
		t.Fatalf("tool executed %d times", executed.Load())
	}
	if opened.Load() != 2 {
		t.Fatalf("streams opened = %d", opened.Load())
	}

	// History: user prompt, model function call, tool responses.
	hist := chat.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d: %+v", len(hist), hist)
	}
	if hist[1].Role != "model" || hist[1].Parts[0].FunctionCall == nil {
		t.Fatalf("model turn missing function call: %+v", hist[1])
	}
	if hist[1].Parts[0].ThoughtSignature != "sig-1" {
		t.Fatalf("thought signature dropped from model turn")
	}
	fr := hist[2].Parts[0].FunctionResponse
	if hist[2].Role != "user" || fr == nil {
		t.Fatalf("tool turn missing function response: %+v", hist[2])
	}
	if fr.Name != "get_weather" {
		t.Fatalf("response name = %q, want the call id", fr.Name)
	}
	content, ok := fr.Response["content"].(map[string]any)
	if !ok || content["temp"] != 22 {
		t.Fatalf("response content = %v", fr.Response)
	}
}

func TestNoToolCallFlushesBuffer(t *testing.T) {
	stream1 := frameServer(t,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"plain "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"answer"}]}}]}`,
	)
	defer stream1.Close()

	sup, streams, open, opened := testEnv(t, stream1)
	chat := genai.NewChat()
	chat.AddUserText("hello")

	o := New(sup, streams, weatherRegistry(t, nil), open, chat, 4)
	out := make(chan genai.StreamEvent, 16)
	go func() { _ = o.Run(context.Background(), out) }()

	var texts []string
	sawDone := false
	for ev := range out {
		if ev.Done {
			sawDone = true
			continue
		}
		texts = append(texts, ev.Response.Text())
	}
	if !sawDone {
		t.Fatalf("missing terminal event")
	}
	if len(texts) != 2 || texts[0] != "plain " || texts[1] != "answer" {
		t.Fatalf("buffered events not flushed in order: %v", texts)
	}
	if opened.Load() != 1 {
		t.Fatalf("streams opened = %d, want 1", opened.Load())
	}
}

func TestTurnLimitExceeded(t *testing.T) {
	callFrame := `{"candidates":[{"content":{"role":"model","parts":[` +
		`{"functionCall":{"name":"get_weather","args":{"location":"Seattle"}}}]}}]}`
	stream1 := frameServer(t, callFrame)
	defer stream1.Close()
	stream2 := frameServer(t, callFrame)
	defer stream2.Close()

	sup, streams, open, _ := testEnv(t, stream1, stream2)
	chat := genai.NewChat()
	chat.AddUserText("weather in Seattle")

	// One tool turn allowed: the nested call in stream #2 must be
	// reported, not forwarded.
	o := New(sup, streams, weatherRegistry(t, nil), open, chat, 1)
	out := make(chan genai.StreamEvent, 16)
	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), out) }()

	var terminal genai.StreamEvent
	for ev := range out {
		if parts := functionCallParts(ev.Response); len(parts) > 0 {
			t.Fatalf("embedded function call forwarded")
		}
		terminal = ev
	}
	err := <-done
	e, ok := genai.AsError(err)
	if !ok || e.Kind != genai.KindTurnLimitExceeded {
		t.Fatalf("expected turn_limit_exceeded, got %v", err)
	}
	if terminal.Err == nil {
		t.Fatalf("subscriber did not see the terminal error")
	}
}

func TestToolFailureSurfaces(t *testing.T) {
	callFrame := `{"candidates":[{"content":{"role":"model","parts":[` +
		`{"functionCall":{"name":"get_weather","args":{"location":"Seattle"}}}]}}]}`
	stream1 := frameServer(t, callFrame)
	defer stream1.Close()
	stream2 := frameServer(t, `{"candidates":[{"content":{"role":"model","parts":[{"text":"sorry"}]}}]}`)
	defer stream2.Close()

	sup, streams, open, _ := testEnv(t, stream1, stream2)
	chat := genai.NewChat()
	chat.AddUserText("weather in Seattle")

	reg := genai.NewFuncRegistry()
	// Unregistered tool: the registry reports an error result, which the
	// orchestrator still feeds back to the model as a tool turn.
	o := New(sup, streams, reg, open, chat, 2)
	out := make(chan genai.StreamEvent, 16)
	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), out) }()
	for range out {
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	hist := chat.History()
	if len(hist) != 3 {
		t.Fatalf("expected tool turn in history, got %d turns", len(hist))
	}
	fr := hist[2].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatalf("tool turn missing function response")
	}
}
