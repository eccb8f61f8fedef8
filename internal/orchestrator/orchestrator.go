// Package orchestrator drives automatic tool-call round trips over
// streaming generations: it buffers the first stream, executes any tool
// calls the model emits, and forwards the follow-up stream verbatim.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"geminikit/genai"
	"geminikit/internal/monitoring"
	"geminikit/internal/runtime"
	"geminikit/internal/streaming"
)

type phase int

const (
	phaseAwaitingModelCall phase = iota
	phaseExecutingTools
	phaseAwaitingFinalResponse
)

// OpenStream starts a model stream over the given history and returns
// its id in the streaming manager. The facade binds this to the
// rate-limit pipeline and transport.
type OpenStream func(ctx context.Context, history []genai.Content) (string, error)

// Orchestrator runs one auto-tool streaming call.
type Orchestrator struct {
	sup      *runtime.Supervisor
	streams  *streaming.Manager
	registry genai.ToolRegistry
	open     OpenStream

	chat           *genai.Chat
	turnsRemaining int
	buffered       []genai.StreamEvent
}

// New creates an orchestrator for a single call. maxTurns bounds the
// number of tool round trips; nested function calls in a follow-up
// stream re-enter the tool phase until the budget runs out.
func New(sup *runtime.Supervisor, streams *streaming.Manager, registry genai.ToolRegistry, open OpenStream, chat *genai.Chat, maxTurns int) *Orchestrator {
	if maxTurns <= 0 {
		maxTurns = 1
	}
	return &Orchestrator{
		sup:            sup,
		streams:        streams,
		registry:       registry,
		open:           open,
		chat:           chat,
		turnsRemaining: maxTurns,
	}
}

// Run executes the state machine, writing forwarded events to out. It
// closes out before returning. The first stream's events are withheld
// unless the model finished without calling a tool.
func (o *Orchestrator) Run(ctx context.Context, out chan<- genai.StreamEvent) error {
	defer close(out)

	current := phaseAwaitingModelCall
	for {
		switch current {
		case phaseAwaitingModelCall, phaseAwaitingFinalResponse:
			forward := current == phaseAwaitingFinalResponse
			callParts, err := o.consumeStream(ctx, forward, out)
			if err != nil {
				o.emitError(out, err)
				return err
			}
			if len(callParts) == 0 {
				// No tool call: flush anything withheld and finish.
				if !forward {
					for _, ev := range o.buffered {
						if !emit(ctx, out, ev) {
							return ctx.Err()
						}
					}
					o.buffered = nil
					emit(ctx, out, genai.StreamEvent{Done: true})
				}
				return nil
			}
			o.chat.AddModelParts(callParts...)
			current = phaseExecutingTools

		case phaseExecutingTools:
			o.turnsRemaining--
			if o.turnsRemaining < 0 {
				err := genai.NewError(genai.KindTurnLimitExceeded,
					"model kept requesting tools past the configured turn limit")
				o.emitError(out, err)
				return err
			}
			results, err := o.executeTools(ctx, collectCalls(o.chat.History()))
			if err != nil {
				o.emitError(out, err)
				return err
			}
			o.chat.AddToolResults(results)
			o.buffered = nil
			current = phaseAwaitingFinalResponse
		}
	}
}

// consumeStream opens one stream over the current history and drains it.
// In buffering mode events are withheld and the accumulated parts are
// scanned for function calls after every event; the first call detected
// aborts the stream. In forwarding mode events pass through immediately
// unless a nested call shows up.
func (o *Orchestrator) consumeStream(ctx context.Context, forward bool, out chan<- genai.StreamEvent) ([]genai.Part, error) {
	streamID, err := o.open(ctx, o.chat.History())
	if err != nil {
		return nil, err
	}
	defer o.streams.Remove(streamID)

	subID := "orchestrator-" + uuid.NewString()
	events, err := o.streams.Subscribe(streamID, subID, ctx.Done())
	if err != nil {
		_ = o.streams.Stop(streamID)
		return nil, err
	}

	var callParts []genai.Part
	for ev := range events {
		if ev.Err != nil {
			return nil, ev.Err
		}
		if ev.Done {
			break
		}

		parts := functionCallParts(ev.Response)
		if len(parts) > 0 {
			callParts = append(callParts, parts...)
			// The rest of this stream is moot; the conversation moves to
			// tool execution.
			_ = o.streams.Stop(streamID)
			break
		}

		if forward {
			if !emit(ctx, out, ev) {
				return nil, ctx.Err()
			}
		} else {
			o.buffered = append(o.buffered, ev)
		}
	}

	if len(callParts) == 0 && forward {
		emit(ctx, out, genai.StreamEvent{Done: true})
	}
	return callParts, nil
}

// executeTools runs the registry under the supervisor and waits for the
// batch result. A spawn failure terminates the orchestrator cleanly
// instead of leaking an unsupervised worker.
func (o *Orchestrator) executeTools(ctx context.Context, calls []genai.ToolCall) ([]genai.ToolResult, error) {
	if o.registry == nil {
		return nil, genai.NewError(genai.KindInvalidState, "no tool registry configured")
	}

	type outcome struct {
		results []genai.ToolResult
		err     error
	}
	ch := make(chan outcome, 1)
	taskName := "tool-exec-" + uuid.NewString()
	if err := o.sup.Start(taskName, "tool-executor", func(taskCtx context.Context) error {
		defer o.sup.Forget(taskName)
		results, err := o.registry.Execute(ctx, calls)
		ch <- outcome{results: results, err: err}
		return err
	}); err != nil {
		monitoring.ToolExecutionsTotal.WithLabelValues("spawn_failed").Inc()
		return nil, genai.NewError(genai.KindInvalidState, "could not start tool execution: "+err.Error())
	}

	select {
	case oc := <-ch:
		if oc.err != nil {
			monitoring.ToolExecutionsTotal.WithLabelValues("error").Inc()
			return nil, oc.err
		}
		monitoring.ToolExecutionsTotal.WithLabelValues("ok").Inc()
		return oc.results, nil
	case <-ctx.Done():
		monitoring.ToolExecutionsTotal.WithLabelValues("canceled").Inc()
		return nil, &genai.Error{Kind: genai.KindTimeout, Code: "tool_execution_canceled", Message: ctx.Err().Error()}
	}
}

func (o *Orchestrator) emitError(out chan<- genai.StreamEvent, err error) {
	log.WithField("error", err).Debug("Tool orchestration failed")
	// Withheld phase-1 events are dropped, never leaked alongside the
	// terminal error.
	o.buffered = nil
	emit(context.Background(), out, genai.StreamEvent{Err: err, Done: true})
}

func emit(ctx context.Context, out chan<- genai.StreamEvent, ev genai.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// functionCallParts extracts the parts carrying function calls from one
// decoded event, preserving any thought signatures riding on them.
func functionCallParts(resp *genai.GenerateContentResponse) []genai.Part {
	if resp == nil {
		return nil
	}
	var parts []genai.Part
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p.FunctionCall != nil {
				parts = append(parts, p)
			}
		}
	}
	return parts
}

// collectCalls turns the trailing model turn's function-call parts into
// registry calls. A call without a server-issued id falls back to its
// name, matching the legacy Gemini response shape.
func collectCalls(history []genai.Content) []genai.ToolCall {
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1]
	if last.Role != "model" {
		return nil
	}
	var calls []genai.ToolCall
	for i, p := range last.Parts {
		if p.FunctionCall == nil {
			continue
		}
		id := p.FunctionCall.ID
		if id == "" {
			id = p.FunctionCall.Name
		}
		if id == "" {
			id = fmt.Sprintf("call-%d", i)
		}
		calls = append(calls, genai.ToolCall{
			CallID: id,
			Name:   p.FunctionCall.Name,
			Args:   p.FunctionCall.Args,
		})
	}
	return calls
}
