// Package live implements bidirectional WebSocket sessions against the
// BidiGenerateContent endpoints: setup handshake, queued sends, tool-call
// callbacks and resumable reconnects.
package live

import (
	"time"

	"geminikit/genai"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)

// Config describes the session to establish. Everything except Model is
// optional.
type Config struct {
	Model             string
	GenerationConfig  *genai.GenerationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction *genai.Content           `json:"systemInstruction,omitempty"`
	Tools             []genai.Tool             `json:"tools,omitempty"`
	RealtimeInput     map[string]any           `json:"realtimeInputConfig,omitempty"`
	Compression       map[string]any           `json:"contextWindowCompression,omitempty"`
	AudioTranscript   map[string]any           `json:"outputAudioTranscription,omitempty"`
	Proactivity       map[string]any           `json:"proactivity,omitempty"`
	// ResumeHandle, when set, asks the server to resume a prior session.
	ResumeHandle string
	// Reconnect tunes automatic reconnection on retryable transport
	// failures. The zero value disables it.
	Reconnect ReconnectPolicy
}

// ReconnectPolicy bounds automatic reconnection.
type ReconnectPolicy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
}

// ServerContent is a decoded serverContent frame.
type ServerContent struct {
	ModelTurn    *genai.Content
	TurnComplete bool
	Interrupted  bool
	Raw          []byte
}

// ToolResponse answers one model-issued live function call.
type ToolResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

// GoAway announces an imminent server-side disconnect.
type GoAway struct {
	TimeLeft time.Duration
	// Handle is the current resumption handle, if the server issued one.
	Handle string
}

// Callbacks receive inbound traffic. All callbacks fire on the session's
// dispatch task in frame-arrival order; a slow callback delays later
// frames but never deadlocks the send path.
type Callbacks struct {
	// OnContent fires for every serverContent frame.
	OnContent func(ServerContent)
	// OnToolCall fires for toolCall frames. A non-nil return is sent
	// back as a toolResponse by the session itself.
	OnToolCall func(calls []genai.FunctionCall) []ToolResponse
	// OnToolCallCancellation fires when the server withdraws calls.
	OnToolCallCancellation func(ids []string)
	// OnGoAway fires when the server is about to disconnect.
	OnGoAway func(GoAway)
	// OnUsage fires for usageMetadata frames.
	OnUsage func(*genai.UsageMetadata)
	// OnStateChange observes lifecycle transitions.
	OnStateChange func(State)
}

// Stats aggregates session counters.
type Stats struct {
	FramesSent     int64
	FramesReceived int64
	Reconnects     int64
	TotalTokens    int64
}
