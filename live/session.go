package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"geminikit/config"
	"geminikit/genai"
	"geminikit/internal/auth"
	"geminikit/internal/constants"
	"geminikit/internal/models"
	"geminikit/internal/monitoring"
	"geminikit/internal/runtime"
)

// sendBuffer bounds the outbound mailbox. Tool-callback self-sends post
// here asynchronously, so dispatch never blocks on its own send path.
const sendBuffer = 32

// Session is one live WebSocket conversation. All state mutations happen
// on the session's own tasks; public methods only post to the mailbox.
type Session struct {
	procCfg   config.Config
	liveCfg   Config
	callbacks Callbacks
	coord     *auth.Coordinator
	sup       *runtime.Supervisor
	dialer    *websocket.Dialer
	endpoint  string
	id        string

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	pendingSends [][]byte
	handle       string
	pendingCalls map[string]time.Time
	stats        Stats
	reconnects   int

	sendCh chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	gauged bool
}

// Option customizes a session.
type Option func(*Session)

// WithEndpoint overrides the WebSocket URL, for tests.
func WithEndpoint(url string) Option {
	return func(s *Session) { s.endpoint = url }
}

// WithDialer swaps the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// NewSession validates configuration and builds a disconnected session.
// Vertex AI sessions require a project id before any network activity.
func NewSession(procCfg config.Config, liveCfg Config, cb Callbacks, coord *auth.Coordinator, sup *runtime.Supervisor, opts ...Option) (*Session, error) {
	if liveCfg.Model == "" {
		liveCfg.Model = procCfg.DefaultModel
	}
	if _, err := models.Normalize(liveCfg.Model); err != nil {
		return nil, &genai.Error{Kind: genai.KindInvalidRequest, Code: "invalid_model", Message: err.Error()}
	}
	if coord == nil {
		coord = auth.NewCoordinator(nil)
	}

	resolved, mode, err := resolveMode(procCfg)
	if err != nil {
		return nil, err
	}
	if mode == config.AuthVertex && resolved.ProjectID == "" {
		return nil, &genai.Error{Kind: genai.KindMissingCredentials, Code: "project_id_required_for_vertex_ai",
			Message: "Vertex AI live sessions require a project_id"}
	}

	s := &Session{
		procCfg:   procCfg,
		liveCfg:   liveCfg,
		callbacks: cb,
		coord:     coord,
		sup:       sup,
		dialer: &websocket.Dialer{
			HandshakeTimeout: constants.LiveDialTimeout,
		},
		id:           uuid.NewString(),
		state:        StateDisconnected,
		pendingCalls: make(map[string]time.Time),
		sendCh:       make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		handle:       liveCfg.ResumeHandle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// resolveMode mirrors the coordinator's auto-detection without touching
// the network, so validation can run before any dial.
func resolveMode(cfg config.Config) (auth.Credentials, config.AuthMode, error) {
	creds := auth.Credentials{
		APIKey:             cfg.APIKey,
		ProjectID:          cfg.ProjectID,
		Location:           cfg.Location,
		AccessToken:        cfg.AccessToken,
		QuotaProjectID:     cfg.QuotaProjectID,
		ServiceAccountPath: cfg.ServiceAccountPath,
	}
	mode := cfg.AuthMode
	if mode == config.AuthAuto {
		switch {
		case creds.APIKey != "":
			mode = config.AuthAPIKey
		case creds.ProjectID != "" || creds.ServiceAccountPath != "" || creds.AccessToken != "":
			mode = config.AuthVertex
		default:
			return creds, mode, genai.NewError(genai.KindMissingCredentials,
				"no credentials configured for a live session")
		}
	}
	return creds, mode, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the current resumption handle, if any.
func (s *Session) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(st)
	}
}

// Connect dials the endpoint, sends the setup frame and spawns the
// session tasks. It returns once the socket is established; readiness
// arrives asynchronously with the server's setupComplete.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		return &genai.Error{Kind: genai.KindInvalidState, Code: "already_connected",
			Message: "connect called in state " + string(st)}
	}
	s.state = StateConnecting
	s.mu.Unlock()
	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(StateConnecting)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.dial(ctx); err != nil {
		s.setState(StateClosed)
		cancel()
		return err
	}

	if err := s.sup.Start("live-write-"+s.id, "live-writer", s.writeLoop); err != nil {
		s.teardown()
		return &genai.Error{Kind: genai.KindInvalidState, Code: "task_start_failed", Message: err.Error()}
	}
	if err := s.sup.Start("live-read-"+s.id, "live-reader", s.readLoop); err != nil {
		s.teardown()
		return &genai.Error{Kind: genai.KindInvalidState, Code: "task_start_failed", Message: err.Error()}
	}
	monitoring.LiveSessionsActive.Inc()
	s.mu.Lock()
	s.gauged = true
	s.mu.Unlock()
	return nil
}

// dial resolves auth, opens the socket and writes the setup frame.
func (s *Session) dial(ctx context.Context) error {
	resolved, err := s.coord.Coordinate(ctx, s.procCfg, auth.Overrides{})
	if err != nil {
		return err
	}

	url := s.endpoint
	header := http.Header{}
	if url == "" {
		url, err = resolved.Strategy.LiveURL(&resolved.Creds)
		if err != nil {
			return err
		}
	}
	if resolved.Strategy.Name() == "vertex_ai" {
		// Bearer auth travels in the upgrade request headers.
		for k, vs := range resolved.Headers {
			for _, v := range vs {
				header.Add(k, v)
			}
		}
	}

	conn, resp, err := s.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &genai.Error{Kind: genai.KindMissingCredentials, HTTPStatus: resp.StatusCode,
				Code: "upgrade_rejected", Message: "WebSocket upgrade rejected: " + resp.Status}
		}
		return genai.FromNetwork(err)
	}

	s.mu.Lock()
	s.conn = conn
	handle := s.handle
	s.mu.Unlock()

	setup, err := s.setupFrame(resolved, handle)
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(constants.LiveWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, setup); err != nil {
		_ = conn.Close()
		return genai.FromNetwork(err)
	}
	return nil
}

// setupFrame builds the initial client frame.
func (s *Session) setupFrame(resolved *auth.Resolved, handle string) ([]byte, error) {
	model, err := models.Normalize(s.liveCfg.Model)
	if err != nil {
		return nil, err
	}
	var resource string
	if resolved.Strategy.Name() == "vertex_ai" {
		resource = "projects/" + resolved.Creds.ProjectID + "/locations/" + resolved.Creds.Location +
			"/publishers/google/models/" + model
	} else {
		resource = "models/" + model
	}

	setup := map[string]any{"model": resource}
	if s.liveCfg.GenerationConfig != nil {
		setup["generationConfig"] = s.liveCfg.GenerationConfig
	}
	if s.liveCfg.SystemInstruction != nil {
		setup["systemInstruction"] = s.liveCfg.SystemInstruction
	}
	if len(s.liveCfg.Tools) > 0 {
		setup["tools"] = s.liveCfg.Tools
	}
	if s.liveCfg.RealtimeInput != nil {
		setup["realtimeInputConfig"] = s.liveCfg.RealtimeInput
	}
	if s.liveCfg.Compression != nil {
		setup["contextWindowCompression"] = s.liveCfg.Compression
	}
	if s.liveCfg.AudioTranscript != nil {
		setup["outputAudioTranscription"] = s.liveCfg.AudioTranscript
	}
	if s.liveCfg.Proactivity != nil {
		setup["proactivity"] = s.liveCfg.Proactivity
	}
	if handle != "" {
		setup["sessionResumption"] = map[string]any{"handle": handle}
	} else if s.liveCfg.ResumeHandle == "" {
		// Always ask for resumption updates so GoAway can hand the
		// application a handle.
		setup["sessionResumption"] = map[string]any{}
	}
	return json.Marshal(map[string]any{"setup": setup})
}

// enqueue routes one outbound frame: straight to the mailbox when ready,
// into the pending queue while connecting.
func (s *Session) enqueue(frame []byte) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		select {
		case s.sendCh <- frame:
			return nil
		case <-s.done:
			return genai.NewError(genai.KindInvalidState, "session closed")
		}
	case StateConnecting:
		s.pendingSends = append(s.pendingSends, frame)
		s.mu.Unlock()
		return nil
	default:
		st := s.state
		s.mu.Unlock()
		return &genai.Error{Kind: genai.KindInvalidState, Code: "session_not_writable",
			Message: "send in state " + string(st)}
	}
}

// SendClientContent appends conversation turns.
func (s *Session) SendClientContent(turns []genai.Content, turnComplete bool) error {
	frame, err := json.Marshal(map[string]any{
		"clientContent": map[string]any{"turns": turns, "turnComplete": turnComplete},
	})
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

// SendRealtimeInput submits out-of-turn input (text, audio, video or
// activity markers) exactly as given.
func (s *Session) SendRealtimeInput(input map[string]any) error {
	frame, err := json.Marshal(map[string]any{"realtimeInput": input})
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

// SendToolResponse answers earlier toolCall frames.
func (s *Session) SendToolResponse(responses []ToolResponse) error {
	frame, err := json.Marshal(map[string]any{
		"toolResponse": map[string]any{"functionResponses": responses},
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, r := range responses {
		delete(s.pendingCalls, r.ID)
	}
	s.mu.Unlock()
	return s.enqueue(frame)
}

// Close shuts the session down gracefully. Queued sends are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.pendingSends = nil
	conn := s.conn
	s.mu.Unlock()
	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(StateClosing)
	}

	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(constants.LiveWriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}
	s.teardown()
	return nil
}

// teardown closes the socket and stops both tasks.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	gauged := s.gauged
	s.gauged = false
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if gauged {
		monitoring.LiveSessionsActive.Dec()
	}
	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(StateClosed)
	}
}

// writeLoop drains the mailbox onto the socket and heartbeats idle
// connections.
func (s *Session) writeLoop(ctx context.Context) error {
	ping := time.NewTicker(constants.LivePingInterval)
	defer ping.Stop()

	for {
		select {
		case frame := <-s.sendCh:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(constants.LiveWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithFields(log.Fields{"session": s.id, "error": err}).Debug("Live write failed")
				return nil
			}
			s.mu.Lock()
			s.stats.FramesSent++
			s.mu.Unlock()
		case <-ping.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(constants.LiveWriteTimeout))
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// readLoop consumes inbound frames and dispatches them in arrival order,
// reconnecting on retryable failures when policy allows.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return nil
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if s.State() == StateClosing || s.State() == StateClosed {
				return nil
			}
			if s.tryReconnect(ctx, err) {
				continue
			}
			s.teardown()
			return nil
		}

		s.mu.Lock()
		s.stats.FramesReceived++
		s.mu.Unlock()
		s.dispatch(frame)
	}
}

// tryReconnect redials with the stored resumption handle. Only transport
// failures are retried; auth rejections abort.
func (s *Session) tryReconnect(ctx context.Context, cause error) bool {
	policy := s.liveCfg.Reconnect
	if policy.Attempts <= 0 || !retryableDial(cause) {
		return false
	}

	delay := policy.Delay
	if delay <= 0 {
		delay = time.Second
	}
	backoff := policy.Backoff
	if backoff < 1 {
		backoff = 1
	}

	for attempt := 0; attempt < policy.Attempts; attempt++ {
		s.mu.Lock()
		if s.reconnects >= policy.Attempts || s.state == StateClosing || s.state == StateClosed {
			s.mu.Unlock()
			return false
		}
		s.reconnects++
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.state = StateConnecting
		s.stats.Reconnects++
		s.mu.Unlock()
		monitoring.LiveReconnectsTotal.Inc()
		if s.callbacks.OnStateChange != nil {
			s.callbacks.OnStateChange(StateConnecting)
		}

		log.WithFields(log.Fields{"session": s.id, "attempt": attempt + 1, "cause": cause}).Info("Reconnecting live session")

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false
		case <-s.done:
			t.Stop()
			return false
		}
		delay = time.Duration(float64(delay) * backoff)

		if err := s.dial(ctx); err != nil {
			if e, ok := genai.AsError(err); ok && e.Kind == genai.KindMissingCredentials {
				return false
			}
			continue
		}
		return true
	}
	return false
}

// retryableDial reports whether a socket failure is worth a reconnect.
func retryableDial(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return false
	}
	e := genai.FromNetwork(err)
	switch e.Code {
	case "timeout", "connection_refused", "connection_reset", "network_error":
		return true
	}
	// Server-initiated abnormal closures are also retryable.
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure)
}

// dispatch routes one inbound frame by its discriminator.
func (s *Session) dispatch(frame []byte) {
	root := gjson.ParseBytes(frame)

	switch {
	case root.Get("setupComplete").Exists():
		s.onSetupComplete()

	case root.Get("serverContent").Exists():
		sc := root.Get("serverContent")
		content := ServerContent{
			TurnComplete: sc.Get("turnComplete").Bool(),
			Interrupted:  sc.Get("interrupted").Bool(),
			Raw:          []byte(sc.Raw),
		}
		if mt := sc.Get("modelTurn"); mt.Exists() {
			var turn genai.Content
			if err := json.Unmarshal([]byte(mt.Raw), &turn); err == nil {
				content.ModelTurn = &turn
			}
		}
		if s.callbacks.OnContent != nil {
			s.callbacks.OnContent(content)
		}

	case root.Get("toolCall").Exists():
		s.onToolCall(root.Get("toolCall"))

	case root.Get("toolCallCancellation").Exists():
		var ids []string
		root.Get("toolCallCancellation.ids").ForEach(func(_, v gjson.Result) bool {
			ids = append(ids, v.String())
			return true
		})
		s.mu.Lock()
		for _, id := range ids {
			delete(s.pendingCalls, id)
		}
		s.mu.Unlock()
		if s.callbacks.OnToolCallCancellation != nil {
			s.callbacks.OnToolCallCancellation(ids)
		}

	case root.Get("sessionResumptionUpdate").Exists():
		upd := root.Get("sessionResumptionUpdate")
		if upd.Get("resumable").Bool() {
			s.mu.Lock()
			s.handle = upd.Get("newHandle").String()
			s.mu.Unlock()
		}

	case root.Get("goAway").Exists():
		left := root.Get("goAway.timeLeft").String()
		var d time.Duration
		if left != "" {
			if parsed, err := time.ParseDuration(left); err == nil {
				d = parsed
			}
		}
		if s.callbacks.OnGoAway != nil {
			s.callbacks.OnGoAway(GoAway{TimeLeft: d, Handle: s.Handle()})
		}

	case root.Get("usageMetadata").Exists():
		var usage genai.UsageMetadata
		if err := json.Unmarshal([]byte(root.Get("usageMetadata").Raw), &usage); err == nil {
			s.mu.Lock()
			s.stats.TotalTokens += int64(usage.TotalTokenCount)
			s.mu.Unlock()
			if s.callbacks.OnUsage != nil {
				s.callbacks.OnUsage(&usage)
			}
		}

	default:
		// Unknown frames are tolerated for forward compatibility.
		log.WithField("session", s.id).Debug("Unrecognized live frame")
	}
}

// onSetupComplete flips the session ready and drains queued sends in
// submission order.
func (s *Session) onSetupComplete() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	queued := s.pendingSends
	s.pendingSends = nil
	s.mu.Unlock()

	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(StateReady)
	}
	for _, frame := range queued {
		select {
		case s.sendCh <- frame:
		case <-s.done:
			return
		}
	}
}

// onToolCall decodes the calls and runs the callback on a supervised
// task. Responses are posted through the mailbox, never written from the
// dispatch path directly.
func (s *Session) onToolCall(tc gjson.Result) {
	var calls []genai.FunctionCall
	tc.Get("functionCalls").ForEach(func(_, v gjson.Result) bool {
		var call genai.FunctionCall
		if err := json.Unmarshal([]byte(v.Raw), &call); err == nil {
			calls = append(calls, call)
		}
		return true
	})
	if len(calls) == 0 {
		return
	}

	s.mu.Lock()
	deadline := time.Now().Add(constants.DefaultRequestTimeout)
	for _, c := range calls {
		id := c.ID
		if id == "" {
			id = c.Name
		}
		s.pendingCalls[id] = deadline
	}
	s.mu.Unlock()

	if s.callbacks.OnToolCall == nil {
		return
	}
	taskName := "live-tool-" + uuid.NewString()
	if err := s.sup.Start(taskName, "live-tool-callback", func(ctx context.Context) error {
		defer s.sup.Forget(taskName)
		responses := s.callbacks.OnToolCall(calls)
		if len(responses) == 0 {
			return nil
		}
		if err := s.SendToolResponse(responses); err != nil {
			// Socket gone; the response is discarded.
			log.WithFields(log.Fields{"session": s.id, "error": err}).Debug("Tool response dropped")
		}
		return nil
	}); err != nil {
		log.WithFields(log.Fields{"session": s.id, "error": err}).Error("Could not start tool callback task")
	}
}
