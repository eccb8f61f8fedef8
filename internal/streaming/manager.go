// Package streaming owns SSE stream lifecycles: registry, fan-out to
// monitored subscribers, abort-on-abandon and exactly-once release.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"geminikit/genai"
	"geminikit/internal/constants"
	"geminikit/internal/monitoring"
	"geminikit/internal/ratelimit"
	"geminikit/internal/runtime"
	"geminikit/internal/transport"
)

// Status is the lifecycle state of one stream.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusStopped   Status = "stopped"
)

// subscriberBuffer bounds each subscriber channel. Sends block (never
// drop) once full, preserving arrival order end to end.
const subscriberBuffer = 64

type subscriber struct {
	id      string
	ch      chan genai.StreamEvent
	done    <-chan struct{}
	addedAt time.Time
}

type stream struct {
	id     string
	model  string
	cancel context.CancelFunc

	mu          sync.Mutex
	status      Status
	subs        map[string]*subscriber
	eventsCount int64
	lastEventAt time.Time
	usageTokens int64
	release     ratelimit.ReleaseFunc
}

// Info is the observable state of one stream.
type Info struct {
	StreamID    string    `json:"stream_id"`
	Model       string    `json:"model"`
	Status      Status    `json:"status"`
	Subscribers int       `json:"subscribers"`
	EventsCount int64     `json:"events_count"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

// StartSpec describes a stream to launch. Open is retried/permit-gated
// by the caller through the rate-limit manager before it reaches here.
type StartSpec struct {
	Model   string
	Open    func(ctx context.Context) (*http.Response, error)
	Release ratelimit.ReleaseFunc
}

// Manager is the single public surface for SSE streams.
type Manager struct {
	sup        *runtime.Supervisor
	maxStreams int
	grace      time.Duration

	mu      sync.RWMutex
	streams map[string]*stream
}

// NewManager creates a streaming manager spawning runners under sup.
func NewManager(sup *runtime.Supervisor, maxStreams int) *Manager {
	return &Manager{
		sup:        sup,
		maxStreams: maxStreams,
		grace:      constants.SubscriberGracePeriodMS * time.Millisecond,
		streams:    make(map[string]*stream),
	}
}

// Start opens the upstream stream and spawns a supervised runner. It
// returns the stream id once the runner is registered.
func (m *Manager) Start(ctx context.Context, spec StartSpec) (string, error) {
	m.mu.Lock()
	if m.maxStreams > 0 && len(m.streams) >= m.maxStreams {
		m.evictTerminalLocked()
	}
	if m.maxStreams > 0 && len(m.streams) >= m.maxStreams {
		m.mu.Unlock()
		if spec.Release != nil {
			spec.Release(0)
		}
		return "", &genai.Error{Kind: genai.KindOverCapacity, Code: "max_streams_reached",
			Message: fmt.Sprintf("stream registry is full (%d)", m.maxStreams)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	st := &stream{
		id:      uuid.NewString(),
		model:   spec.Model,
		cancel:  cancel,
		status:  StatusStarting,
		subs:    make(map[string]*subscriber),
		release: spec.Release,
	}
	m.streams[st.id] = st
	m.mu.Unlock()

	resp, err := spec.Open(runCtx)
	if err != nil {
		cancel()
		m.mu.Lock()
		delete(m.streams, st.id)
		m.mu.Unlock()
		st.finalize(StatusError)
		return "", err
	}

	taskName := "stream-runner-" + st.id
	if err := m.sup.Start(taskName, "sse-runner", func(taskCtx context.Context) error {
		defer m.sup.Forget(taskName)
		m.run(taskCtx, runCtx, st, resp)
		return nil
	}); err != nil {
		cancel()
		_ = resp.Body.Close()
		m.mu.Lock()
		delete(m.streams, st.id)
		m.mu.Unlock()
		st.finalize(StatusError)
		return "", &genai.Error{Kind: genai.KindInvalidState, Code: "runner_start_failed",
			Message: "could not start stream runner: " + err.Error()}
	}

	monitoring.StreamsActive.Inc()
	st.mu.Lock()
	if st.status == StatusStarting {
		st.status = StatusActive
	}
	st.mu.Unlock()
	return st.id, nil
}

// evictTerminalLocked reclaims registry slots held by terminated
// streams. Terminal entries stay queryable until capacity pressure
// removes them. Caller holds m.mu.
func (m *Manager) evictTerminalLocked() {
	for id, st := range m.streams {
		st.mu.Lock()
		terminal := st.status == StatusCompleted || st.status == StatusError || st.status == StatusStopped
		st.mu.Unlock()
		if terminal {
			delete(m.streams, id)
		}
	}
}

// run consumes the SSE body and fans events out.
func (m *Manager) run(taskCtx, runCtx context.Context, st *stream, resp *http.Response) {
	defer resp.Body.Close()
	defer monitoring.StreamsActive.Dec()

	// Supervisor shutdown aborts the stream like an explicit stop.
	stop := context.AfterFunc(taskCtx, st.cancel)
	defer stop()
	// The response may have been opened under the caller's context rather
	// than runCtx, so stop/abandon also closes the body to unblock a
	// pending read.
	bodyStop := context.AfterFunc(runCtx, func() { _ = resp.Body.Close() })
	defer bodyStop()
	ctx := runCtx

	err := transport.ScanSSE(ctx, resp.Body, func(data []byte) {
		ev := genai.StreamEvent{Raw: data}
		var decoded genai.GenerateContentResponse
		if uerr := json.Unmarshal(data, &decoded); uerr == nil {
			ev.Response = &decoded
			if decoded.UsageMetadata != nil && decoded.UsageMetadata.TotalTokenCount > 0 {
				st.mu.Lock()
				st.usageTokens = int64(decoded.UsageMetadata.TotalTokenCount)
				st.mu.Unlock()
			}
		} else {
			// Unknown frames are forwarded raw for forward compatibility.
			log.WithFields(log.Fields{"stream_id": st.id, "error": uerr}).Debug("Undecodable SSE frame")
		}
		monitoring.StreamEventsTotal.WithLabelValues(st.model).Inc()
		m.forward(ctx, st, ev, false)
	})

	if ctx.Err() != nil {
		// Stopped or abandoned; finalize already ran on that path.
		st.finalize(StatusStopped)
		st.closeSubs()
		return
	}
	if err != nil {
		m.forward(ctx, st, genai.StreamEvent{Err: err, Done: true}, true)
		st.finalize(StatusError)
		return
	}
	m.forward(ctx, st, genai.StreamEvent{Done: true}, true)
	st.finalize(StatusCompleted)
}

// forward delivers one event to every live subscriber in order.
func (m *Manager) forward(ctx context.Context, st *stream, ev genai.StreamEvent, terminal bool) {
	st.mu.Lock()
	if !terminal {
		st.eventsCount++
		st.lastEventAt = time.Now()
	}
	targets := make([]*subscriber, 0, len(st.subs))
	for _, sub := range st.subs {
		targets = append(targets, sub)
	}
	st.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		case <-sub.done:
			m.removeSubscriber(st, sub, false)
		case <-ctx.Done():
			return
		}
	}
	if terminal {
		st.closeSubs()
	}
}

// closeSubs closes every subscriber channel. Only the runner goroutine
// calls this, so a close can never race a pending send.
func (st *stream) closeSubs() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, sub := range st.subs {
		close(sub.ch)
	}
	st.subs = make(map[string]*subscriber)
}

// finalize invokes the release function exactly once with final usage.
func (st *stream) finalize(status Status) {
	st.mu.Lock()
	switch st.status {
	case StatusCompleted, StatusError, StatusStopped:
		st.mu.Unlock()
		return
	default:
	}
	st.status = status
	usage := st.usageTokens
	release := st.release
	st.mu.Unlock()

	if release != nil {
		release(usage)
	}
}

// Subscribe attaches a monitored subscriber and returns its event
// channel. The channel closes when the stream terminates.
func (m *Manager) Subscribe(streamID, subscriberID string, done <-chan struct{}) (<-chan genai.StreamEvent, error) {
	st, err := m.get(streamID)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		id:      subscriberID,
		ch:      make(chan genai.StreamEvent, subscriberBuffer),
		done:    done,
		addedAt: time.Now(),
	}

	st.mu.Lock()
	switch st.status {
	case StatusCompleted, StatusError, StatusStopped:
		st.mu.Unlock()
		return nil, &genai.Error{Kind: genai.KindInvalidState, Code: "stream_terminated",
			Message: "stream " + streamID + " is no longer active"}
	default:
	}
	st.subs[subscriberID] = sub
	st.mu.Unlock()

	if done != nil {
		watcher := "subscriber-watcher-" + streamID + "-" + uuid.NewString()
		if err := m.sup.Watch(watcher, done, func() {
			m.removeSubscriber(st, sub, true)
			m.sup.Forget(watcher)
		}); err != nil {
			m.removeSubscriber(st, sub, false)
			return nil, &genai.Error{Kind: genai.KindInvalidState, Code: "watcher_start_failed",
				Message: "could not monitor subscriber: " + err.Error()}
		}
	}
	return sub.ch, nil
}

// removeSubscriber drops one subscriber. Removals triggered by liveness
// monitoring honor the registration grace window: a freshly registered
// subscriber is not removed by a stale death notification racing its
// registration.
func (m *Manager) removeSubscriber(st *stream, sub *subscriber, monitored bool) {
	st.mu.Lock()
	current, ok := st.subs[sub.id]
	if !ok || current != sub {
		st.mu.Unlock()
		return
	}
	if monitored && time.Since(sub.addedAt) < m.grace {
		select {
		case <-sub.done:
			// Genuinely dead; fall through and remove.
		default:
			st.mu.Unlock()
			return
		}
	}
	delete(st.subs, sub.id)
	empty := len(st.subs) == 0
	active := st.status == StatusActive || st.status == StatusStarting
	st.mu.Unlock()

	if empty && active {
		log.WithFields(log.Fields{"stream_id": st.id}).Debug("Last subscriber left, aborting stream")
		st.cancel()
		st.finalize(StatusStopped)
	}
}

// Unsubscribe detaches a subscriber explicitly.
func (m *Manager) Unsubscribe(streamID, subscriberID string) error {
	st, err := m.get(streamID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	sub, ok := st.subs[subscriberID]
	st.mu.Unlock()
	if !ok {
		return nil
	}
	// Explicit unsubscribe bypasses the grace window.
	m.removeSubscriber(st, sub, false)
	return nil
}

// Stop aborts a stream and releases its permit.
func (m *Manager) Stop(streamID string) error {
	st, err := m.get(streamID)
	if err != nil {
		return err
	}
	st.cancel()
	st.finalize(StatusStopped)
	return nil
}

// Status returns the observable state of one stream.
func (m *Manager) Status(streamID string) (Info, error) {
	st, err := m.get(streamID)
	if err != nil {
		return Info{}, err
	}
	return st.info(), nil
}

// List returns every registered stream.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.streams))
	for _, st := range m.streams {
		out = append(out, st.info())
	}
	return out
}

// Remove drops a terminated stream from the registry.
func (m *Manager) Remove(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.streams[streamID]; ok {
		st.mu.Lock()
		terminal := st.status == StatusCompleted || st.status == StatusError || st.status == StatusStopped
		st.mu.Unlock()
		if terminal {
			delete(m.streams, streamID)
		}
	}
}

// Shutdown aborts every stream.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for _, st := range m.streams {
		streams = append(streams, st)
	}
	m.streams = make(map[string]*stream)
	m.mu.Unlock()

	for _, st := range streams {
		st.cancel()
		st.finalize(StatusStopped)
	}
}

func (m *Manager) get(streamID string) (*stream, error) {
	m.mu.RLock()
	st, ok := m.streams[streamID]
	m.mu.RUnlock()
	if !ok {
		return nil, &genai.Error{Kind: genai.KindInvalidState, Code: "stream_not_found",
			Message: "unknown stream " + streamID}
	}
	return st, nil
}

func (st *stream) info() Info {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Info{
		StreamID:    st.id,
		Model:       st.model,
		Status:      st.status,
		Subscribers: len(st.subs),
		EventsCount: st.eventsCount,
		LastEventAt: st.lastEventAt,
	}
}
