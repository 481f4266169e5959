package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/proliferate-ai/proliferate-sub003/internal/logx"
	"github.com/proliferate-ai/proliferate-sub003/schema"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq       uint64                      `json:"seq"`
	Type      string                      `json:"type"`
	SessionID schema.SessionID            `json:"session_id,omitempty"`
	Terminal  *schema.TerminalStatusEvent `json:"terminal,omitempty"`
	Output    *schema.TerminalOutputEvent `json:"output,omitempty"`
	Services  *schema.ServicesEvent       `json:"services,omitempty"`
	Log       *schema.ServiceLogEvent     `json:"log,omitempty"`
	Git       *schema.GitStateEvent       `json:"git,omitempty"`
	Result    *schema.GitResultEvent      `json:"result,omitempty"`
	Snapshot  *schema.SyncSnapshot        `json:"snapshot,omitempty"`
	Timestamp time.Time                   `json:"timestamp"`
}

// Hub broadcasts channel events per session.
type Hub struct {
	mu          sync.Mutex
	sessions    map[schema.SessionID]*sessionHub
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		sessions:    make(map[schema.SessionID]*sessionHub),
		historySize: historySize,
	}
}

// OnTerminalStatus implements core.EventSink.
func (h *Hub) OnTerminalStatus(event schema.TerminalStatusEvent) {
	log := logx.WithSession(context.Background(), event.SessionID)
	log.Trace("hub terminal status event", "status", event.Status)
	h.publish(event.SessionID, StreamEvent{
		Type:      "terminal_status",
		SessionID: event.SessionID,
		Terminal:  &event,
		Timestamp: time.Now(),
	})
}

// OnTerminalOutput implements core.EventSink.
func (h *Hub) OnTerminalOutput(event schema.TerminalOutputEvent) {
	log := logx.WithSession(context.Background(), event.SessionID)
	log.Trace("hub terminal output event", "bytes", len(event.Data))
	h.publish(event.SessionID, StreamEvent{
		Type:      "terminal_output",
		SessionID: event.SessionID,
		Output:    &event,
		Timestamp: time.Now(),
	})
}

// OnServices implements core.EventSink.
func (h *Hub) OnServices(event schema.ServicesEvent) {
	log := logx.WithSession(context.Background(), event.SessionID)
	log.Trace("hub services event", "count", len(event.List.Services), "poll_error", event.PollError)
	h.publish(event.SessionID, StreamEvent{
		Type:      "services",
		SessionID: event.SessionID,
		Services:  &event,
		Timestamp: time.Now(),
	})
}

// OnServiceLog implements core.EventSink.
func (h *Hub) OnServiceLog(event schema.ServiceLogEvent) {
	h.publish(event.SessionID, StreamEvent{
		Type:      "service_log",
		SessionID: event.SessionID,
		Log:       &event,
		Timestamp: time.Now(),
	})
}

// OnGitState implements core.EventSink.
func (h *Hub) OnGitState(event schema.GitStateEvent) {
	log := logx.WithSession(context.Background(), event.SessionID)
	log.Trace("hub git state event", "branch", event.State.Branch, "stale", event.Stale)
	h.publish(event.SessionID, StreamEvent{
		Type:      "git_state",
		SessionID: event.SessionID,
		Git:       &event,
		Timestamp: time.Now(),
	})
}

// OnGitResult implements core.EventSink.
func (h *Hub) OnGitResult(event schema.GitResultEvent) {
	log := logx.WithSession(context.Background(), event.SessionID)
	log.Debug("hub git result event", "action", event.Result.Action, "success", event.Result.Success)
	h.publish(event.SessionID, StreamEvent{
		Type:      "git_result",
		SessionID: event.SessionID,
		Result:    &event,
		Timestamp: time.Now(),
	})
}

// Subscribe registers a subscriber for a session.
func (h *Hub) Subscribe(sessionID schema.SessionID) (<-chan StreamEvent, func(), uint64, []StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.getOrCreateSessionHubLocked(sessionID)
	ch := make(chan StreamEvent, 256)
	sh.subs[ch] = struct{}{}
	history := append([]StreamEvent(nil), sh.history...)
	seq := sh.seq
	log := logx.WithSession(context.Background(), sessionID)
	log.Info("hub subscribe", "subs", len(sh.subs), "history", len(history))
	unsub := func() {
		h.mu.Lock()
		delete(sh.subs, ch)
		close(ch)
		remaining := len(sh.subs)
		h.mu.Unlock()
		log.Info("hub unsubscribe", "subs", remaining)
	}
	return ch, unsub, seq, history
}

// Replay returns events after the provided seq.
func (h *Hub) Replay(sessionID schema.SessionID, after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.sessions[sessionID]
	if sh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(sh.history))
	for _, event := range sh.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	logx.WithSession(context.Background(), sessionID).Debug("hub replay", "after", after, "count", len(events))
	return events
}

func (h *Hub) publish(sessionID schema.SessionID, event StreamEvent) {
	h.mu.Lock()
	sh := h.getOrCreateSessionHubLocked(sessionID)
	sh.seq++
	event.Seq = sh.seq
	sh.history = append(sh.history, event)
	if len(sh.history) > h.historySize {
		sh.history = sh.history[len(sh.history)-h.historySize:]
	}
	subs := make([]chan StreamEvent, 0, len(sh.subs))
	for sub := range sh.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		logx.WithSession(context.Background(), sessionID).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateSessionHubLocked(sessionID schema.SessionID) *sessionHub {
	sh := h.sessions[sessionID]
	if sh == nil {
		sh = &sessionHub{
			subs: make(map[chan StreamEvent]struct{}),
		}
		h.sessions[sessionID] = sh
	}
	return sh
}

type sessionHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}
