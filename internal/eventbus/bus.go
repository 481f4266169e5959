package eventbus

import (
	"context"
	"sync"

	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventTerminalStatus carries a terminal channel state change.
	EventTerminalStatus EventType = "terminal_status"
	// EventTerminalOutput carries raw terminal output bytes.
	EventTerminalOutput EventType = "terminal_output"
	// EventServices carries a reconciled service inventory.
	EventServices EventType = "services"
	// EventServiceLog carries a service log tail event.
	EventServiceLog EventType = "service_log"
	// EventGitState carries a replaced working tree snapshot.
	EventGitState EventType = "git_state"
	// EventGitResult carries a git action outcome.
	EventGitResult EventType = "git_result"
)

// Event represents a UI-facing event emitted by the sync service.
type Event struct {
	Type           EventType
	TerminalStatus schema.TerminalStatusEvent
	TerminalOutput schema.TerminalOutputEvent
	Services       schema.ServicesEvent
	ServiceLog     schema.ServiceLogEvent
	GitState       schema.GitStateEvent
	GitResult      schema.GitResultEvent
}

// Bus fanouts events to per-session subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.SessionID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.SessionID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the session and returns a channel + cancel.
func (b *Bus) Subscribe(sessionID schema.SessionID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	sessionSubs := b.subs[sessionID]
	if sessionSubs == nil {
		sessionSubs = make(map[chan Event]struct{})
		b.subs[sessionID] = sessionSubs
	}
	sessionSubs[ch] = struct{}{}
	count := len(sessionSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("session", sessionID).Debug("eventbus subscribe", "subs", count)
	}
	return ch, func() {
		b.mu.Lock()
		if subs := b.subs[sessionID]; subs != nil {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.subs, sessionID)
			}
		}
		b.mu.Unlock()
		close(ch)
		if b.log != nil {
			b.log.With("session", sessionID).Debug("eventbus unsubscribe")
		}
	}
}

// OnTerminalStatus publishes a terminal status event.
func (b *Bus) OnTerminalStatus(event schema.TerminalStatusEvent) {
	b.publish(event.SessionID, Event{Type: EventTerminalStatus, TerminalStatus: event})
}

// OnTerminalOutput publishes terminal output bytes.
func (b *Bus) OnTerminalOutput(event schema.TerminalOutputEvent) {
	b.publish(event.SessionID, Event{Type: EventTerminalOutput, TerminalOutput: event})
}

// OnServices publishes a service inventory event.
func (b *Bus) OnServices(event schema.ServicesEvent) {
	b.publish(event.SessionID, Event{Type: EventServices, Services: event})
}

// OnServiceLog publishes a service log tail event.
func (b *Bus) OnServiceLog(event schema.ServiceLogEvent) {
	b.publish(event.SessionID, Event{Type: EventServiceLog, ServiceLog: event})
}

// OnGitState publishes a working tree snapshot event.
func (b *Bus) OnGitState(event schema.GitStateEvent) {
	b.publish(event.SessionID, Event{Type: EventGitState, GitState: event})
}

// OnGitResult publishes a git action result event.
func (b *Bus) OnGitResult(event schema.GitResultEvent) {
	b.publish(event.SessionID, Event{Type: EventGitResult, GitResult: event})
}

func (b *Bus) publish(sessionID schema.SessionID, event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	sessionSubs := b.subs[sessionID]
	subs := make([]chan Event, 0, len(sessionSubs))
	for sub := range sessionSubs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 && b.log != nil {
		b.log.With("session", sessionID).Trace("eventbus dropped", "count", dropped)
	}
}
