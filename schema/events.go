package schema

// Events fanned out to consumers (the SSE hub, the event bus, tests).
// Each channel reports independently so a failure in one never hides
// progress in another.

// TerminalStatusEvent reports a terminal channel state transition.
type TerminalStatusEvent struct {
	SessionID SessionID      `json:"session_id"`
	Status    TerminalStatus `json:"status"`
	Size      TerminalSize   `json:"size"`
}

// TerminalOutputEvent carries raw pty output in delivery order.
type TerminalOutputEvent struct {
	SessionID SessionID `json:"session_id"`
	Data      []byte    `json:"data"`
}

// ServicesEvent carries a reconciled service inventory, or the sticky
// poll error when the refresh failed and the previous inventory still
// stands.
type ServicesEvent struct {
	SessionID SessionID   `json:"session_id"`
	List      ServiceList `json:"list"`
	PollError string      `json:"poll_error,omitempty"`
}

// ServiceLogEvent carries one log tail event for the selected service.
type ServiceLogEvent struct {
	SessionID SessionID   `json:"session_id"`
	Service   ServiceName `json:"service"`
	Event     LogEvent    `json:"event"`
}

// GitStateEvent carries a wholesale-replaced working tree snapshot.
// Stale marks a snapshot seeded from the persisted store before the
// first live refresh landed.
type GitStateEvent struct {
	SessionID SessionID `json:"session_id"`
	State     GitState  `json:"state"`
	Stale     bool      `json:"stale,omitempty"`
}

// GitResultEvent surfaces the outcome of a mutating git action. Quiet
// results read as information; the rest as errors.
type GitResultEvent struct {
	SessionID SessionID       `json:"session_id"`
	Result    GitActionResult `json:"result"`
	Quiet     bool            `json:"quiet"`
}
