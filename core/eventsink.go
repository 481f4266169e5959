package core

import "github.com/proliferate-ai/proliferate-sub003/schema"

// EventSink receives channel events from the sync service. Each
// channel reports independently; a sink method is never called while
// the service lock is held.
type EventSink interface {
	OnTerminalStatus(event schema.TerminalStatusEvent)
	OnTerminalOutput(event schema.TerminalOutputEvent)
	OnServices(event schema.ServicesEvent)
	OnServiceLog(event schema.ServiceLogEvent)
	OnGitState(event schema.GitStateEvent)
	OnGitResult(event schema.GitResultEvent)
}
