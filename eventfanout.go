package proliferate

import (
	"github.com/proliferate-ai/proliferate-sub003/core"
	"github.com/proliferate-ai/proliferate-sub003/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnTerminalStatus(event schema.TerminalStatusEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnTerminalStatus(event)
	}
}

func (f eventFanout) OnTerminalOutput(event schema.TerminalOutputEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnTerminalOutput(event)
	}
}

func (f eventFanout) OnServices(event schema.ServicesEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnServices(event)
	}
}

func (f eventFanout) OnServiceLog(event schema.ServiceLogEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnServiceLog(event)
	}
}

func (f eventFanout) OnGitState(event schema.GitStateEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnGitState(event)
	}
}

func (f eventFanout) OnGitResult(event schema.GitResultEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnGitResult(event)
	}
}
