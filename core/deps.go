package core

import (
	"github.com/proliferate-ai/proliferate-sub003/internal/persist"
	"pkt.systems/pslog"
)

// ServiceDeps captures dependencies for the sync service. Resolver and
// Transports are required; the rest are optional.
type ServiceDeps struct {
	Resolver   TokenResolver
	Transports TransportProvider
	EventSink  EventSink
	Store      *persist.Store
	Logger     pslog.Logger
}
