package core

import (
	"context"
	"sync"
	"time"

	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// servicesChannel reconciles the sandbox service inventory on a fixed
// poll cadence. A failed poll keeps the previous inventory and raises
// a sticky error that the next success clears. At most one service log
// tail is live at a time.
type servicesChannel struct {
	session   schema.SessionID
	transport Transport
	sink      EventSink
	cfg       schema.SyncConfig
	log       pslog.Logger

	mu        sync.Mutex
	list      schema.ServiceList
	pollErr   string
	stale     bool
	selected  schema.ServiceName
	logCancel func()
	logBuf    *logBuffer
	cancel    context.CancelFunc
	started   bool
}

func newServicesChannel(session schema.SessionID, transport Transport, sink EventSink, cfg schema.SyncConfig, logger pslog.Logger) *servicesChannel {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &servicesChannel{
		session:   session,
		transport: transport,
		sink:      sink,
		cfg:       cfg,
		log:       logger.With("session", session, "channel", schema.ChannelServices),
		logBuf:    newLogBuffer(cfg.LogBufferMaxBytes),
	}
}

// Seed installs a persisted inventory as the starting view. It is
// marked stale until the first live poll replaces it.
func (s *servicesChannel) Seed(list schema.ServiceList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = list
	s.stale = true
}

// Start launches the poll loop. Starting twice is a no-op.
func (s *servicesChannel) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(runCtx)
}

// Dispose stops the poll loop and any live log tail.
func (s *servicesChannel) Dispose() {
	s.mu.Lock()
	cancel := s.cancel
	logCancel := s.logCancel
	s.cancel = nil
	s.logCancel = nil
	s.selected = ""
	s.mu.Unlock()
	if logCancel != nil {
		logCancel()
	}
	if cancel != nil {
		cancel()
	}
}

func (s *servicesChannel) run(ctx context.Context) {
	s.log.Info("service poll loop started", "interval", s.cfg.ServicePollInterval)
	interval := s.cfg.ServicePollInterval
	if interval <= 0 {
		interval = schema.DefaultServicePollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh performs one inventory poll and reconciles the result.
func (s *servicesChannel) refresh(ctx context.Context) {
	list, err := s.transport.ListServices(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("service poll failed", "err", err)
		s.mu.Lock()
		s.pollErr = err.Error()
		current := s.list
		s.mu.Unlock()
		s.emit(current, err.Error())
		return
	}
	s.mu.Lock()
	s.list = list
	s.pollErr = ""
	s.stale = false
	s.mu.Unlock()
	s.log.Trace("service inventory reconciled", "count", len(list.Services))
	s.emit(list, "")
}

// Stop stops a service by name and forces a refresh. Stopping a
// service that is gone already is a success.
func (s *servicesChannel) Stop(ctx context.Context, name schema.ServiceName) (schema.ServiceList, error) {
	if err := s.transport.StopService(ctx, name); err != nil {
		s.log.Warn("service stop failed", "service", name, "err", err)
		return schema.ServiceList{}, err
	}
	s.log.Info("service stopped", "service", name)
	s.refresh(ctx)
	return s.currentList(), nil
}

// Restart starts or replaces the named service and forces a refresh.
func (s *servicesChannel) Restart(ctx context.Context, name schema.ServiceName, command, cwd string) (schema.ServiceList, error) {
	if err := s.transport.StartService(ctx, name, command, cwd); err != nil {
		s.log.Warn("service restart failed", "service", name, "err", err)
		return schema.ServiceList{}, err
	}
	s.log.Info("service restarted", "service", name)
	s.refresh(ctx)
	return s.currentList(), nil
}

// Expose routes a sandbox port globally and forces a refresh. The new
// mapping supersedes any previous one.
func (s *servicesChannel) Expose(ctx context.Context, port int) (schema.ServiceList, error) {
	if port < 1 || port > 65535 {
		return schema.ServiceList{}, schema.ErrInvalidPort
	}
	if err := s.transport.ExposePort(ctx, uint16(port)); err != nil {
		s.log.Warn("port expose failed", "port", port, "err", err)
		return schema.ServiceList{}, err
	}
	s.log.Info("port exposed", "port", port)
	s.refresh(ctx)
	return s.currentList(), nil
}

// SelectLog switches the single live log tail to the named service.
// Any previous tail is torn down first; an empty name just closes it.
func (s *servicesChannel) SelectLog(ctx context.Context, name schema.ServiceName) error {
	s.mu.Lock()
	previous := s.logCancel
	s.logCancel = nil
	s.selected = name
	s.logBuf = newLogBuffer(s.cfg.LogBufferMaxBytes)
	s.mu.Unlock()
	if previous != nil {
		previous()
	}
	if name == "" {
		s.log.Debug("log tail closed")
		return nil
	}
	events, cancel, err := s.transport.StreamLogs(ctx, name)
	if err != nil {
		s.log.Warn("log tail open failed", "service", name, "err", err)
		return err
	}
	s.mu.Lock()
	if s.selected != name {
		// A later selection won the race; drop this stream.
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.logCancel = cancel
	s.mu.Unlock()
	s.log.Info("log tail opened", "service", name)
	go s.consumeLogs(name, events)
	return nil
}

func (s *servicesChannel) consumeLogs(name schema.ServiceName, events <-chan schema.LogEvent) {
	for event := range events {
		s.mu.Lock()
		if s.selected != name {
			s.mu.Unlock()
			return
		}
		s.logBuf.Apply(event)
		s.mu.Unlock()
		if s.sink != nil {
			s.sink.OnServiceLog(schema.ServiceLogEvent{
				SessionID: s.session,
				Service:   name,
				Event:     event,
			})
		}
	}
	s.log.Debug("log tail ended", "service", name)
}

// LogBuffer returns the buffered content for the selected service.
func (s *servicesChannel) LogBuffer() (schema.ServiceName, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.logBuf.String()
}

// Snapshot returns the channel's visible state.
func (s *servicesChannel) Snapshot() schema.ServicesSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return schema.ServicesSnapshot{
		List:        s.list,
		PollError:   s.pollErr,
		Stale:       s.stale,
		SelectedLog: s.selected,
	}
}

func (s *servicesChannel) currentList() schema.ServiceList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

func (s *servicesChannel) emit(list schema.ServiceList, pollErr string) {
	if s.sink == nil {
		return
	}
	s.sink.OnServices(schema.ServicesEvent{
		SessionID: s.session,
		List:      list,
		PollError: pollErr,
	})
}
