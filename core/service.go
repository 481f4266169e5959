package core

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/proliferate-ai/proliferate-sub003/internal/logx"
	"github.com/proliferate-ai/proliferate-sub003/internal/persist"
	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// service implements the sync orchestrator. It owns at most one
// attached session and fans its three channels out to the event sink.
type service struct {
	cfg        schema.SyncConfig
	resolver   TokenResolver
	transports TransportProvider
	sink       EventSink
	store      *persist.Store
	logger     pslog.Logger

	// lifecycle serializes whole attach/detach transitions; mu only
	// guards the attached pointer. Teardown runs outside mu because
	// channel disposal calls back into the sink, which reads it.
	lifecycle sync.Mutex
	mu        sync.Mutex
	attached  *attachedSession
}

type attachedSession struct {
	session  schema.Session
	tokens   *tokenCache
	terminal *terminalChannel
	services *servicesChannel
	git      *gitChannel
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewService constructs the sync service implementation.
func NewService(cfg schema.SyncConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeSyncConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Resolver == nil {
		return nil, errors.New("token resolver is required")
	}
	if deps.Transports == nil {
		return nil, errors.New("transport provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	svc := &service{
		cfg:        cfg,
		resolver:   deps.Resolver,
		transports: deps.Transports,
		store:      deps.Store,
		logger:     logger,
	}
	svc.sink = &persistingSink{svc: svc, next: deps.EventSink}
	return svc, nil
}

// Attach binds the sync to one sandbox session. Re-attaching to the
// current session is a no-op for healthy channels; a different session
// is a full detach followed by a fresh attach.
func (s *service) Attach(ctx context.Context, req schema.AttachRequest) (schema.AttachResponse, error) {
	if strings.TrimSpace(string(req.Session.ID)) == "" {
		return schema.AttachResponse{}, errors.New("session id is required")
	}
	log := logx.WithSession(ctx, req.Session.ID)

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if current := s.attached; current != nil {
		if current.session.ID == req.Session.ID {
			current.session = req.Session
			s.mu.Unlock()
			log.Debug("attach is a no-op", "reason", "session already attached")
			return schema.AttachResponse{Session: req.Session}, nil
		}
		previous := current
		s.attached = nil
		s.mu.Unlock()
		log.Info("detaching previous session", "previous", previous.session.ID)
		s.teardown(previous)
		s.mu.Lock()
	}

	attached := s.buildSession(req.Session)
	s.attached = attached
	s.mu.Unlock()

	s.seedFromStore(log, attached)
	attached.terminal.Start(attached.ctx)
	attached.services.Start(attached.ctx)
	attached.git.Start(attached.ctx)
	log.Info("session attached", "state", req.Session.State)
	return schema.AttachResponse{Session: req.Session}, nil
}

// Detach tears down every channel and discards the cached token.
func (s *service) Detach(ctx context.Context, req schema.DetachRequest) (schema.DetachResponse, error) {
	_ = req
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	attached := s.attached
	s.attached = nil
	s.mu.Unlock()
	if attached == nil {
		return schema.DetachResponse{}, schema.ErrNotAttached
	}
	log := logx.WithSession(ctx, attached.session.ID)
	s.persistSession(attached)
	s.teardown(attached)
	log.Info("session detached")
	return schema.DetachResponse{Session: attached.session}, nil
}

// Snapshot returns the combined reconciled view of the attached
// session.
func (s *service) Snapshot(ctx context.Context, req schema.SnapshotRequest) (schema.SnapshotResponse, error) {
	_ = ctx
	_ = req
	attached, err := s.current()
	if err != nil {
		return schema.SnapshotResponse{}, err
	}
	return schema.SnapshotResponse{Snapshot: schema.SyncSnapshot{
		Session:  attached.session,
		Terminal: attached.terminal.Snapshot(),
		Services: attached.services.Snapshot(),
		Git:      attached.git.Snapshot(),
	}}, nil
}

// WriteTerminal sends keystroke bytes to the remote pty.
func (s *service) WriteTerminal(ctx context.Context, req schema.WriteTerminalRequest) (schema.WriteTerminalResponse, error) {
	_ = ctx
	attached, err := s.current()
	if err != nil {
		return schema.WriteTerminalResponse{}, err
	}
	written, err := attached.terminal.Write(req.Data)
	if err != nil {
		return schema.WriteTerminalResponse{}, err
	}
	return schema.WriteTerminalResponse{Written: written}, nil
}

// ResizeTerminal records and pushes a new viewport size.
func (s *service) ResizeTerminal(ctx context.Context, req schema.ResizeTerminalRequest) (schema.ResizeTerminalResponse, error) {
	_ = ctx
	attached, err := s.current()
	if err != nil {
		return schema.ResizeTerminalResponse{}, err
	}
	size, err := attached.terminal.Resize(req.Cols, req.Rows)
	if err != nil {
		return schema.ResizeTerminalResponse{}, err
	}
	return schema.ResizeTerminalResponse{Size: size}, nil
}

// TerminalBuffer reads the local scrollback view.
func (s *service) TerminalBuffer(ctx context.Context, req schema.TerminalBufferRequest) (schema.TerminalBufferResponse, error) {
	_ = ctx
	attached, err := s.current()
	if err != nil {
		return schema.TerminalBufferResponse{}, err
	}
	return attached.terminal.BufferSnapshot(req.Limit), nil
}

// ListServices reads the reconciled inventory, forcing a poll first
// when requested.
func (s *service) ListServices(ctx context.Context, req schema.ListServicesRequest) (schema.ListServicesResponse, error) {
	attached, err := s.current()
	if err != nil {
		return schema.ListServicesResponse{}, err
	}
	if req.Refresh {
		attached.services.refresh(ctx)
	}
	snapshot := attached.services.Snapshot()
	return schema.ListServicesResponse{
		List:      snapshot.List,
		PollError: snapshot.PollError,
		Stale:     snapshot.Stale,
	}, nil
}

// StopService stops a service and returns the post-refresh inventory.
func (s *service) StopService(ctx context.Context, req schema.StopServiceRequest) (schema.StopServiceResponse, error) {
	attached, err := s.current()
	if err != nil {
		return schema.StopServiceResponse{}, err
	}
	list, err := attached.services.Stop(ctx, req.Name)
	if err != nil {
		return schema.StopServiceResponse{}, err
	}
	return schema.StopServiceResponse{List: list}, nil
}

// RestartService starts or replaces a service and returns the
// post-refresh inventory.
func (s *service) RestartService(ctx context.Context, req schema.RestartServiceRequest) (schema.RestartServiceResponse, error) {
	attached, err := s.current()
	if err != nil {
		return schema.RestartServiceResponse{}, err
	}
	list, err := attached.services.Restart(ctx, req.Name, req.Command, req.Cwd)
	if err != nil {
		return schema.RestartServiceResponse{}, err
	}
	return schema.RestartServiceResponse{List: list}, nil
}

// ExposePort routes a sandbox port globally.
func (s *service) ExposePort(ctx context.Context, req schema.ExposePortRequest) (schema.ExposePortResponse, error) {
	attached, err := s.current()
	if err != nil {
		return schema.ExposePortResponse{}, err
	}
	list, err := attached.services.Expose(ctx, req.Port)
	if err != nil {
		return schema.ExposePortResponse{}, err
	}
	return schema.ExposePortResponse{List: list}, nil
}

// SelectLogService switches the single live log tail. The stream is
// bound to the attached session's lifetime, not the caller's context.
func (s *service) SelectLogService(ctx context.Context, req schema.SelectLogServiceRequest) (schema.SelectLogServiceResponse, error) {
	_ = ctx
	attached, err := s.current()
	if err != nil {
		return schema.SelectLogServiceResponse{}, err
	}
	if err := attached.services.SelectLog(attached.ctx, req.Name); err != nil {
		return schema.SelectLogServiceResponse{}, err
	}
	return schema.SelectLogServiceResponse{Name: req.Name}, nil
}

// LogBuffer reads the buffered log content for the selected service.
func (s *service) LogBuffer(ctx context.Context, req schema.LogBufferRequest) (schema.LogBufferResponse, error) {
	_ = ctx
	_ = req
	attached, err := s.current()
	if err != nil {
		return schema.LogBufferResponse{}, err
	}
	name, content := attached.services.LogBuffer()
	return schema.LogBufferResponse{Name: name, Content: content}, nil
}

// GitStatus reads the working-tree snapshot, dispatching a poll first
// when requested.
func (s *service) GitStatus(ctx context.Context, req schema.GitStatusRequest) (schema.GitStatusResponse, error) {
	_ = ctx
	attached, err := s.current()
	if err != nil {
		return schema.GitStatusResponse{}, err
	}
	snapshot := attached.git.Status(req.Refresh)
	return schema.GitStatusResponse{
		State:          snapshot.State,
		Stale:          snapshot.Stale,
		PollFailed:     snapshot.PollFailed,
		ActionInFlight: snapshot.ActionInFlight,
	}, nil
}

// CreateBranch dispatches a branch creation.
func (s *service) CreateBranch(ctx context.Context, req schema.CreateBranchRequest) (schema.GitDispatchResponse, error) {
	_ = ctx
	attached, err := s.current()
	if err != nil {
		return schema.GitDispatchResponse{}, err
	}
	return attached.git.CreateBranch(req.Name)
}

// Commit dispatches a commit.
func (s *service) Commit(ctx context.Context, req schema.CommitRequest) (schema.GitDispatchResponse, error) {
	_ = ctx
	attached, err := s.current()
	if err != nil {
		return schema.GitDispatchResponse{}, err
	}
	return attached.git.Commit(req.Message, req.IncludeUntracked, req.Files)
}

// Push dispatches a push.
func (s *service) Push(ctx context.Context, req schema.PushRequest) (schema.GitDispatchResponse, error) {
	_ = ctx
	_ = req
	attached, err := s.current()
	if err != nil {
		return schema.GitDispatchResponse{}, err
	}
	return attached.git.Push()
}

// CreatePR dispatches a pull request creation.
func (s *service) CreatePR(ctx context.Context, req schema.CreatePRRequest) (schema.GitDispatchResponse, error) {
	_ = ctx
	attached, err := s.current()
	if err != nil {
		return schema.GitDispatchResponse{}, err
	}
	return attached.git.CreatePR(req.Title, req.Body, req.BaseBranch)
}

func (s *service) current() (*attachedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == nil {
		return nil, schema.ErrNotAttached
	}
	return s.attached, nil
}

// buildSession wires the token cache, transport, and channels for one
// session. Channels run on a context owned by the attachment, not by
// any single request.
func (s *service) buildSession(session schema.Session) *attachedSession {
	tokens := newTokenCache(s.resolver, session.ID, s.logger)
	transport := s.transports.TransportFor(session, tokens)
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), s.logger))
	return &attachedSession{
		session:  session,
		tokens:   tokens,
		terminal: newTerminalChannel(session.ID, transport, s.sink, s.cfg, s.logger),
		services: newServicesChannel(session.ID, transport, s.sink, s.cfg, s.logger),
		git:      newGitChannel(session.ID, transport, s.sink, s.cfg, s.logger),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// seedFromStore installs the last persisted view, marked stale, so the
// UI has something to show while the first live refresh is in flight.
func (s *service) seedFromStore(log pslog.Logger, attached *attachedSession) {
	if s.store == nil {
		return
	}
	snapshot, ok, err := s.store.Load(attached.session.ID)
	if err != nil || !ok {
		if err != nil {
			log.Warn("session seed load failed", "err", err)
		}
		return
	}
	attached.services.Seed(snapshot.Services)
	attached.git.Seed(snapshot.Git)
	if snapshot.Terminal.Cols > 0 && snapshot.Terminal.Rows > 0 {
		_, _ = attached.terminal.Resize(snapshot.Terminal.Cols, snapshot.Terminal.Rows)
	}
	log.Debug("session seeded from store", "services", len(snapshot.Services.Services), "has_git", snapshot.Git != nil)
	if attached.git.Snapshot().State != nil && s.sink != nil {
		s.sink.OnGitState(schema.GitStateEvent{
			SessionID: attached.session.ID,
			State:     *snapshot.Git,
			Stale:     true,
		})
	}
}

func (s *service) teardown(attached *attachedSession) {
	attached.terminal.Dispose()
	attached.services.Dispose()
	attached.git.Dispose()
	attached.tokens.Clear()
	attached.cancel()
}

// persistSession saves the last reconciled view for seeding the next
// attach.
func (s *service) persistSession(attached *attachedSession) {
	if s.store == nil || attached == nil {
		return
	}
	terminal := attached.terminal.Snapshot()
	services := attached.services.Snapshot()
	git := attached.git.Snapshot()
	snapshot := persist.SessionSnapshot{
		Session:  attached.session,
		Terminal: terminal.Size,
		Services: services.List,
		Git:      git.State,
	}
	if err := s.store.Save(attached.session.ID, snapshot); err != nil {
		s.logger.Warn("session persist failed", "session", attached.session.ID, "err", err)
	}
}

// persistingSink forwards events and saves the last-known-good view
// whenever a live refresh lands.
type persistingSink struct {
	svc  *service
	next EventSink
}

func (p *persistingSink) OnTerminalStatus(event schema.TerminalStatusEvent) {
	if p.next != nil {
		p.next.OnTerminalStatus(event)
	}
}

func (p *persistingSink) OnTerminalOutput(event schema.TerminalOutputEvent) {
	if p.next != nil {
		p.next.OnTerminalOutput(event)
	}
}

func (p *persistingSink) OnServices(event schema.ServicesEvent) {
	if p.next != nil {
		p.next.OnServices(event)
	}
	if event.PollError == "" {
		p.persist(event.SessionID)
	}
}

func (p *persistingSink) OnServiceLog(event schema.ServiceLogEvent) {
	if p.next != nil {
		p.next.OnServiceLog(event)
	}
}

func (p *persistingSink) OnGitState(event schema.GitStateEvent) {
	if p.next != nil {
		p.next.OnGitState(event)
	}
	if !event.Stale {
		p.persist(event.SessionID)
	}
}

func (p *persistingSink) OnGitResult(event schema.GitResultEvent) {
	if p.next != nil {
		p.next.OnGitResult(event)
	}
}

func (p *persistingSink) persist(sessionID schema.SessionID) {
	p.svc.mu.Lock()
	attached := p.svc.attached
	p.svc.mu.Unlock()
	if attached == nil || attached.session.ID != sessionID {
		return
	}
	p.svc.persistSession(attached)
}
