package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/proliferate-ai/proliferate-sub003/internal/logx"
	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// gitChannel mirrors the sandbox working tree over the git push
// channel. Inbound status messages replace the snapshot wholesale;
// mutating actions are serialized to at most one in flight and refused
// while the tree is busy. A dropped socket is redialed after a fixed
// delay, and the reconnect fails any action whose result can no longer
// arrive.
type gitChannel struct {
	session   schema.SessionID
	transport Transport
	sink      EventSink
	cfg       schema.SyncConfig
	log       pslog.Logger

	mu          sync.Mutex
	conn        GitConn
	state       *schema.GitState
	stale       bool
	pollFailed  bool
	pollPending bool
	pending     *pendingAction
	cancel      context.CancelFunc
	started     bool
}

type pendingAction struct {
	id     string
	action schema.GitAction
}

func newGitChannel(session schema.SessionID, transport Transport, sink EventSink, cfg schema.SyncConfig, logger pslog.Logger) *gitChannel {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &gitChannel{
		session:   session,
		transport: transport,
		sink:      sink,
		cfg:       cfg,
		log:       logger.With("session", session, "channel", schema.ChannelGit),
	}
}

// Seed installs a persisted snapshot as the starting view, marked
// stale until the first live status replaces it.
func (g *gitChannel) Seed(state *schema.GitState) {
	if state == nil {
		return
	}
	g.mu.Lock()
	g.state = state
	g.stale = true
	g.mu.Unlock()
}

// Start launches the connect loop and the status poll cadence.
// Starting twice is a no-op.
func (g *gitChannel) Start(ctx context.Context) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.mu.Unlock()
	go g.run(runCtx)
	go g.pollLoop(runCtx)
}

// Dispose tears the channel down.
func (g *gitChannel) Dispose() {
	g.mu.Lock()
	cancel := g.cancel
	conn := g.conn
	g.cancel = nil
	g.conn = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (g *gitChannel) run(ctx context.Context) {
	g.log.Info("git connect loop started")
	delay := g.cfg.GitReconnectDelay
	if delay <= 0 {
		delay = schema.DefaultGitReconnectDelay
	}
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := g.transport.DialGit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Warn("git dial failed", "err", err)
			g.mu.Lock()
			g.pollFailed = true
			g.mu.Unlock()
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		g.mu.Lock()
		g.conn = conn
		g.mu.Unlock()
		g.log.Info("git connected")
		// Prime the snapshot immediately instead of waiting a tick.
		g.requestStatus()

		readErr := g.readLoop(ctx, conn)

		g.mu.Lock()
		if g.conn == conn {
			g.conn = nil
		}
		g.pollPending = false
		failed := g.pending
		g.pending = nil
		g.mu.Unlock()
		_ = conn.Close()
		if failed != nil {
			// The result for this action can never arrive now.
			g.emitResult(schema.GitActionResult{
				ID:      failed.id,
				Action:  failed.action,
				Success: false,
				Message: "connection lost before the action resolved",
			})
		}
		if ctx.Err() != nil {
			return
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			g.log.Warn("git stream failed", "err", readErr)
		} else {
			g.log.Info("git stream closed")
		}
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (g *gitChannel) pollLoop(ctx context.Context) {
	interval := g.cfg.GitPollInterval
	if interval <= 0 {
		interval = schema.DefaultGitPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.requestStatus()
		}
	}
}

// requestStatus dispatches a status poll unless one is already
// outstanding. Status polls bypass the busy guard.
func (g *gitChannel) requestStatus() {
	g.mu.Lock()
	if g.pollPending || g.conn == nil {
		if g.conn == nil {
			g.pollFailed = true
		}
		g.mu.Unlock()
		return
	}
	g.pollPending = true
	conn := g.conn
	g.mu.Unlock()
	if err := conn.WriteRequest(schema.GitActionRequest{Action: schema.GitGetStatus}); err != nil {
		g.log.Warn("git status request failed", "err", err)
		g.mu.Lock()
		g.pollPending = false
		g.pollFailed = true
		g.mu.Unlock()
	}
}

func (g *gitChannel) readLoop(ctx context.Context, conn GitConn) error {
	for {
		message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		g.handleMessage(message)
	}
}

func (g *gitChannel) handleMessage(message schema.GitChannelMessage) {
	switch message.Type {
	case schema.GitMessageStatus:
		if message.State == nil {
			g.log.Debug("git status message without state dropped")
			return
		}
		g.replaceState(message.State)
	case schema.GitMessageResult:
		if message.Result == nil {
			g.log.Debug("git result message without result dropped")
			return
		}
		g.handleResult(*message.Result)
	default:
		g.log.Debug("git message with unknown type dropped", "type", message.Type)
	}
}

// replaceState installs a fresh snapshot. Any outstanding status poll
// is satisfied by it regardless of how it was triggered.
func (g *gitChannel) replaceState(state *schema.GitState) {
	stateCopy := *state
	g.mu.Lock()
	g.state = &stateCopy
	g.stale = false
	g.pollFailed = false
	g.pollPending = false
	g.mu.Unlock()
	if g.sink != nil {
		g.sink.OnGitState(schema.GitStateEvent{SessionID: g.session, State: stateCopy})
	}
}

func (g *gitChannel) handleResult(result schema.GitActionResult) {
	log := logx.WithAction(g.log, result.Action, result.ID)
	g.mu.Lock()
	// Any inbound result settles an outstanding status poll; a lost or
	// reordered reply must never wedge the cadence.
	g.pollPending = false
	if g.pending != nil && g.matchesPendingLocked(result) {
		g.pending = nil
	}
	g.mu.Unlock()
	if result.State != nil {
		g.replaceState(result.State)
	}
	if result.Action == schema.GitGetStatus {
		return
	}
	if result.Success {
		log.Info("git action succeeded")
		if result.State == nil {
			// The action changed the tree but brought no snapshot;
			// poll now instead of waiting out the cadence.
			g.requestStatus()
		}
	} else if result.Quiet() {
		log.Info("git action declined", "code", result.Code, "message", result.Message)
	} else {
		log.Warn("git action failed", "code", result.Code, "message", result.Message)
	}
	g.emitResult(result)
}

// matchesPendingLocked correlates a result with the in-flight action.
// Request IDs are authoritative; tag-correlation mode falls back to
// the action tag for gateways that do not echo IDs.
func (g *gitChannel) matchesPendingLocked(result schema.GitActionResult) bool {
	if g.cfg.TagCorrelation {
		return result.Action == g.pending.action
	}
	return result.ID != "" && result.ID == g.pending.id
}

func (g *gitChannel) emitResult(result schema.GitActionResult) {
	if g.sink == nil {
		return
	}
	g.sink.OnGitResult(schema.GitResultEvent{
		SessionID: g.session,
		Result:    result,
		Quiet:     result.Quiet(),
	})
}

// Status returns the channel's visible state, optionally dispatching a
// fresh poll first. The call never waits for the poll to land.
func (g *gitChannel) Status(refresh bool) schema.GitSnapshot {
	if refresh {
		g.requestStatus()
	}
	return g.Snapshot()
}

// Snapshot returns the channel's visible state.
func (g *gitChannel) Snapshot() schema.GitSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return schema.GitSnapshot{
		State:          g.state,
		Stale:          g.stale,
		PollFailed:     g.pollFailed,
		ActionInFlight: g.pending != nil,
	}
}

// CreateBranch dispatches a branch creation.
func (g *gitChannel) CreateBranch(name string) (schema.GitDispatchResponse, error) {
	if strings.TrimSpace(name) == "" {
		return schema.GitDispatchResponse{}, errors.New("branch name is required")
	}
	return g.dispatch(schema.GitActionRequest{
		Action: schema.GitCreateBranch,
		Branch: name,
	}, false)
}

// Commit dispatches a commit. Preconditions are checked against the
// local snapshot so a doomed request never reaches the wire.
func (g *gitChannel) Commit(message string, includeUntracked bool, files []string) (schema.GitDispatchResponse, error) {
	if strings.TrimSpace(message) == "" {
		return schema.GitDispatchResponse{}, schema.ErrEmptyCommitMessage
	}
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()
	if state != nil {
		if len(state.ConflictedFiles) > 0 {
			return schema.GitDispatchResponse{}, schema.ErrConflictedFiles
		}
		if !state.HasChanges(includeUntracked) {
			return schema.GitDispatchResponse{}, schema.ErrNoChanges
		}
	}
	return g.dispatch(schema.GitActionRequest{
		Action:           schema.GitCommitAction,
		Message:          message,
		IncludeUntracked: includeUntracked,
		Files:            files,
	}, false)
}

// Push dispatches a push. A branch behind its remote is flagged as an
// advisory, not refused.
func (g *gitChannel) Push() (schema.GitDispatchResponse, error) {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()
	if state != nil && state.Detached {
		return schema.GitDispatchResponse{}, schema.ErrDetachedHead
	}
	behind := state != nil && state.Behind != nil && *state.Behind > 0
	return g.dispatch(schema.GitActionRequest{Action: schema.GitPush}, behind)
}

// CreatePR dispatches a pull request creation.
func (g *gitChannel) CreatePR(title, body, baseBranch string) (schema.GitDispatchResponse, error) {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()
	if state != nil && state.Detached {
		return schema.GitDispatchResponse{}, schema.ErrDetachedHead
	}
	return g.dispatch(schema.GitActionRequest{
		Action:     schema.GitCreatePR,
		Title:      title,
		Body:       body,
		BaseBranch: baseBranch,
	}, false)
}

// dispatch sends a mutating action, enforcing the busy guard and the
// one-in-flight rule.
func (g *gitChannel) dispatch(req schema.GitActionRequest, behindAdvisory bool) (schema.GitDispatchResponse, error) {
	req.ID = newRequestID()
	log := logx.WithAction(g.log, req.Action, req.ID)
	g.mu.Lock()
	if g.conn == nil {
		g.mu.Unlock()
		return schema.GitDispatchResponse{}, schema.ErrTransportClosed
	}
	if g.state != nil && g.state.Busy() {
		g.mu.Unlock()
		log.Debug("git action refused", "reason", "working tree busy")
		return schema.GitDispatchResponse{}, schema.ErrChannelBusy
	}
	if g.pending != nil {
		g.mu.Unlock()
		log.Debug("git action refused", "reason", "action in flight")
		return schema.GitDispatchResponse{}, schema.ErrActionInFlight
	}
	g.pending = &pendingAction{id: req.ID, action: req.Action}
	conn := g.conn
	g.mu.Unlock()

	if err := conn.WriteRequest(req); err != nil {
		g.mu.Lock()
		if g.pending != nil && g.pending.id == req.ID {
			g.pending = nil
		}
		g.mu.Unlock()
		log.Warn("git action send failed", "err", err)
		return schema.GitDispatchResponse{}, err
	}
	log.Info("git action dispatched", "behind_advisory", behindAdvisory)
	return schema.GitDispatchResponse{
		RequestID:      req.ID,
		Action:         req.Action,
		BehindAdvisory: behindAdvisory,
	}, nil
}

func sleepCtx(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
