package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/proliferate-ai/proliferate-sub003/core"
	"github.com/proliferate-ai/proliferate-sub003/internal/logx"
	"github.com/proliferate-ai/proliferate-sub003/schema"
)

// Server serves the session sync HTTP API.
type Server struct {
	cfg      Config
	service  core.Service
	hub      *Hub
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, service core.Service, hub *Hub) *Server {
	return &Server{
		cfg:      cfg,
		service:  service,
		hub:      hub,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/stream", s.handleStream)

	mux.HandleFunc("/api/terminal/input", s.handleTerminalInput)
	mux.HandleFunc("/api/terminal/resize", s.handleTerminalResize)
	mux.HandleFunc("/api/terminal/buffer", s.handleTerminalBuffer)

	mux.HandleFunc("/api/services", s.handleServices)
	mux.HandleFunc("/api/services/stop", s.handleServiceStop)
	mux.HandleFunc("/api/services/restart", s.handleServiceRestart)
	mux.HandleFunc("/api/services/expose", s.handleServiceExpose)
	mux.HandleFunc("/api/services/logs", s.handleServiceLogs)

	mux.HandleFunc("/api/git", s.handleGitStatus)
	mux.HandleFunc("/api/git/branch", s.handleGitBranch)
	mux.HandleFunc("/api/git/commit", s.handleGitCommit)
	mux.HandleFunc("/api/git/push", s.handleGitPush)
	mux.HandleFunc("/api/git/pr", s.handleGitPR)

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			SessionID string `json:"session_id"`
			State     string `json:"state"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			log.Warn("http attach decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		state := schema.SessionState(payload.State)
		if state == "" {
			state = schema.SessionRunning
		}
		resp, err := s.service.Attach(r.Context(), schema.AttachRequest{
			Session: schema.Session{
				ID:    schema.SessionID(payload.SessionID),
				State: state,
			},
		})
		if err != nil {
			log.Warn("http attach failed", "session", payload.SessionID, "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": resp.Session.ID, "state": resp.Session.State})
		log.Info("http attach ok", "session", resp.Session.ID)
	case http.MethodDelete:
		resp, err := s.service.Detach(r.Context(), schema.DetachRequest{})
		if err != nil {
			log.Warn("http detach failed", "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": resp.Session.ID})
		log.Info("http detach ok", "session", resp.Session.ID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	resp, err := s.service.Snapshot(r.Context(), schema.SnapshotRequest{})
	if err != nil {
		log.Warn("http state failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Snapshot)
	log.Debug("http state ok", "session", resp.Snapshot.Session.ID)
}

func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		Data string `json:"data"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http terminal input decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.WriteTerminal(r.Context(), schema.WriteTerminalRequest{
		Data: []byte(payload.Data),
	})
	if err != nil {
		log.Warn("http terminal input failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"written": resp.Written})
	log.Trace("http terminal input ok", "bytes", resp.Written)
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http terminal resize decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.ResizeTerminal(r.Context(), schema.ResizeTerminalRequest{
		Cols: payload.Cols,
		Rows: payload.Rows,
	})
	if err != nil {
		log.Warn("http terminal resize failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Size)
	log.Debug("http terminal resize ok", "cols", resp.Size.Cols, "rows", resp.Size.Rows)
}

func (s *Server) handleTerminalBuffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	limit := parseInt(r.URL.Query().Get("limit"), s.cfg.InitialBufferLines)
	resp, err := s.service.TerminalBuffer(r.Context(), schema.TerminalBufferRequest{Limit: limit})
	if err != nil {
		log.Warn("http terminal buffer failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines":       resp.Lines,
		"total_lines": resp.TotalLines,
		"status":      resp.Status,
	})
	log.Debug("http terminal buffer ok", "lines", resp.TotalLines)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	refresh := r.URL.Query().Get("refresh") == "true"
	resp, err := s.service.ListServices(r.Context(), schema.ListServicesRequest{Refresh: refresh})
	if err != nil {
		log.Warn("http services list failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"list":       resp.List,
		"poll_error": resp.PollError,
		"stale":      resp.Stale,
	})
	log.Debug("http services list ok", "count", len(resp.List.Services), "refresh", refresh)
}

func (s *Server) handleServiceStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http service stop decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.StopService(r.Context(), schema.StopServiceRequest{
		Name: schema.ServiceName(payload.Name),
	})
	if err != nil {
		log.Warn("http service stop failed", "service", payload.Name, "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"list": resp.List})
	log.Info("http service stop ok", "service", payload.Name)
}

func (s *Server) handleServiceRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		Name    string `json:"name"`
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http service restart decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.RestartService(r.Context(), schema.RestartServiceRequest{
		Name:    schema.ServiceName(payload.Name),
		Command: payload.Command,
		Cwd:     payload.Cwd,
	})
	if err != nil {
		log.Warn("http service restart failed", "service", payload.Name, "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"list": resp.List})
	log.Info("http service restart ok", "service", payload.Name)
}

func (s *Server) handleServiceExpose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		Port int `json:"port"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http expose decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.ExposePort(r.Context(), schema.ExposePortRequest{Port: payload.Port})
	if err != nil {
		log.Warn("http expose failed", "port", payload.Port, "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"list": resp.List})
	log.Info("http expose ok", "port", payload.Port)
}

func (s *Server) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context())
	switch r.Method {
	case http.MethodGet:
		resp, err := s.service.LogBuffer(r.Context(), schema.LogBufferRequest{})
		if err != nil {
			log.Warn("http log buffer failed", "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":    resp.Name,
			"content": resp.Content,
		})
		log.Debug("http log buffer ok", "service", resp.Name, "bytes", len(resp.Content))
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			log.Warn("http log select decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := s.service.SelectLogService(r.Context(), schema.SelectLogServiceRequest{
			Name: schema.ServiceName(payload.Name),
		})
		if err != nil {
			log.Warn("http log select failed", "service", payload.Name, "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": resp.Name})
		log.Info("http log select ok", "service", resp.Name)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	refresh := r.URL.Query().Get("refresh") == "true"
	resp, err := s.service.GitStatus(r.Context(), schema.GitStatusRequest{Refresh: refresh})
	if err != nil {
		log.Warn("http git status failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":            resp.State,
		"stale":            resp.Stale,
		"poll_failed":      resp.PollFailed,
		"action_in_flight": resp.ActionInFlight,
	})
	log.Debug("http git status ok", "refresh", refresh)
}

func (s *Server) handleGitBranch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http git branch decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.CreateBranch(r.Context(), schema.CreateBranchRequest{Name: payload.Name})
	if err != nil {
		log.Warn("http git branch failed", "branch", payload.Name, "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeDispatch(w, resp)
	log.Info("http git branch dispatched", "branch", payload.Name, "request_id", resp.RequestID)
}

func (s *Server) handleGitCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		Message          string   `json:"message"`
		IncludeUntracked bool     `json:"include_untracked"`
		Files            []string `json:"files"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http git commit decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.Commit(r.Context(), schema.CommitRequest{
		Message:          payload.Message,
		IncludeUntracked: payload.IncludeUntracked,
		Files:            payload.Files,
	})
	if err != nil {
		log.Warn("http git commit failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeDispatch(w, resp)
	log.Info("http git commit dispatched", "request_id", resp.RequestID)
}

func (s *Server) handleGitPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	resp, err := s.service.Push(r.Context(), schema.PushRequest{})
	if err != nil {
		log.Warn("http git push failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeDispatch(w, resp)
	log.Info("http git push dispatched", "request_id", resp.RequestID, "behind", resp.BehindAdvisory)
}

func (s *Server) handleGitPR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		Title      string `json:"title"`
		Body       string `json:"body"`
		BaseBranch string `json:"base_branch"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http git pr decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.CreatePR(r.Context(), schema.CreatePRRequest{
		Title:      payload.Title,
		Body:       payload.Body,
		BaseBranch: payload.BaseBranch,
	})
	if err != nil {
		log.Warn("http git pr failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeDispatch(w, resp)
	log.Info("http git pr dispatched", "request_id", resp.RequestID)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.Ctx(r.Context())

	snapResp, err := s.service.Snapshot(r.Context(), schema.SnapshotRequest{})
	if err != nil {
		log.Warn("http stream snapshot failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	sessionID := snapResp.Snapshot.Session.ID
	log = logx.WithSession(r.Context(), sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))

	snapshot := snapResp.Snapshot
	_ = writeSSEvent(w, StreamEvent{
		Type:      "snapshot",
		SessionID: sessionID,
		Snapshot:  &snapshot,
		Timestamp: time.Now(),
	})
	flusher.Flush()

	replayCount := 0
	if lastID > 0 {
		replay := s.hub.Replay(sessionID, lastID)
		replayCount = len(replay)
		for _, event := range replay {
			_ = writeSSEvent(w, event)
		}
		flusher.Flush()
	}

	ch, unsubscribe, _, _ := s.hub.Subscribe(sessionID)
	defer unsubscribe()

	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "replay", replayCount)
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case event := <-ch:
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func writeDispatch(w http.ResponseWriter, resp schema.GitDispatchResponse) {
	payload := map[string]any{
		"request_id": resp.RequestID,
		"action":     resp.Action,
	}
	if resp.BehindAdvisory {
		payload["behind_advisory"] = true
	}
	writeJSON(w, http.StatusAccepted, payload)
}

// statusForError maps service errors to HTTP statuses. Local
// precondition failures read as unprocessable; contention as conflict;
// transport loss as bad gateway.
func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrNotAttached):
		return http.StatusConflict
	case errors.Is(err, schema.ErrChannelBusy),
		errors.Is(err, schema.ErrActionInFlight),
		errors.Is(err, schema.ErrTerminalDisposed):
		return http.StatusConflict
	case errors.Is(err, schema.ErrEmptyCommitMessage),
		errors.Is(err, schema.ErrConflictedFiles),
		errors.Is(err, schema.ErrNoChanges),
		errors.Is(err, schema.ErrDetachedHead),
		errors.Is(err, schema.ErrInvalidPort):
		return http.StatusUnprocessableEntity
	case errors.Is(err, schema.ErrUnauthorized):
		return http.StatusBadGateway
	case errors.Is(err, schema.ErrTransportClosed):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
