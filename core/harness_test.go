package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/proliferate-ai/proliferate-sub003/schema"
)

// captureSink records every emitted event for assertions.
type captureSink struct {
	mu         sync.Mutex
	termStatus []schema.TerminalStatusEvent
	termOut    []schema.TerminalOutputEvent
	services   []schema.ServicesEvent
	logs       []schema.ServiceLogEvent
	gitStates  []schema.GitStateEvent
	gitResults []schema.GitResultEvent
}

func (c *captureSink) OnTerminalStatus(event schema.TerminalStatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.termStatus = append(c.termStatus, event)
}

func (c *captureSink) OnTerminalOutput(event schema.TerminalOutputEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.termOut = append(c.termOut, event)
}

func (c *captureSink) OnServices(event schema.ServicesEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = append(c.services, event)
}

func (c *captureSink) OnServiceLog(event schema.ServiceLogEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, event)
}

func (c *captureSink) OnGitState(event schema.GitStateEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gitStates = append(c.gitStates, event)
}

func (c *captureSink) OnGitResult(event schema.GitResultEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gitResults = append(c.gitResults, event)
}

func (c *captureSink) statuses() []schema.TerminalStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.TerminalStatus, 0, len(c.termStatus))
	for _, event := range c.termStatus {
		out = append(out, event.Status)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", message)
}

// fakeTransport scripts gateway behavior for channel tests.
type fakeTransport struct {
	mu           sync.Mutex
	list         schema.ServiceList
	listErr      error
	listCalls    int
	started      []startCall
	stopped      []schema.ServiceName
	stopErr      error
	exposed      []uint16
	exposeErr    error
	logCh        chan schema.LogEvent
	logErr       error
	logCancels   int
	dialTerminal func(ctx context.Context) (TerminalConn, error)
	dialGit      func(ctx context.Context) (GitConn, error)
}

type startCall struct {
	name    schema.ServiceName
	command string
	cwd     string
}

func (f *fakeTransport) ListServices(ctx context.Context) (schema.ServiceList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return schema.ServiceList{}, f.listErr
	}
	return f.list, nil
}

func (f *fakeTransport) StartService(ctx context.Context, name schema.ServiceName, command, cwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, startCall{name: name, command: command, cwd: cwd})
	return nil
}

func (f *fakeTransport) StopService(ctx context.Context, name schema.ServiceName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeTransport) ExposePort(ctx context.Context, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exposeErr != nil {
		return f.exposeErr
	}
	f.exposed = append(f.exposed, port)
	return nil
}

func (f *fakeTransport) StreamLogs(ctx context.Context, name schema.ServiceName) (<-chan schema.LogEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return nil, nil, f.logErr
	}
	ch := f.logCh
	if ch == nil {
		ch = make(chan schema.LogEvent)
	}
	return ch, func() {
		f.mu.Lock()
		f.logCancels++
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) DialTerminal(ctx context.Context) (TerminalConn, error) {
	f.mu.Lock()
	dial := f.dialTerminal
	f.mu.Unlock()
	if dial == nil {
		return nil, errors.New("no terminal endpoint")
	}
	return dial(ctx)
}

func (f *fakeTransport) DialGit(ctx context.Context) (GitConn, error) {
	f.mu.Lock()
	dial := f.dialGit
	f.mu.Unlock()
	if dial == nil {
		return nil, errors.New("no git endpoint")
	}
	return dial(ctx)
}

// fakeTerminalConn is a scriptable terminal socket.
type fakeTerminalConn struct {
	frames chan termFrame

	mu      sync.Mutex
	writes  [][]byte
	resizes []schema.ResizeFrame
	closed  chan struct{}
	once    sync.Once
}

type termFrame struct {
	binary bool
	data   []byte
}

func newFakeTerminalConn() *fakeTerminalConn {
	return &fakeTerminalConn{
		frames: make(chan termFrame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeTerminalConn) ReadFrame() (bool, []byte, error) {
	select {
	case frame := <-c.frames:
		return frame.binary, frame.data, nil
	case <-c.closed:
		return false, nil, io.EOF
	}
}

func (c *fakeTerminalConn) WriteData(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeTerminalConn) WriteResize(frame schema.ResizeFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizes = append(c.resizes, frame)
	return nil
}

func (c *fakeTerminalConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeTerminalConn) resizeFrames() []schema.ResizeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.ResizeFrame(nil), c.resizes...)
}

// fakeGitConn is a scriptable git socket.
type fakeGitConn struct {
	inbound chan schema.GitChannelMessage

	mu       sync.Mutex
	requests []schema.GitActionRequest
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newFakeGitConn() *fakeGitConn {
	return &fakeGitConn{
		inbound: make(chan schema.GitChannelMessage, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeGitConn) ReadMessage() (schema.GitChannelMessage, error) {
	select {
	case message := <-c.inbound:
		return message, nil
	case <-c.closed:
		return schema.GitChannelMessage{}, io.EOF
	}
}

func (c *fakeGitConn) WriteRequest(req schema.GitActionRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.requests = append(c.requests, req)
	return nil
}

func (c *fakeGitConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeGitConn) sent() []schema.GitActionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.GitActionRequest(nil), c.requests...)
}

func testConfig() schema.SyncConfig {
	return schema.SyncConfig{
		ServicePollInterval:    time.Hour,
		GitPollInterval:        time.Hour,
		TerminalReconnectDelay: 5 * time.Millisecond,
		GitReconnectDelay:      5 * time.Millisecond,
		TerminalBufferMaxLines: 100,
		LogBufferMaxBytes:      1024,
	}
}
