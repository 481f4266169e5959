package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// terminalChannel keeps one duplex terminal stream alive for an
// attached session. A dropped socket is redialed after a fixed delay
// until the channel is disposed; the last known viewport size is
// renegotiated on every fresh connect.
type terminalChannel struct {
	session   schema.SessionID
	transport Transport
	sink      EventSink
	cfg       schema.SyncConfig
	log       pslog.Logger

	mu      sync.Mutex
	status  schema.TerminalStatus
	size    schema.TerminalSize
	buffer  *termBuffer
	conn    TerminalConn
	cancel  context.CancelFunc
	started bool
}

func newTerminalChannel(session schema.SessionID, transport Transport, sink EventSink, cfg schema.SyncConfig, logger pslog.Logger) *terminalChannel {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &terminalChannel{
		session:   session,
		transport: transport,
		sink:      sink,
		cfg:       cfg,
		log:       logger.With("session", session, "channel", schema.ChannelTerminal),
		status:    schema.TerminalClosed,
		buffer:    newTermBuffer(cfg.TerminalBufferMaxLines),
	}
}

// Start launches the connect loop. Starting an already-started channel
// is a no-op, so an idempotent re-attach never stacks a second socket.
func (t *terminalChannel) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		t.log.Debug("terminal start skipped", "reason", "already running")
		return
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()
	go t.run(runCtx)
}

// Dispose tears the channel down for good. Terminal state is final;
// no reconnect follows.
func (t *terminalChannel) Dispose() {
	t.mu.Lock()
	cancel := t.cancel
	conn := t.conn
	t.conn = nil
	t.cancel = nil
	disposed := t.status == schema.TerminalDisposed
	t.status = schema.TerminalDisposed
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if !disposed {
		t.emitStatus(schema.TerminalDisposed)
		t.log.Info("terminal disposed")
	}
}

// Write sends raw keystroke bytes to the remote pty.
func (t *terminalChannel) Write(data []byte) (int, error) {
	t.mu.Lock()
	if t.status == schema.TerminalDisposed {
		t.mu.Unlock()
		return 0, schema.ErrTerminalDisposed
	}
	conn := t.conn
	connected := t.status == schema.TerminalConnected
	t.mu.Unlock()
	if !connected || conn == nil {
		return 0, schema.ErrTransportClosed
	}
	if err := conn.WriteData(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Resize records the viewport size and, when connected, pushes a
// resize frame. The recorded size is what a reconnect renegotiates, so
// the remote pty always converges on the latest size.
func (t *terminalChannel) Resize(cols, rows int) (schema.TerminalSize, error) {
	size := schema.TerminalSize{Cols: cols, Rows: rows}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == schema.TerminalDisposed {
		return schema.TerminalSize{}, schema.ErrTerminalDisposed
	}
	t.size = size
	// The frame goes out under the lock so concurrent resizes hit the
	// wire in the order they were recorded.
	if t.status == schema.TerminalConnected && t.conn != nil {
		frame := schema.ResizeFrame{Type: schema.ResizeFrameType, Cols: cols, Rows: rows}
		if err := t.conn.WriteResize(frame); err != nil {
			t.log.Warn("terminal resize send failed", "err", err)
		}
	}
	return size, nil
}

// Snapshot returns the channel's visible state.
func (t *terminalChannel) Snapshot() schema.TerminalSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return schema.TerminalSnapshot{Status: t.status, Size: t.size}
}

// BufferSnapshot returns up to limit scrollback lines.
func (t *terminalChannel) BufferSnapshot(limit int) schema.TerminalBufferResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines, total := t.buffer.Snapshot(limit)
	return schema.TerminalBufferResponse{Lines: lines, TotalLines: total, Status: t.status}
}

func (t *terminalChannel) run(ctx context.Context) {
	t.log.Info("terminal connect loop started")
	for {
		if !t.setStatus(schema.TerminalConnecting) {
			return
		}
		conn, err := t.transport.DialTerminal(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("terminal dial failed", "err", err)
			if !t.setStatus(schema.TerminalError) {
				return
			}
			if !t.setStatus(schema.TerminalClosed) {
				return
			}
			if !t.sleep(ctx, t.cfg.TerminalReconnectDelay) {
				return
			}
			continue
		}

		t.mu.Lock()
		if t.status == schema.TerminalDisposed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		size := t.size
		t.mu.Unlock()
		if !t.setStatus(schema.TerminalConnected) {
			_ = conn.Close()
			return
		}
		t.log.Info("terminal connected")
		if size.Cols > 0 && size.Rows > 0 {
			frame := schema.ResizeFrame{Type: schema.ResizeFrameType, Cols: size.Cols, Rows: size.Rows}
			if err := conn.WriteResize(frame); err != nil {
				t.log.Warn("terminal resize send failed", "err", err)
			}
		}

		readErr := t.readLoop(ctx, conn)

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			t.log.Warn("terminal stream failed", "err", readErr)
			if !t.setStatus(schema.TerminalError) {
				return
			}
		} else {
			t.log.Info("terminal stream closed")
		}
		if !t.setStatus(schema.TerminalClosed) {
			return
		}
		if !t.sleep(ctx, t.cfg.TerminalReconnectDelay) {
			return
		}
	}
}

func (t *terminalChannel) readLoop(ctx context.Context, conn TerminalConn) error {
	for {
		binary, data, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if !binary || len(data) == 0 {
			continue
		}
		t.mu.Lock()
		t.buffer.Append(data)
		t.mu.Unlock()
		if t.sink != nil {
			t.sink.OnTerminalOutput(schema.TerminalOutputEvent{
				SessionID: t.session,
				Data:      append([]byte(nil), data...),
			})
		}
	}
}

// setStatus transitions the channel state and emits the event. It
// returns false when the channel was disposed, which ends the loop.
func (t *terminalChannel) setStatus(status schema.TerminalStatus) bool {
	t.mu.Lock()
	if t.status == schema.TerminalDisposed {
		t.mu.Unlock()
		return false
	}
	if t.status == status {
		t.mu.Unlock()
		return true
	}
	t.status = status
	t.mu.Unlock()
	t.emitStatus(status)
	return true
}

func (t *terminalChannel) emitStatus(status schema.TerminalStatus) {
	if t.sink == nil {
		return
	}
	t.mu.Lock()
	size := t.size
	t.mu.Unlock()
	t.sink.OnTerminalStatus(schema.TerminalStatusEvent{
		SessionID: t.session,
		Status:    status,
		Size:      size,
	})
}

func (t *terminalChannel) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = schema.DefaultTerminalReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
