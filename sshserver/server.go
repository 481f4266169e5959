package sshserver

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/proliferate-ai/proliferate-sub003/core"
	"github.com/proliferate-ai/proliferate-sub003/internal/eventbus"
	"github.com/proliferate-ai/proliferate-sub003/internal/logx"
	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// Server bridges SSH ptys onto the attached session's terminal
// channel. Keystrokes flow to the remote pty; output events flow back
// to every connected SSH client.
type Server struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	Listener           net.Listener
	Service            core.Service
	EventBus           *eventbus.Bus
	logger             pslog.Logger

	authorizedKeys []ssh.PublicKey
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.Service == nil {
		return errors.New("service is required for SSH")
	}

	signer, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}
	keys, err := LoadAuthorizedKeys(s.AuthorizedKeysPath)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.New("authorized keys file is empty")
	}
	s.authorizedKeys = keys

	server := &gliderssh.Server{
		Addr:             s.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	fingerprint := ssh.FingerprintSHA256(key)
	log = log.With("remote", remoteAddr(ctx), "fingerprint", fingerprint)
	for _, authorized := range s.authorizedKeys {
		if gliderssh.KeysEqual(key, authorized) {
			log.Info("ssh pubkey accepted")
			return true
		}
	}
	log.Warn("ssh pubkey rejected", "reason", "no matching key")
	return false
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(sess.Context())
	}
	remote := sess.RemoteAddr().String()
	log = log.With("remote", remote)
	if sshSession := sess.Context().SessionID(); sshSession != "" {
		log = log.With("ssh_session", sshSession)
	}

	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		return
	}

	ctx := sess.Context()
	snap, err := s.Service.Snapshot(ctx, schema.SnapshotRequest{})
	if err != nil {
		log.Info("ssh session rejected", "reason", "no session attached", "err", err)
		_, _ = io.WriteString(sess, "no session attached\r\n")
		return
	}
	sessionID := snap.Snapshot.Session.ID
	log = log.With("session", sessionID)
	callCtx := logx.ContextWithSessionLogger(ctx, log, sessionID)

	log.Info("ssh session opened", "term", pty.Term, "cols", pty.Window.Width, "rows", pty.Window.Height)

	if _, err := s.Service.ResizeTerminal(callCtx, schema.ResizeTerminalRequest{
		Cols: pty.Window.Width,
		Rows: pty.Window.Height,
	}); err != nil {
		log.Warn("ssh resize failed", "err", err)
	}

	events, unsubscribe := s.EventBus.Subscribe(sessionID)
	if unsubscribe != nil {
		defer unsubscribe()
	}

	s.paintScrollback(callCtx, sess)

	inputDone := make(chan error, 1)
	go s.pumpInput(callCtx, sess, inputDone)

	for {
		select {
		case <-ctx.Done():
			log.Info("ssh session closed", "reason", "context done")
			return
		case err := <-inputDone:
			if err != nil && !errors.Is(err, io.EOF) {
				log.Info("ssh session closed", "reason", "input error", "err", err)
				return
			}
			log.Info("ssh session closed", "reason", "client eof")
			return
		case win, ok := <-winCh:
			if !ok {
				continue
			}
			if _, err := s.Service.ResizeTerminal(callCtx, schema.ResizeTerminalRequest{
				Cols: win.Width,
				Rows: win.Height,
			}); err != nil {
				log.Warn("ssh resize failed", "err", err)
			}
		case event, ok := <-events:
			if !ok {
				log.Info("ssh session closed", "reason", "bus closed")
				return
			}
			switch event.Type {
			case eventbus.EventTerminalOutput:
				if _, err := sess.Write(event.TerminalOutput.Data); err != nil {
					log.Info("ssh session closed", "reason", "write failed", "err", err)
					return
				}
			case eventbus.EventTerminalStatus:
				if event.TerminalStatus.Status == schema.TerminalDisposed {
					log.Info("ssh session closed", "reason", "terminal disposed")
					_, _ = io.WriteString(sess, "\r\nsession detached\r\n")
					return
				}
			}
		}
	}
}

// paintScrollback replays the local buffer so a freshly connected
// client sees recent output instead of a blank screen.
func (s *Server) paintScrollback(ctx context.Context, sess gliderssh.Session) {
	resp, err := s.Service.TerminalBuffer(ctx, schema.TerminalBufferRequest{})
	if err != nil || len(resp.Lines) == 0 {
		return
	}
	_, _ = io.WriteString(sess, strings.Join(resp.Lines, "\r\n"))
}

func (s *Server) pumpInput(ctx context.Context, sess gliderssh.Session, done chan<- error) {
	log := logx.Ctx(ctx)
	buf := make([]byte, 4096)
	for {
		n, err := sess.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if _, werr := s.Service.WriteTerminal(ctx, schema.WriteTerminalRequest{Data: data}); werr != nil {
				if errors.Is(werr, schema.ErrTerminalDisposed) || errors.Is(werr, schema.ErrNotAttached) {
					done <- werr
					return
				}
				log.Debug("ssh input dropped", "bytes", n, "err", werr)
			}
		}
		if err != nil {
			done <- err
			return
		}
	}
}
