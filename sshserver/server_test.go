package sshserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/proliferate-ai/proliferate-sub003/internal/eventbus"
	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

type bridgeService struct {
	mu        sync.Mutex
	writes    [][]byte
	resizes   []schema.TerminalSize
	writeSeen chan []byte
}

func newBridgeService() *bridgeService {
	return &bridgeService{writeSeen: make(chan []byte, 16)}
}

func (f *bridgeService) Attach(context.Context, schema.AttachRequest) (schema.AttachResponse, error) {
	return schema.AttachResponse{}, nil
}

func (f *bridgeService) Detach(context.Context, schema.DetachRequest) (schema.DetachResponse, error) {
	return schema.DetachResponse{}, nil
}

func (f *bridgeService) Snapshot(context.Context, schema.SnapshotRequest) (schema.SnapshotResponse, error) {
	return schema.SnapshotResponse{Snapshot: schema.SyncSnapshot{
		Session: schema.Session{ID: "sess-1", State: schema.SessionRunning},
	}}, nil
}

func (f *bridgeService) WriteTerminal(_ context.Context, req schema.WriteTerminalRequest) (schema.WriteTerminalResponse, error) {
	f.mu.Lock()
	f.writes = append(f.writes, req.Data)
	f.mu.Unlock()
	f.writeSeen <- req.Data
	return schema.WriteTerminalResponse{Written: len(req.Data)}, nil
}

func (f *bridgeService) ResizeTerminal(_ context.Context, req schema.ResizeTerminalRequest) (schema.ResizeTerminalResponse, error) {
	size := schema.TerminalSize{Cols: req.Cols, Rows: req.Rows}
	f.mu.Lock()
	f.resizes = append(f.resizes, size)
	f.mu.Unlock()
	return schema.ResizeTerminalResponse{Size: size}, nil
}

func (f *bridgeService) TerminalBuffer(context.Context, schema.TerminalBufferRequest) (schema.TerminalBufferResponse, error) {
	return schema.TerminalBufferResponse{Lines: []string{"ready"}, TotalLines: 1, Status: schema.TerminalConnected}, nil
}

func (f *bridgeService) ListServices(context.Context, schema.ListServicesRequest) (schema.ListServicesResponse, error) {
	return schema.ListServicesResponse{}, nil
}

func (f *bridgeService) StopService(context.Context, schema.StopServiceRequest) (schema.StopServiceResponse, error) {
	return schema.StopServiceResponse{}, nil
}

func (f *bridgeService) RestartService(context.Context, schema.RestartServiceRequest) (schema.RestartServiceResponse, error) {
	return schema.RestartServiceResponse{}, nil
}

func (f *bridgeService) ExposePort(context.Context, schema.ExposePortRequest) (schema.ExposePortResponse, error) {
	return schema.ExposePortResponse{}, nil
}

func (f *bridgeService) SelectLogService(context.Context, schema.SelectLogServiceRequest) (schema.SelectLogServiceResponse, error) {
	return schema.SelectLogServiceResponse{}, nil
}

func (f *bridgeService) LogBuffer(context.Context, schema.LogBufferRequest) (schema.LogBufferResponse, error) {
	return schema.LogBufferResponse{}, nil
}

func (f *bridgeService) GitStatus(context.Context, schema.GitStatusRequest) (schema.GitStatusResponse, error) {
	return schema.GitStatusResponse{}, nil
}

func (f *bridgeService) CreateBranch(context.Context, schema.CreateBranchRequest) (schema.GitDispatchResponse, error) {
	return schema.GitDispatchResponse{}, nil
}

func (f *bridgeService) Commit(context.Context, schema.CommitRequest) (schema.GitDispatchResponse, error) {
	return schema.GitDispatchResponse{}, nil
}

func (f *bridgeService) Push(context.Context, schema.PushRequest) (schema.GitDispatchResponse, error) {
	return schema.GitDispatchResponse{}, nil
}

func (f *bridgeService) CreatePR(context.Context, schema.CreatePRRequest) (schema.GitDispatchResponse, error) {
	return schema.GitDispatchResponse{}, nil
}

func TestSSHBridgeRoundTrip(t *testing.T) {
	dir := t.TempDir()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}
	keysPath := filepath.Join(dir, "authorized_keys")
	if err := os.WriteFile(keysPath, ssh.MarshalAuthorizedKey(clientPub), 0o600); err != nil {
		t.Fatalf("write authorized keys: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	logger := pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured})
	bus := eventbus.New(logger)
	svc := newBridgeService()
	server := &Server{
		HostKeyPath:        filepath.Join(dir, "host_key"),
		AuthorizedKeysPath: keysPath,
		Listener:           listener,
		Service:            svc,
		EventBus:           bus,
		logger:             logger,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.ListenAndServe(ctx) }()

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	config := &ssh.ClientConfig{
		User:            "dev",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	var client *ssh.Client
	for i := 0; i < 50; i++ {
		client, err = ssh.Dial("tcp", listener.Addr().String(), config)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer session.Close()
	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatalf("stdin: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout: %v", err)
	}
	if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("request pty: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}

	// Scrollback paints first; reading it proves the session loop is up
	// and subscribed before output is published.
	scrollback := make([]byte, len("ready"))
	if _, err := io.ReadFull(stdout, scrollback); err != nil {
		t.Fatalf("read scrollback: %v", err)
	}
	if string(scrollback) != "ready" {
		t.Fatalf("unexpected scrollback: %q", scrollback)
	}

	if _, err := stdin.Write([]byte("ls\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	select {
	case data := <-svc.writeSeen:
		if string(data) != "ls\n" {
			t.Fatalf("unexpected input bytes: %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for input to reach the service")
	}

	bus.OnTerminalOutput(schema.TerminalOutputEvent{SessionID: "sess-1", Data: []byte("hello")})
	output := make([]byte, len("hello"))
	if _, err := io.ReadFull(stdout, output); err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(output) != "hello" {
		t.Fatalf("unexpected output: %q", output)
	}

	bus.OnTerminalStatus(schema.TerminalStatusEvent{SessionID: "sess-1", Status: schema.TerminalDisposed})
	waitDone := make(chan error, 1)
	go func() { waitDone <- session.Wait() }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for session close after dispose")
	}

	svc.mu.Lock()
	resizes := len(svc.resizes)
	svc.mu.Unlock()
	if resizes == 0 {
		t.Fatalf("expected the pty size to reach the service")
	}

	cancel()
	select {
	case <-serveDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for server shutdown")
	}
}
