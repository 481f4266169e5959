package core

import (
	"context"

	"github.com/proliferate-ai/proliferate-sub003/schema"
)

// Service is the transport-agnostic API for keeping one local view
// synchronized with a remote sandbox session.
type Service interface {
	Attach(ctx context.Context, req schema.AttachRequest) (schema.AttachResponse, error)
	Detach(ctx context.Context, req schema.DetachRequest) (schema.DetachResponse, error)
	Snapshot(ctx context.Context, req schema.SnapshotRequest) (schema.SnapshotResponse, error)

	WriteTerminal(ctx context.Context, req schema.WriteTerminalRequest) (schema.WriteTerminalResponse, error)
	ResizeTerminal(ctx context.Context, req schema.ResizeTerminalRequest) (schema.ResizeTerminalResponse, error)
	TerminalBuffer(ctx context.Context, req schema.TerminalBufferRequest) (schema.TerminalBufferResponse, error)

	ListServices(ctx context.Context, req schema.ListServicesRequest) (schema.ListServicesResponse, error)
	StopService(ctx context.Context, req schema.StopServiceRequest) (schema.StopServiceResponse, error)
	RestartService(ctx context.Context, req schema.RestartServiceRequest) (schema.RestartServiceResponse, error)
	ExposePort(ctx context.Context, req schema.ExposePortRequest) (schema.ExposePortResponse, error)
	SelectLogService(ctx context.Context, req schema.SelectLogServiceRequest) (schema.SelectLogServiceResponse, error)
	LogBuffer(ctx context.Context, req schema.LogBufferRequest) (schema.LogBufferResponse, error)

	GitStatus(ctx context.Context, req schema.GitStatusRequest) (schema.GitStatusResponse, error)
	CreateBranch(ctx context.Context, req schema.CreateBranchRequest) (schema.GitDispatchResponse, error)
	Commit(ctx context.Context, req schema.CommitRequest) (schema.GitDispatchResponse, error)
	Push(ctx context.Context, req schema.PushRequest) (schema.GitDispatchResponse, error)
	CreatePR(ctx context.Context, req schema.CreatePRRequest) (schema.GitDispatchResponse, error)
}

// TokenResolver exchanges a session ID for a connection token. The
// sync calls it lazily and again after an authorization failure, never
// on a timer.
type TokenResolver interface {
	Resolve(ctx context.Context, sessionID schema.SessionID) (string, error)
}

// TokenSource is the per-session token view handed to a Transport.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(stale string)
}

// TerminalConn is one open terminal socket. Binary frames carry raw
// pty bytes; resize control travels as a separate frame kind so it
// never collides with payload.
type TerminalConn interface {
	// ReadFrame returns the next inbound frame. binary is true for pty
	// output; anything else is control and skipped by the reader.
	ReadFrame() (binary bool, data []byte, err error)
	WriteData(data []byte) error
	WriteResize(frame schema.ResizeFrame) error
	Close() error
}

// GitConn is one open git push-channel socket.
type GitConn interface {
	ReadMessage() (schema.GitChannelMessage, error)
	WriteRequest(req schema.GitActionRequest) error
	Close() error
}

// Transport is the gateway-facing surface one attached session drives.
// Implementations map authorization failures to schema.ErrUnauthorized.
type Transport interface {
	ListServices(ctx context.Context) (schema.ServiceList, error)
	StartService(ctx context.Context, name schema.ServiceName, command, cwd string) error
	StopService(ctx context.Context, name schema.ServiceName) error
	ExposePort(ctx context.Context, port uint16) error
	StreamLogs(ctx context.Context, name schema.ServiceName) (<-chan schema.LogEvent, func(), error)
	DialTerminal(ctx context.Context) (TerminalConn, error)
	DialGit(ctx context.Context) (GitConn, error)
}

// TransportProvider builds a Transport for one session. The token
// source is shared by every channel of that session so one rejection
// triggers one coordinated re-resolve.
type TransportProvider interface {
	TransportFor(session schema.Session, tokens TokenSource) Transport
}
