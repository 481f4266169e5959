package schema

// SessionID identifies one remote sandbox session.
type SessionID string

// SessionState is the lifecycle state of a sandbox session as reported
// by the session-identity provider.
type SessionState string

const (
	// SessionCreating means the sandbox is still being provisioned.
	SessionCreating SessionState = "creating"
	// SessionRunning means the sandbox is reachable.
	SessionRunning SessionState = "running"
	// SessionStopped means the sandbox has been shut down.
	SessionStopped SessionState = "stopped"
)

// Session is the immutable context a sync attaches to.
type Session struct {
	ID    SessionID
	State SessionState
}

// ChannelName identifies one of the three gateway sub-protocols.
type ChannelName string

const (
	// ChannelTerminal is the interactive terminal channel.
	ChannelTerminal ChannelName = "terminal"
	// ChannelServices is the service registry channel.
	ChannelServices ChannelName = "services"
	// ChannelGit is the git status/action channel.
	ChannelGit ChannelName = "git"
)

// TerminalStatus is the connection state of the terminal channel.
type TerminalStatus string

const (
	// TerminalConnecting means a socket dial is in progress.
	TerminalConnecting TerminalStatus = "connecting"
	// TerminalConnected means the duplex stream is open.
	TerminalConnected TerminalStatus = "connected"
	// TerminalError means the socket reported an error; close follows.
	TerminalError TerminalStatus = "error"
	// TerminalClosed means the socket dropped and a reconnect is pending.
	TerminalClosed TerminalStatus = "closed"
	// TerminalDisposed means the channel was torn down for good.
	TerminalDisposed TerminalStatus = "disposed"
)

// TerminalSize is the last rendered viewport in character cells.
type TerminalSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ResizeFrame is the control frame sent over the terminal socket when
// the local viewport changes. It travels as a text message; raw pty
// bytes travel as binary messages, so control signaling never collides
// with output payload.
type ResizeFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ResizeFrameType is the Type value of a ResizeFrame.
const ResizeFrameType = "resize"
