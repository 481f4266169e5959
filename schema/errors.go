package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates the connection token was rejected.
	// It invalidates all three channels at once and forces a
	// coordinated re-resolve.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransportClosed indicates a socket or stream dropped. The
	// owning channel absorbs it and reconnects; it is never fatal.
	ErrTransportClosed = errors.New("transport closed")
	// ErrNotAttached indicates no session is attached.
	ErrNotAttached = errors.New("no session attached")
	// ErrChannelBusy indicates the working tree is busy and mutating
	// actions are refused locally.
	ErrChannelBusy = errors.New("git channel is busy")
	// ErrActionInFlight indicates another mutating action has not yet
	// resolved.
	ErrActionInFlight = errors.New("git action already in flight")
	// ErrEmptyCommitMessage indicates a commit with no message.
	ErrEmptyCommitMessage = errors.New("commit message is empty")
	// ErrConflictedFiles indicates a commit attempted over conflicts.
	ErrConflictedFiles = errors.New("working tree has conflicted files")
	// ErrNoChanges indicates a commit with nothing to record.
	ErrNoChanges = errors.New("nothing to commit")
	// ErrDetachedHead indicates a push or PR from a detached HEAD.
	ErrDetachedHead = errors.New("head is detached")
	// ErrInvalidPort indicates an expose request outside 1..65535.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")
	// ErrTerminalDisposed indicates an operation on a torn-down
	// terminal channel.
	ErrTerminalDisposed = errors.New("terminal channel disposed")
)

// RemoteActionError reports a gateway-side action failure
// (success=false on the result). Quiet-coded failures should be
// presented as information, not alarms.
type RemoteActionError struct {
	Action  GitAction
	Code    ResultCode
	Message string
}

// Error implements error.
func (e *RemoteActionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Action, e.Message, e.Code)
	}
	return fmt.Sprintf("%s failed: %s", e.Action, e.Message)
}

// Quiet reports whether the failure belongs to the known quiet set.
func (e *RemoteActionError) Quiet() bool {
	return e.Code.Quiet()
}

// PollError wraps a transient list/status fetch failure. It is shown
// as a soft indicator, cleared by the next success, and never fatal.
type PollError struct {
	Channel ChannelName
	Err     error
}

// Error implements error.
func (e *PollError) Error() string {
	return fmt.Sprintf("%s poll failed: %v", e.Channel, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *PollError) Unwrap() error {
	return e.Err
}
