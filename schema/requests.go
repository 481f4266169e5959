package schema

// Session lifecycle.

// AttachRequest binds the sync to one sandbox session. Attaching to
// the already-attached session is a no-op for healthy channels.
type AttachRequest struct {
	Session Session
}

// AttachResponse reports the attached session.
type AttachResponse struct {
	Session Session
}

// DetachRequest tears down all channels and discards the token.
type DetachRequest struct{}

// DetachResponse reports the detached session, if any.
type DetachResponse struct {
	Session Session
}

// SnapshotRequest asks for a combined view of all channel state.
type SnapshotRequest struct{}

// SnapshotResponse carries the reconciled view.
type SnapshotResponse struct {
	Snapshot SyncSnapshot
}

// Terminal operations.

// WriteTerminalRequest sends raw keystroke bytes to the remote pty.
type WriteTerminalRequest struct {
	Data []byte
}

// WriteTerminalResponse reports the number of bytes accepted.
type WriteTerminalResponse struct {
	Written int
}

// ResizeTerminalRequest records a new viewport size. The last size is
// always what the remote side sees, including across reconnects.
type ResizeTerminalRequest struct {
	Cols int
	Rows int
}

// ResizeTerminalResponse reports the recorded size.
type ResizeTerminalResponse struct {
	Size TerminalSize
}

// TerminalBufferRequest reads the local scrollback view.
type TerminalBufferRequest struct {
	Limit int
}

// TerminalBufferResponse carries the scrollback snapshot.
type TerminalBufferResponse struct {
	Lines      []string
	TotalLines int
	Status     TerminalStatus
}

// Service registry operations.

// ListServicesRequest reads the last reconciled service inventory.
// When Refresh is set a poll is forced before returning.
type ListServicesRequest struct {
	Refresh bool
}

// ListServicesResponse carries the inventory plus the sticky poll
// error, empty when the last poll succeeded.
type ListServicesResponse struct {
	List      ServiceList
	PollError string
	Stale     bool
}

// StopServiceRequest stops a service by name. Stopping an
// already-stopped service is not an error.
type StopServiceRequest struct {
	Name ServiceName
}

// StopServiceResponse carries the post-refresh inventory.
type StopServiceResponse struct {
	List ServiceList
}

// RestartServiceRequest starts or replaces the process registered
// under Name.
type RestartServiceRequest struct {
	Name    ServiceName
	Command string
	Cwd     string
}

// RestartServiceResponse carries the post-refresh inventory.
type RestartServiceResponse struct {
	List ServiceList
}

// ExposePortRequest routes a sandbox port globally, superseding any
// previous mapping.
type ExposePortRequest struct {
	Port int
}

// ExposePortResponse carries the post-refresh inventory.
type ExposePortResponse struct {
	List ServiceList
}

// SelectLogServiceRequest switches the single live log tail to the
// named service. An empty name closes the current tail.
type SelectLogServiceRequest struct {
	Name ServiceName
}

// SelectLogServiceResponse reports the now-selected service.
type SelectLogServiceResponse struct {
	Name ServiceName
}

// LogBufferRequest reads the buffered log content for the selected
// service.
type LogBufferRequest struct{}

// LogBufferResponse carries the buffered content.
type LogBufferResponse struct {
	Name    ServiceName
	Content string
}

// Git operations.

// GitStatusRequest reads the last reconciled working-tree snapshot.
// When Refresh is set a status poll is dispatched first (subject to
// the duplicate-poll guard) but the call does not wait for it.
type GitStatusRequest struct {
	Refresh bool
}

// GitStatusResponse carries the snapshot and its freshness flags.
type GitStatusResponse struct {
	State          *GitState
	Stale          bool
	PollFailed     bool
	ActionInFlight bool
}

// CreateBranchRequest creates and checks out a branch.
type CreateBranchRequest struct {
	Name string
}

// CommitRequest records changes as a commit. Preconditions are checked
// locally; a violating request never reaches the transport.
type CommitRequest struct {
	Message          string
	IncludeUntracked bool
	Files            []string
}

// PushRequest pushes the current branch.
type PushRequest struct{}

// CreatePRRequest opens a pull request for the current branch.
type CreatePRRequest struct {
	Title      string
	Body       string
	BaseBranch string
}

// GitDispatchResponse acknowledges an accepted mutating action. The
// result arrives asynchronously as a GitResultEvent correlated by
// RequestID.
type GitDispatchResponse struct {
	RequestID string
	Action    GitAction
	// BehindAdvisory is set on push when the branch is behind its
	// remote: a non-blocking warning, not a precondition.
	BehindAdvisory bool
}
