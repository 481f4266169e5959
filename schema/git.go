package schema

// GitFileChange is one changed path in the working tree.
type GitFileChange struct {
	Path   string `json:"path"`
	Status string `json:"status,omitempty"`
}

// GitCommit is one entry in the recent-commit log, most recent first.
type GitCommit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// GitState is a point-in-time snapshot of the sandbox working tree.
// Snapshots are replaced wholesale: a refresh produces a complete new
// GitState or none at all, never a field-by-field patch.
type GitState struct {
	Branch           string          `json:"branch"`
	Detached         bool            `json:"detached"`
	Ahead            *int            `json:"ahead,omitempty"`
	Behind           *int            `json:"behind,omitempty"`
	IsShallow        bool            `json:"isShallow"`
	IsBusy           bool            `json:"isBusy"`
	RebaseInProgress bool            `json:"rebaseInProgress"`
	MergeInProgress  bool            `json:"mergeInProgress"`
	StagedChanges    []GitFileChange `json:"stagedChanges"`
	UnstagedChanges  []GitFileChange `json:"unstagedChanges"`
	UntrackedFiles   []string        `json:"untrackedFiles"`
	ConflictedFiles  []string        `json:"conflictedFiles"`
	Commits          []GitCommit     `json:"commits"`
}

// Busy reports whether the working tree is in a state that forbids
// dispatching new mutating actions. Status polls are always permitted.
func (s GitState) Busy() bool {
	return s.IsBusy || s.RebaseInProgress || s.MergeInProgress
}

// HasChanges reports whether a commit considering includeUntracked
// would have anything to record.
func (s GitState) HasChanges(includeUntracked bool) bool {
	if len(s.StagedChanges) > 0 || len(s.UnstagedChanges) > 0 {
		return true
	}
	return includeUntracked && len(s.UntrackedFiles) > 0
}

// GitAction tags a git request and its matching result.
type GitAction string

const (
	// GitGetStatus requests a fresh GitState snapshot.
	GitGetStatus GitAction = "get_status"
	// GitCreateBranch creates and checks out a new branch.
	GitCreateBranch GitAction = "create_branch"
	// GitCommitAction records staged/unstaged (and optionally
	// untracked) changes as a commit.
	GitCommitAction GitAction = "commit"
	// GitPush pushes the current branch to its remote.
	GitPush GitAction = "push"
	// GitCreatePR opens a pull request for the current branch.
	GitCreatePR GitAction = "create_pr"
)

// Mutating reports whether the action changes repository state. Only
// mutating actions are subject to the busy guard and the one-in-flight
// rule.
func (a GitAction) Mutating() bool {
	return a != GitGetStatus && a != ""
}

// GitActionRequest travels client to gateway on the git push channel.
// ID is minted per request so results correlate unambiguously even when
// two actions of the same kind overlap; the legacy gateway echoes only
// the action tag, which tag-correlation mode accommodates.
type GitActionRequest struct {
	ID               string    `json:"id,omitempty"`
	Action           GitAction `json:"action"`
	Branch           string    `json:"branch,omitempty"`
	Message          string    `json:"message,omitempty"`
	IncludeUntracked bool      `json:"includeUntracked,omitempty"`
	Files            []string  `json:"files,omitempty"`
	Title            string    `json:"title,omitempty"`
	Body             string    `json:"body,omitempty"`
	BaseBranch       string    `json:"baseBranch,omitempty"`
}

// ResultCode classifies well-known non-fatal outcomes.
type ResultCode string

const (
	// CodeNothingToCommit means the working tree had no changes.
	CodeNothingToCommit ResultCode = "NOTHING_TO_COMMIT"
	// CodeNoRemote means the repository has no push target.
	CodeNoRemote ResultCode = "NO_REMOTE"
	// CodeMultipleRemotes means the push target was ambiguous.
	CodeMultipleRemotes ResultCode = "MULTIPLE_REMOTES"
	// CodeBranchExists means the requested branch name is taken.
	CodeBranchExists ResultCode = "BRANCH_EXISTS"
)

// Quiet reports whether a failure with this code should read as
// neutral information rather than an alarm.
func (c ResultCode) Quiet() bool {
	switch c {
	case CodeNothingToCommit, CodeNoRemote, CodeMultipleRemotes, CodeBranchExists:
		return true
	default:
		return false
	}
}

// GitActionResult travels gateway to client on the git push channel.
type GitActionResult struct {
	ID      string     `json:"id,omitempty"`
	Action  GitAction  `json:"action"`
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Code    ResultCode `json:"code,omitempty"`
	PRURL   string     `json:"prUrl,omitempty"`
	State   *GitState  `json:"state,omitempty"`
}

// Quiet reports whether the result should be surfaced as information
// rather than an error. Successes are always quiet in this sense.
func (r GitActionResult) Quiet() bool {
	return r.Success || r.Code.Quiet()
}

// Git push-channel message framing. The gateway multiplexes full
// snapshots and action results over one socket.

// GitMessageType discriminates git channel payloads.
type GitMessageType string

const (
	// GitMessageStatus carries a full GitState snapshot.
	GitMessageStatus GitMessageType = "status"
	// GitMessageResult carries a GitActionResult.
	GitMessageResult GitMessageType = "result"
)

// GitChannelMessage is one inbound message on the git socket.
type GitChannelMessage struct {
	Type   GitMessageType   `json:"type"`
	State  *GitState        `json:"state,omitempty"`
	Result *GitActionResult `json:"result,omitempty"`
}
