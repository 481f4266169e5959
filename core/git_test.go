package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/proliferate-ai/proliferate-sub003/schema"
)

type gitQueue struct {
	mu    sync.Mutex
	conns []*fakeGitConn
}

func (q *gitQueue) dial(ctx context.Context) (GitConn, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.conns) == 0 {
		return nil, errors.New("gateway unreachable")
	}
	conn := q.conns[0]
	q.conns = q.conns[1:]
	return conn, nil
}

func startGit(t *testing.T, cfg schema.SyncConfig, conns ...*fakeGitConn) (*gitChannel, *captureSink, *fakeGitConn) {
	t.Helper()
	queue := &gitQueue{conns: conns}
	transport := &fakeTransport{dialGit: queue.dial}
	sink := &captureSink{}
	git := newGitChannel("sess-1", transport, sink, cfg, nil)
	git.Start(context.Background())
	t.Cleanup(git.Dispose)
	conn := conns[0]
	// The connect loop primes a status request on every fresh socket.
	waitFor(t, func() bool { return len(conn.sent()) >= 1 }, "initial status request")
	return git, sink, conn
}

func runningState() *schema.GitState {
	return &schema.GitState{
		Branch:          "main",
		UnstagedChanges: []schema.GitFileChange{{Path: "a.go", Status: "M"}},
	}
}

func TestGitStatusReplacesWholesale(t *testing.T) {
	git, sink, conn := startGit(t, testConfig(), newFakeGitConn())

	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: runningState()}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")

	next := &schema.GitState{Branch: "feature"}
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: next}
	waitFor(t, func() bool {
		state := git.Snapshot().State
		return state != nil && state.Branch == "feature"
	}, "state replaced")

	state := git.Snapshot().State
	if len(state.UnstagedChanges) != 0 {
		t.Fatalf("stale fields leaked into replaced state: %+v", state)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.gitStates) != 2 {
		t.Fatalf("expected 2 state events, got %d", len(sink.gitStates))
	}
}

func TestGitDispatchCorrelatesByRequestID(t *testing.T) {
	git, sink, conn := startGit(t, testConfig(), newFakeGitConn())
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: runningState()}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")

	resp, err := git.Commit("fix things", false, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if resp.RequestID == "" || resp.Action != schema.GitCommitAction {
		t.Fatalf("unexpected dispatch response: %+v", resp)
	}
	if !git.Snapshot().ActionInFlight {
		t.Fatalf("expected action in flight")
	}

	// A result carrying a foreign ID must not settle the action.
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageResult, Result: &schema.GitActionResult{
		ID: "someone-else", Action: schema.GitCommitAction, Success: true,
	}}
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.gitResults) == 1
	}, "foreign result surfaced")
	if !git.Snapshot().ActionInFlight {
		t.Fatalf("foreign result must not clear the in-flight action")
	}

	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageResult, Result: &schema.GitActionResult{
		ID: resp.RequestID, Action: schema.GitCommitAction, Success: true,
	}}
	waitFor(t, func() bool { return !git.Snapshot().ActionInFlight }, "matching result settles action")
}

func TestGitTagCorrelationMode(t *testing.T) {
	cfg := testConfig()
	cfg.TagCorrelation = true
	git, _, conn := startGit(t, cfg, newFakeGitConn())
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: runningState()}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")

	if _, err := git.Commit("fix things", false, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Legacy gateways echo only the action tag.
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageResult, Result: &schema.GitActionResult{
		Action: schema.GitCommitAction, Success: true,
	}}
	waitFor(t, func() bool { return !git.Snapshot().ActionInFlight }, "tag-matched result settles action")
}

func TestGitBusyGuardRefusesMutations(t *testing.T) {
	git, _, conn := startGit(t, testConfig(), newFakeGitConn())
	busy := runningState()
	busy.RebaseInProgress = true
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: busy}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")

	if _, err := git.Commit("msg", false, nil); !errors.Is(err, schema.ErrChannelBusy) {
		t.Fatalf("expected ErrChannelBusy, got %v", err)
	}
	if _, err := git.Push(); !errors.Is(err, schema.ErrChannelBusy) {
		t.Fatalf("expected ErrChannelBusy for push, got %v", err)
	}
}

func TestGitSingleActionInFlight(t *testing.T) {
	git, _, conn := startGit(t, testConfig(), newFakeGitConn())
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: runningState()}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")

	if _, err := git.Commit("first", false, nil); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := git.CreateBranch("feature"); !errors.Is(err, schema.ErrActionInFlight) {
		t.Fatalf("expected ErrActionInFlight, got %v", err)
	}
}

func TestGitCommitPreconditions(t *testing.T) {
	git, _, conn := startGit(t, testConfig(), newFakeGitConn())

	if _, err := git.Commit("  ", false, nil); !errors.Is(err, schema.ErrEmptyCommitMessage) {
		t.Fatalf("expected ErrEmptyCommitMessage, got %v", err)
	}

	conflicted := runningState()
	conflicted.ConflictedFiles = []string{"a.go"}
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: conflicted}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")
	if _, err := git.Commit("msg", false, nil); !errors.Is(err, schema.ErrConflictedFiles) {
		t.Fatalf("expected ErrConflictedFiles, got %v", err)
	}

	clean := &schema.GitState{Branch: "main", UntrackedFiles: []string{"new.go"}}
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: clean}
	waitFor(t, func() bool {
		state := git.Snapshot().State
		return state != nil && len(state.ConflictedFiles) == 0
	}, "clean state installed")
	if _, err := git.Commit("msg", false, nil); !errors.Is(err, schema.ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges without untracked, got %v", err)
	}
	if _, err := git.Commit("msg", true, nil); err != nil {
		t.Fatalf("commit with untracked: %v", err)
	}
}

func TestGitPushDetachedAndBehind(t *testing.T) {
	git, _, conn := startGit(t, testConfig(), newFakeGitConn())

	detached := &schema.GitState{Detached: true}
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: detached}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")
	if _, err := git.Push(); !errors.Is(err, schema.ErrDetachedHead) {
		t.Fatalf("expected ErrDetachedHead, got %v", err)
	}
	if _, err := git.CreatePR("t", "b", "main"); !errors.Is(err, schema.ErrDetachedHead) {
		t.Fatalf("expected ErrDetachedHead for PR, got %v", err)
	}

	behind := 2
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: &schema.GitState{Branch: "main", Behind: &behind}}
	waitFor(t, func() bool {
		state := git.Snapshot().State
		return state != nil && !state.Detached
	}, "behind state installed")
	resp, err := git.Push()
	if err != nil {
		t.Fatalf("push behind remote must be allowed: %v", err)
	}
	if !resp.BehindAdvisory {
		t.Fatalf("expected behind advisory on push")
	}
}

func TestGitStatusPollGuard(t *testing.T) {
	git, _, conn := startGit(t, testConfig(), newFakeGitConn())

	// One status request is already outstanding from connect.
	git.requestStatus()
	git.requestStatus()
	if got := len(conn.sent()); got != 1 {
		t.Fatalf("duplicate polls dispatched: %d", got)
	}

	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: runningState()}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "poll settled")
	git.requestStatus()
	waitFor(t, func() bool { return len(conn.sent()) == 2 }, "next poll allowed after result")
}

func TestGitReconnectFailsLostAction(t *testing.T) {
	first := newFakeGitConn()
	second := newFakeGitConn()
	git, sink, _ := startGit(t, testConfig(), first, second)
	first.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: runningState()}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")

	if _, err := git.Commit("doomed", false, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	first.Close()

	waitFor(t, func() bool { return !git.Snapshot().ActionInFlight }, "lost action cleared on reconnect")
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		for _, event := range sink.gitResults {
			if event.Result.Action == schema.GitCommitAction && !event.Result.Success {
				return true
			}
		}
		return false
	}, "synthetic failure surfaced")
	waitFor(t, func() bool { return len(second.sent()) >= 1 }, "redialed and primed")
}

func TestGitDispatchRequiresConnection(t *testing.T) {
	transport := &fakeTransport{}
	git := newGitChannel("sess-1", transport, &captureSink{}, testConfig(), nil)

	if _, err := git.CreateBranch("feature"); !errors.Is(err, schema.ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestGitQuietResultFlagged(t *testing.T) {
	git, sink, conn := startGit(t, testConfig(), newFakeGitConn())
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: runningState()}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")

	resp, err := git.Push()
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageResult, Result: &schema.GitActionResult{
		ID:      resp.RequestID,
		Action:  schema.GitPush,
		Success: false,
		Code:    schema.CodeNoRemote,
		Message: "no remote configured",
	}}
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.gitResults) == 1
	}, "result surfaced")
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.gitResults[0].Quiet {
		t.Fatalf("NO_REMOTE failure should be quiet")
	}
}

func TestGitSuccessfulActionRefreshesStatus(t *testing.T) {
	git, _, conn := startGit(t, testConfig(), newFakeGitConn())
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: runningState()}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")

	resp, err := git.Commit("fix things", false, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	// The gateway acknowledges without an embedded snapshot; the
	// channel must poll rather than sit on the stale tree.
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageResult, Result: &schema.GitActionResult{
		ID: resp.RequestID, Action: schema.GitCommitAction, Success: true,
	}}
	waitFor(t, func() bool {
		polls := 0
		for _, req := range conn.sent() {
			if req.Action == schema.GitGetStatus {
				polls++
			}
		}
		return polls >= 2
	}, "refresh poll after successful action")
}

func TestGitResultWithSnapshotSkipsExtraPoll(t *testing.T) {
	git, _, conn := startGit(t, testConfig(), newFakeGitConn())
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageStatus, State: runningState()}
	waitFor(t, func() bool { return git.Snapshot().State != nil }, "state installed")

	resp, err := git.Commit("fix things", false, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	fresh := &schema.GitState{Branch: "main"}
	conn.inbound <- schema.GitChannelMessage{Type: schema.GitMessageResult, Result: &schema.GitActionResult{
		ID: resp.RequestID, Action: schema.GitCommitAction, Success: true, State: fresh,
	}}
	waitFor(t, func() bool {
		state := git.Snapshot().State
		return state != nil && len(state.UnstagedChanges) == 0
	}, "embedded snapshot installed")

	polls := 0
	for _, req := range conn.sent() {
		if req.Action == schema.GitGetStatus {
			polls++
		}
	}
	if polls != 1 {
		t.Fatalf("embedded snapshot already refreshed the tree, expected 1 poll, got %d", polls)
	}
}
