package schema

import (
	"testing"
	"time"
)

func TestNormalizeSyncConfigDefaults(t *testing.T) {
	cfg, err := NormalizeSyncConfig(SyncConfig{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.ServicePollInterval != DefaultServicePollInterval {
		t.Fatalf("expected default service poll interval, got %v", cfg.ServicePollInterval)
	}
	if cfg.GitPollInterval != DefaultGitPollInterval {
		t.Fatalf("expected default git poll interval, got %v", cfg.GitPollInterval)
	}
	if cfg.TerminalReconnectDelay != DefaultTerminalReconnectDelay {
		t.Fatalf("expected default reconnect delay, got %v", cfg.TerminalReconnectDelay)
	}
	if cfg.TerminalBufferMaxLines != DefaultTerminalBufferMaxLines {
		t.Fatalf("expected default buffer limit, got %d", cfg.TerminalBufferMaxLines)
	}
	if cfg.TagCorrelation {
		t.Fatalf("tag correlation must default off")
	}
}

func TestNormalizeSyncConfigKeepsExplicitValues(t *testing.T) {
	cfg, err := NormalizeSyncConfig(SyncConfig{
		ServicePollInterval: 10 * time.Second,
		GitPollInterval:     time.Second,
		TagCorrelation:      true,
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.ServicePollInterval != 10*time.Second {
		t.Fatalf("expected explicit service poll interval, got %v", cfg.ServicePollInterval)
	}
	if cfg.GitPollInterval != time.Second {
		t.Fatalf("expected explicit git poll interval, got %v", cfg.GitPollInterval)
	}
	if !cfg.TagCorrelation {
		t.Fatalf("expected tag correlation to stick")
	}
}

func TestNormalizeSyncConfigRejectsTinyIntervals(t *testing.T) {
	if _, err := NormalizeSyncConfig(SyncConfig{ServicePollInterval: time.Millisecond}); err == nil {
		t.Fatalf("expected error for sub-100ms service poll interval")
	}
	if _, err := NormalizeSyncConfig(SyncConfig{GitPollInterval: time.Millisecond}); err == nil {
		t.Fatalf("expected error for sub-100ms git poll interval")
	}
}

func TestGitStateBusy(t *testing.T) {
	cases := []struct {
		name  string
		state GitState
		busy  bool
	}{
		{"idle", GitState{}, false},
		{"busy flag", GitState{IsBusy: true}, true},
		{"rebase", GitState{RebaseInProgress: true}, true},
		{"merge", GitState{MergeInProgress: true}, true},
	}
	for _, tc := range cases {
		if got := tc.state.Busy(); got != tc.busy {
			t.Fatalf("%s: Busy() = %v, want %v", tc.name, got, tc.busy)
		}
	}
}

func TestGitStateHasChanges(t *testing.T) {
	state := GitState{UntrackedFiles: []string{"new.txt"}}
	if state.HasChanges(false) {
		t.Fatalf("untracked-only tree must not count without includeUntracked")
	}
	if !state.HasChanges(true) {
		t.Fatalf("untracked-only tree must count with includeUntracked")
	}
	staged := GitState{StagedChanges: []GitFileChange{{Path: "a.ts"}}}
	if !staged.HasChanges(false) {
		t.Fatalf("staged change must count")
	}
}

func TestResultCodeQuietSet(t *testing.T) {
	for _, code := range []ResultCode{CodeNothingToCommit, CodeNoRemote, CodeMultipleRemotes, CodeBranchExists} {
		if !code.Quiet() {
			t.Fatalf("expected %s to be quiet", code)
		}
	}
	if ResultCode("PUSH_REJECTED").Quiet() {
		t.Fatalf("unknown code must not be quiet")
	}
	result := GitActionResult{Action: GitPush, Success: false, Code: CodeNoRemote}
	if !result.Quiet() {
		t.Fatalf("quiet-coded failure must report quiet")
	}
}
