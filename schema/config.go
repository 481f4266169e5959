package schema

import (
	"errors"
	"time"
)

// SyncConfig defines timing and buffering behavior for the session
// sync service.
type SyncConfig struct {
	// ServicePollInterval paces the service list refresh loop.
	ServicePollInterval time.Duration
	// GitPollInterval paces the git status poll loop.
	GitPollInterval time.Duration
	// TerminalReconnectDelay is the fixed wait before redialing a
	// dropped terminal socket.
	TerminalReconnectDelay time.Duration
	// GitReconnectDelay is the fixed wait before redialing a dropped
	// git socket.
	GitReconnectDelay time.Duration
	// TerminalBufferMaxLines caps the local scrollback buffer.
	TerminalBufferMaxLines int
	// LogBufferMaxBytes caps the buffered log tail content.
	LogBufferMaxBytes int
	// TagCorrelation restores legacy action-tag result matching for
	// gateways that do not echo request IDs. One result then clears
	// every pending request of that tag.
	TagCorrelation bool
}

// Defaults applied by NormalizeSyncConfig.
const (
	DefaultServicePollInterval    = 5 * time.Second
	DefaultGitPollInterval        = 5 * time.Second
	DefaultTerminalReconnectDelay = 3 * time.Second
	DefaultGitReconnectDelay      = 3 * time.Second
	DefaultTerminalBufferMaxLines = 5000
	DefaultLogBufferMaxBytes      = 1 << 20
)

// NormalizeSyncConfig applies defaults and validates the config.
func NormalizeSyncConfig(cfg SyncConfig) (SyncConfig, error) {
	if cfg.ServicePollInterval <= 0 {
		cfg.ServicePollInterval = DefaultServicePollInterval
	}
	if cfg.GitPollInterval <= 0 {
		cfg.GitPollInterval = DefaultGitPollInterval
	}
	if cfg.TerminalReconnectDelay <= 0 {
		cfg.TerminalReconnectDelay = DefaultTerminalReconnectDelay
	}
	if cfg.GitReconnectDelay <= 0 {
		cfg.GitReconnectDelay = DefaultGitReconnectDelay
	}
	if cfg.TerminalBufferMaxLines <= 0 {
		cfg.TerminalBufferMaxLines = DefaultTerminalBufferMaxLines
	}
	if cfg.LogBufferMaxBytes <= 0 {
		cfg.LogBufferMaxBytes = DefaultLogBufferMaxBytes
	}
	if cfg.ServicePollInterval < 100*time.Millisecond {
		return SyncConfig{}, errors.New("service poll interval below 100ms")
	}
	if cfg.GitPollInterval < 100*time.Millisecond {
		return SyncConfig{}, errors.New("git poll interval below 100ms")
	}
	return cfg, nil
}

// SyncSnapshot is the combined, reconciled view of one attached
// session. Consumers always observe whole snapshots per entity; the
// holders behind this view never merge partial updates.
type SyncSnapshot struct {
	Session  Session          `json:"session"`
	Terminal TerminalSnapshot `json:"terminal"`
	Services ServicesSnapshot `json:"services"`
	Git      GitSnapshot      `json:"git"`
}

// TerminalSnapshot is the terminal channel's visible state.
type TerminalSnapshot struct {
	Status TerminalStatus `json:"status"`
	Size   TerminalSize   `json:"size"`
}

// ServicesSnapshot is the service registry channel's visible state.
type ServicesSnapshot struct {
	List        ServiceList `json:"list"`
	PollError   string      `json:"poll_error,omitempty"`
	Stale       bool        `json:"stale,omitempty"`
	SelectedLog ServiceName `json:"selected_log,omitempty"`
}

// GitSnapshot is the git channel's visible state.
type GitSnapshot struct {
	State          *GitState `json:"state,omitempty"`
	Stale          bool      `json:"stale,omitempty"`
	PollFailed     bool      `json:"poll_failed,omitempty"`
	ActionInFlight bool      `json:"action_in_flight,omitempty"`
}
