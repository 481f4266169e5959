package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"github.com/proliferate-ai/proliferate-sub003/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Gateway       GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Sync          SyncConfig    `mapstructure:"sync" yaml:"sync"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig     `mapstructure:"ssh" yaml:"ssh"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 2

// GatewayConfig points the sync service at the sandbox gateway.
type GatewayConfig struct {
	BaseURL       string `mapstructure:"base_url" yaml:"base_url"`
	TokenEndpoint string `mapstructure:"token_endpoint" yaml:"token_endpoint"`
	TokenAPIKey   string `mapstructure:"token_api_key" yaml:"token_api_key"`
}

// SyncConfig controls channel timing and buffering.
type SyncConfig struct {
	ServicePollIntervalMS    int  `mapstructure:"service_poll_interval_ms" yaml:"service_poll_interval_ms"`
	GitPollIntervalMS        int  `mapstructure:"git_poll_interval_ms" yaml:"git_poll_interval_ms"`
	TerminalReconnectDelayMS int  `mapstructure:"terminal_reconnect_delay_ms" yaml:"terminal_reconnect_delay_ms"`
	GitReconnectDelayMS      int  `mapstructure:"git_reconnect_delay_ms" yaml:"git_reconnect_delay_ms"`
	TerminalBufferMaxLines   int  `mapstructure:"terminal_buffer_max_lines" yaml:"terminal_buffer_max_lines"`
	LogBufferMaxBytes        int  `mapstructure:"log_buffer_max_bytes" yaml:"log_buffer_max_bytes"`
	TagCorrelation           bool `mapstructure:"tag_correlation" yaml:"tag_correlation"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	BaseURL            string `mapstructure:"base_url" yaml:"base_url"`
	BasePath           string `mapstructure:"base_path" yaml:"base_path"`
	InitialBufferLines int    `mapstructure:"initial_buffer_lines" yaml:"initial_buffer_lines"`
}

// SSHConfig configures the SSH terminal server.
type SSHConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
}

// Channels converts the millisecond knobs into a schema.SyncConfig.
func (c Config) Channels() schema.SyncConfig {
	return schema.SyncConfig{
		ServicePollInterval:    time.Duration(c.Sync.ServicePollIntervalMS) * time.Millisecond,
		GitPollInterval:        time.Duration(c.Sync.GitPollIntervalMS) * time.Millisecond,
		TerminalReconnectDelay: time.Duration(c.Sync.TerminalReconnectDelayMS) * time.Millisecond,
		GitReconnectDelay:      time.Duration(c.Sync.GitReconnectDelayMS) * time.Millisecond,
		TerminalBufferMaxLines: c.Sync.TerminalBufferMaxLines,
		LogBufferMaxBytes:      c.Sync.LogBufferMaxBytes,
		TagCorrelation:         c.Sync.TagCorrelation,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".proliferate", "state"),
		Gateway: GatewayConfig{
			BaseURL:       "",
			TokenEndpoint: "",
			TokenAPIKey:   "",
		},
		Sync: SyncConfig{
			ServicePollIntervalMS:    int(schema.DefaultServicePollInterval / time.Millisecond),
			GitPollIntervalMS:        int(schema.DefaultGitPollInterval / time.Millisecond),
			TerminalReconnectDelayMS: int(schema.DefaultTerminalReconnectDelay / time.Millisecond),
			GitReconnectDelayMS:      int(schema.DefaultGitReconnectDelay / time.Millisecond),
			TerminalBufferMaxLines:   schema.DefaultTerminalBufferMaxLines,
			LogBufferMaxBytes:        schema.DefaultLogBufferMaxBytes,
			TagCorrelation:           false,
		},
		HTTP: HTTPConfig{
			Addr:               ":27480",
			BaseURL:            "",
			BasePath:           "",
			InitialBufferLines: 200,
		},
		SSH: SSHConfig{
			Addr:               ":27422",
			HostKeyPath:        filepath.Join(home, ".proliferate", "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(home, ".proliferate", "authorized_keys"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".proliferate", "config.yaml"), nil
}
