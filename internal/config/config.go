// Package config handles configuration loading from TOML files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Approval policies.
const (
	ApprovalUnlessTrusted = "unless-trusted"
	ApprovalOnFailure     = "on-failure"
	ApprovalOnRequest     = "on-request"
	ApprovalNever         = "never"
)

// Sandbox modes.
const (
	SandboxReadOnly         = "read-only"
	SandboxWorkspaceWrite   = "workspace-write"
	SandboxDangerFullAccess = "danger-full-access"
)

// Config is the root configuration structure.
type Config struct {
	Model          string          `toml:"model"`
	Profile        string          `toml:"profile"`
	ApprovalPolicy string          `toml:"approval_policy"`
	Provider       ProviderConfig  `toml:"provider"`
	Sandbox        SandboxConfig   `toml:"sandbox"`
	Client         ClientConfig    `toml:"client"`
	AutoDrive      AutoDriveConfig `toml:"auto_drive"`
}

// ProviderConfig holds model endpoint settings.
type ProviderConfig struct {
	Endpoint string `toml:"endpoint"`
	// APIKeyEnv names the environment variable holding the bearer token.
	APIKeyEnv string `toml:"api_key_env"`
	// ChatGPTAccountID is set when authenticating through a ChatGPT plan.
	ChatGPTAccountID string `toml:"chatgpt_account_id"`
	// FallbackModel is used once when the preferred slug is rejected.
	FallbackModel string `toml:"fallback_model"`
}

// SandboxConfig declares the policy passed to spawned tools.
type SandboxConfig struct {
	Mode            string   `toml:"mode"`
	WritableRoots   []string `toml:"writable_roots"`
	NetworkAccess   bool     `toml:"network_access"`
	ExcludeTmpdir   bool     `toml:"exclude_tmpdir"`
	ExcludeSlashTmp bool     `toml:"exclude_slash_tmp"`
	AllowGitWrites  bool     `toml:"allow_git_writes"`
}

// ClientConfig tunes the streaming client.
type ClientConfig struct {
	Originator          string `toml:"originator"`
	RequestMaxRetries   int    `toml:"request_max_retries"`
	StreamMaxRetries    int    `toml:"stream_max_retries"`
	StreamIdleTimeoutMS int    `toml:"stream_idle_timeout_ms"`
}

// AutoDriveConfig tunes the coordinator/observer loop.
type AutoDriveConfig struct {
	ObserverCadence int    `toml:"observer_cadence"`
	Countdown       string `toml:"countdown"` // immediate | 10s | 60s | manual
}

// OriginatorOrDefault returns the configured originator header value.
func (c ClientConfig) OriginatorOrDefault() string {
	if c.Originator == "" {
		return "code_cli_rs"
	}
	return c.Originator
}

// RequestMaxRetriesOrDefault returns the HTTP request retry budget.
func (c ClientConfig) RequestMaxRetriesOrDefault() int {
	if c.RequestMaxRetries <= 0 {
		return 4
	}
	return c.RequestMaxRetries
}

// StreamMaxRetriesOrDefault returns the stream reconnect budget.
func (c ClientConfig) StreamMaxRetriesOrDefault() int {
	if c.StreamMaxRetries <= 0 {
		return 5
	}
	return c.StreamMaxRetries
}

// StreamIdleTimeoutMSOrDefault returns the per-attempt idle timeout.
func (c ClientConfig) StreamIdleTimeoutMSOrDefault() int {
	if c.StreamIdleTimeoutMS <= 0 {
		return 300_000
	}
	return c.StreamIdleTimeoutMS
}

// ObserverCadenceOrDefault returns how many coordinator turns run between
// observer evaluations.
func (a AutoDriveConfig) ObserverCadenceOrDefault() int {
	if a.ObserverCadence <= 0 {
		return 3
	}
	return a.ObserverCadence
}

// Load reads configuration from a TOML file and applies environment variable
// overrides. A missing file yields defaults rather than an error so the CLI
// works out of the box.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Model == "" {
		cfg.Model = "gpt-5-codex"
	}
	if cfg.Provider.Endpoint == "" {
		cfg.Provider.Endpoint = "https://chatgpt.com/backend-api/codex/responses"
	}
	if cfg.Provider.APIKeyEnv == "" {
		cfg.Provider.APIKeyEnv = "CODA_API_KEY"
	}
	if cfg.Provider.FallbackModel == "" {
		cfg.Provider.FallbackModel = "gpt-5"
	}
	if cfg.ApprovalPolicy == "" {
		cfg.ApprovalPolicy = ApprovalOnRequest
	}
	if cfg.Sandbox.Mode == "" {
		cfg.Sandbox.Mode = SandboxWorkspaceWrite
	}
	if cfg.AutoDrive.Countdown == "" {
		cfg.AutoDrive.Countdown = "10s"
	}
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if err := validateEndpoint(c.Provider.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("provider.endpoint=%q is invalid: %v", c.Provider.Endpoint, err))
	}
	switch c.ApprovalPolicy {
	case ApprovalUnlessTrusted, ApprovalOnFailure, ApprovalOnRequest, ApprovalNever:
	default:
		errs = append(errs, fmt.Errorf("approval_policy=%q is not one of unless-trusted|on-failure|on-request|never", c.ApprovalPolicy))
	}
	switch c.Sandbox.Mode {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxDangerFullAccess:
	default:
		errs = append(errs, fmt.Errorf("sandbox.mode=%q is not one of read-only|workspace-write|danger-full-access", c.Sandbox.Mode))
	}
	switch c.AutoDrive.Countdown {
	case "immediate", "10s", "60s", "manual":
	default:
		errs = append(errs, fmt.Errorf("auto_drive.countdown=%q is not one of immediate|10s|60s|manual", c.AutoDrive.Countdown))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"CODA_MODEL", func(v string) {
			if v != "" {
				cfg.Model = v
			}
		}},
		{"CODA_ENDPOINT", func(v string) {
			if v != "" {
				cfg.Provider.Endpoint = v
			}
		}},
		{"CODA_ORIGINATOR", func(v string) {
			if v != "" {
				cfg.Client.Originator = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// APIKey resolves the bearer token from the configured environment variable.
func (c *Config) APIKey() string {
	return os.Getenv(c.Provider.APIKeyEnv)
}

// DataDir returns the path to the coda data directory (~/.config/coda).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "coda"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}

// SessionsDir returns the root of the rollout file tree.
func SessionsDir() (string, error) {
	dir, err := EnsureDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}
