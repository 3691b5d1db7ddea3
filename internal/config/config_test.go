package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model == "" {
		t.Error("expected default model")
	}
	if cfg.ApprovalPolicy != ApprovalOnRequest {
		t.Errorf("ApprovalPolicy = %q, want %q", cfg.ApprovalPolicy, ApprovalOnRequest)
	}
	if cfg.Sandbox.Mode != SandboxWorkspaceWrite {
		t.Errorf("Sandbox.Mode = %q, want %q", cfg.Sandbox.Mode, SandboxWorkspaceWrite)
	}
	if got := cfg.Client.OriginatorOrDefault(); got != "code_cli_rs" {
		t.Errorf("Originator = %q", got)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
model = "gpt-5-mini"
approval_policy = "never"

[sandbox]
mode = "read-only"

[client]
stream_idle_timeout_ms = 1000
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "gpt-5-mini" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.ApprovalPolicy != ApprovalNever {
		t.Errorf("ApprovalPolicy = %q", cfg.ApprovalPolicy)
	}
	if cfg.Sandbox.Mode != SandboxReadOnly {
		t.Errorf("Sandbox.Mode = %q", cfg.Sandbox.Mode)
	}
	if cfg.Client.StreamIdleTimeoutMSOrDefault() != 1000 {
		t.Errorf("StreamIdleTimeoutMS = %d", cfg.Client.StreamIdleTimeoutMSOrDefault())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad approval", func(c *Config) { c.ApprovalPolicy = "sometimes" }},
		{"bad sandbox", func(c *Config) { c.Sandbox.Mode = "yolo" }},
		{"bad endpoint", func(c *Config) { c.Provider.Endpoint = "not a url" }},
		{"bad countdown", func(c *Config) { c.AutoDrive.Countdown = "5m" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
