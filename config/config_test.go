package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Assessor.Endpoints) != 1 {
		t.Fatalf("expected one default endpoint, got %d", len(cfg.Assessor.Endpoints))
	}
	if cfg.Assessor.Endpoints[0].Provider != "openai-compat" {
		t.Errorf("expected default provider openai-compat, got %s", cfg.Assessor.Endpoints[0].Provider)
	}
	if cfg.Assessor.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %f", cfg.Assessor.Temperature)
	}
	if cfg.Assessor.Timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", cfg.Assessor.Timeout)
	}
	if cfg.Engine.MaxGateAttempts != 3 {
		t.Errorf("expected default max gate attempts 3, got %d", cfg.Engine.MaxGateAttempts)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.Metrics.ListenAddr == "" {
		t.Error("expected a default metrics listen address")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "no endpoints",
			modify:  func(c *Config) { c.Assessor.Endpoints = nil },
			wantErr: true,
		},
		{
			name:    "endpoint missing provider",
			modify:  func(c *Config) { c.Assessor.Endpoints[0].Provider = "" },
			wantErr: true,
		},
		{
			name:    "endpoint missing model",
			modify:  func(c *Config) { c.Assessor.Endpoints[0].Model = "" },
			wantErr: true,
		},
		{
			name:    "temperature too low",
			modify:  func(c *Config) { c.Assessor.Temperature = -0.1 },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Assessor.Temperature = 1.1 },
			wantErr: true,
		},
		{
			name:    "zero timeout",
			modify:  func(c *Config) { c.Assessor.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero gate attempts",
			modify:  func(c *Config) { c.Engine.MaxGateAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "zero lease ttl",
			modify:  func(c *Config) { c.Engine.LeaseTTL = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
assessor:
  endpoints:
    - provider: anthropic
      model: claude-sonnet-4
    - provider: openai-compat
      url: "http://fallback:11434/v1"
      model: qwen2.5:32b
  temperature: 0.5
  timeout: 45s
nats:
  url: "nats://test:4222"
engine:
  max_gate_attempts: 5
  lease_ttl: 5m
registry:
  path: "/etc/gateflow/phases.yaml"
deliverables:
  template_dir: "/srv/templates"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if len(cfg.Assessor.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(cfg.Assessor.Endpoints))
	}
	if cfg.Assessor.Endpoints[0].Provider != "anthropic" {
		t.Errorf("expected first provider anthropic, got %s", cfg.Assessor.Endpoints[0].Provider)
	}
	if cfg.Assessor.Endpoints[1].URL != "http://fallback:11434/v1" {
		t.Errorf("unexpected fallback URL: %s", cfg.Assessor.Endpoints[1].URL)
	}
	if cfg.Assessor.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %v", cfg.Assessor.Timeout)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Engine.MaxGateAttempts != 5 {
		t.Errorf("expected 5 gate attempts, got %d", cfg.Engine.MaxGateAttempts)
	}
	if cfg.Engine.LeaseTTL != 5*time.Minute {
		t.Errorf("expected lease ttl 5m, got %v", cfg.Engine.LeaseTTL)
	}
	if cfg.Registry.Path != "/etc/gateflow/phases.yaml" {
		t.Errorf("unexpected registry path: %s", cfg.Registry.Path)
	}
	if cfg.Deliverables.TemplateDir != "/srv/templates" {
		t.Errorf("unexpected template dir: %s", cfg.Deliverables.TemplateDir)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Assessor: AssessorConfig{
			Endpoints: []EndpointConfig{
				{Provider: "anthropic", Model: "claude-sonnet-4"},
			},
		},
		NATS: NATSConfig{
			URL: "nats://override:4222",
		},
	}

	base.Merge(override)

	if base.Assessor.Endpoints[0].Provider != "anthropic" {
		t.Errorf("expected overridden endpoint, got %s", base.Assessor.Endpoints[0].Provider)
	}
	// Timeout should remain from base since override didn't set it
	if base.Assessor.Timeout != 30*time.Second {
		t.Errorf("expected timeout to remain default, got %v", base.Assessor.Timeout)
	}
	if base.NATS.URL != "nats://override:4222" {
		t.Errorf("expected overridden NATS URL, got %s", base.NATS.URL)
	}
	// Setting an external URL disables the embedded server.
	if base.NATS.Embedded {
		t.Error("expected embedded NATS to be disabled by URL override")
	}
	if base.Engine.MaxGateAttempts != 3 {
		t.Errorf("expected gate attempts to remain default, got %d", base.Engine.MaxGateAttempts)
	}
	if base.Metrics.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("expected metrics address to remain default, got %s", base.Metrics.ListenAddr)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Registry.Path = "/saved/phases.yaml"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Registry.Path != "/saved/phases.yaml" {
		t.Errorf("expected registry path /saved/phases.yaml, got %s", loaded.Registry.Path)
	}
}
