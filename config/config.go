// Package config provides configuration loading and management for Gateflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flywheelhq/gateflow/assessor"
)

// Config represents the complete Gateflow configuration
type Config struct {
	Assessor     AssessorConfig     `yaml:"assessor"`
	NATS         NATSConfig         `yaml:"nats"`
	Engine       EngineConfig       `yaml:"engine"`
	Registry     RegistryConfig     `yaml:"registry"`
	Deliverables DeliverablesConfig `yaml:"deliverables"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// EndpointConfig is one assessor endpoint in the fallback chain.
type EndpointConfig struct {
	// Provider is a registered provider name ("openai-compat", "openai",
	// "anthropic").
	Provider string `yaml:"provider"`
	// URL overrides the provider's default base URL.
	URL string `yaml:"url"`
	// Model is the model identifier sent to the endpoint.
	Model string `yaml:"model"`
	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`
}

// AssessorConfig configures the external scoring service.
type AssessorConfig struct {
	// Endpoints are tried in order; the first healthy one wins.
	Endpoints []EndpointConfig `yaml:"endpoints"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for one scoring call
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries bounds retries of one endpoint on transient failures
	MaxRetries int `yaml:"max_retries"`
	// BackoffBase is the first retry delay; later delays grow exponentially
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream storage directory for the embedded server
	StoreDir string `yaml:"store_dir"`
}

// EngineConfig configures the transition controller.
type EngineConfig struct {
	// MaxGateAttempts is how many concluded fail decisions a work item
	// absorbs in one phase before it is marked stalled
	MaxGateAttempts int `yaml:"max_gate_attempts"`
	// LeaseTTL bounds how long a crashed process holds an advance lease
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// RegistryConfig configures the phase catalog.
type RegistryConfig struct {
	// Path is a YAML phase catalog (empty = built-in default catalog)
	Path string `yaml:"path"`
}

// DeliverablesConfig configures deliverable generation.
type DeliverablesConfig struct {
	// TemplateDir holds deliverable templates matched by phase globs
	TemplateDir string `yaml:"template_dir"`
	// OutputDir receives generated artifacts
	OutputDir string `yaml:"output_dir"`
	// GenerateTimeout bounds one content-generation call
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
}

// MetricsConfig configures the prometheus endpoint served by `run`.
type MetricsConfig struct {
	// ListenAddr is the address `run` serves /metrics on (empty = disabled)
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Assessor: AssessorConfig{
			Endpoints: []EndpointConfig{
				{Provider: "openai-compat", Model: "qwen2.5:32b"},
			},
			Temperature: 0.2,
			Timeout:     30 * time.Second,
			MaxRetries:  3,
			BackoffBase: time.Second,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Engine: EngineConfig{
			MaxGateAttempts: 3,
			LeaseTTL:        2 * time.Minute,
		},
		Registry: RegistryConfig{
			Path: "", // Built-in catalog
		},
		Deliverables: DeliverablesConfig{
			TemplateDir:     "templates",
			OutputDir:       "deliverables",
			GenerateTimeout: 2 * time.Minute,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if len(c.Assessor.Endpoints) == 0 {
		return fmt.Errorf("assessor.endpoints must not be empty")
	}
	for i, ep := range c.Assessor.Endpoints {
		if ep.Provider == "" {
			return fmt.Errorf("assessor.endpoints[%d].provider is required", i)
		}
		if ep.Model == "" {
			return fmt.Errorf("assessor.endpoints[%d].model is required", i)
		}
	}
	if c.Assessor.Temperature < 0 || c.Assessor.Temperature > 1 {
		return fmt.Errorf("assessor.temperature must be between 0 and 1")
	}
	if c.Assessor.Timeout <= 0 {
		return fmt.Errorf("assessor.timeout must be positive")
	}
	if c.Engine.MaxGateAttempts < 1 {
		return fmt.Errorf("engine.max_gate_attempts must be >= 1")
	}
	if c.Engine.LeaseTTL <= 0 {
		return fmt.Errorf("engine.lease_ttl must be positive")
	}
	return nil
}

// Endpoints converts the configured endpoint chain for the assessor client.
func (c *Config) Endpoints() []assessor.Endpoint {
	eps := make([]assessor.Endpoint, 0, len(c.Assessor.Endpoints))
	for _, ep := range c.Assessor.Endpoints {
		eps = append(eps, assessor.Endpoint{
			Provider:  ep.Provider,
			URL:       ep.URL,
			Model:     ep.Model,
			MaxTokens: ep.MaxTokens,
		})
	}
	return eps
}

// RetryConfig converts the retry knobs for the assessor client.
func (c *Config) RetryConfig() assessor.RetryConfig {
	cfg := assessor.DefaultRetryConfig()
	if c.Assessor.MaxRetries > 0 {
		cfg.MaxAttempts = c.Assessor.MaxRetries
	}
	if c.Assessor.BackoffBase > 0 {
		cfg.BackoffBase = c.Assessor.BackoffBase
	}
	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Assessor
	if len(other.Assessor.Endpoints) > 0 {
		c.Assessor.Endpoints = other.Assessor.Endpoints
	}
	if other.Assessor.Temperature != 0 {
		c.Assessor.Temperature = other.Assessor.Temperature
	}
	if other.Assessor.Timeout != 0 {
		c.Assessor.Timeout = other.Assessor.Timeout
	}
	if other.Assessor.MaxRetries != 0 {
		c.Assessor.MaxRetries = other.Assessor.MaxRetries
	}
	if other.Assessor.BackoffBase != 0 {
		c.Assessor.BackoffBase = other.Assessor.BackoffBase
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	// Engine
	if other.Engine.MaxGateAttempts != 0 {
		c.Engine.MaxGateAttempts = other.Engine.MaxGateAttempts
	}
	if other.Engine.LeaseTTL != 0 {
		c.Engine.LeaseTTL = other.Engine.LeaseTTL
	}

	// Registry
	if other.Registry.Path != "" {
		c.Registry.Path = other.Registry.Path
	}

	// Deliverables
	if other.Deliverables.TemplateDir != "" {
		c.Deliverables.TemplateDir = other.Deliverables.TemplateDir
	}
	if other.Deliverables.OutputDir != "" {
		c.Deliverables.OutputDir = other.Deliverables.OutputDir
	}
	if other.Deliverables.GenerateTimeout != 0 {
		c.Deliverables.GenerateTimeout = other.Deliverables.GenerateTimeout
	}

	// Metrics
	if other.Metrics.ListenAddr != "" {
		c.Metrics.ListenAddr = other.Metrics.ListenAddr
	}
}
