// Package config holds all loki configuration: defaults, the optional
// .loki/config.yaml file, and LOKI_* environment overrides (applied in that
// order, last wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all loki configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM provider selection (the client itself is an external collaborator)
	Provider string `yaml:"provider"`

	// Memory store configuration
	Memory MemoryConfig `yaml:"memory"`

	// BFT consensus configuration
	BFT BFTConfig `yaml:"bft"`

	// Orchestrator loop configuration
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Checklist verification
	Checklist ChecklistConfig `yaml:"checklist"`

	// Audit / telemetry
	Audit AuditConfig `yaml:"audit"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// MemoryConfig configures the three-tier memory store.
type MemoryConfig struct {
	// Root directory; default <home>/.loki/memory
	Root string `yaml:"root"`

	// Decay parameters
	DecayRate    float64 `yaml:"decay_rate"`
	HalfLifeDays float64 `yaml:"half_life_days"`

	// Retrieval boost applied on access
	RetrievalBoost float64 `yaml:"retrieval_boost"`
}

// BFTConfig configures the consensus and reputation layer.
type BFTConfig struct {
	ConsensusTimeout         string  `yaml:"consensus_timeout"` // duration string
	MaxFaultsBeforeExclusion int     `yaml:"max_faults_before_exclusion"`
	ExclusionThreshold       float64 `yaml:"exclusion_threshold"`
	RehabilitationThreshold  float64 `yaml:"rehabilitation_threshold"`
	MessageValidityWindow    string  `yaml:"message_validity_window"`

	// SwarmKey authenticates SwarmMessages. Must be set outside dev mode.
	SwarmKey string `yaml:"swarm_key"`
	DevMode  bool   `yaml:"dev_mode"`
}

// OrchestratorConfig configures the RARV loop.
type OrchestratorConfig struct {
	WorkerPoolSize  int    `yaml:"worker_pool_size"` // 0 = NumCPU
	AdjustEvery     int    `yaml:"adjust_every"`     // iterations between adjuster runs
	VerifyEvery     int    `yaml:"verify_every"`     // iterations between checklist runs
	MaxTaskRetries  int    `yaml:"max_task_retries"`
	DispatchTimeout string `yaml:"dispatch_timeout"`
	TokenBudget     int    `yaml:"token_budget"` // retrieval budget per task

	// ComplexityOverride forces a classification tier; normally set via env.
	ComplexityOverride string `yaml:"complexity_override"`
}

// ChecklistConfig configures the verifier.
type ChecklistConfig struct {
	CheckTimeout string `yaml:"check_timeout"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxSizeBytes int64 `yaml:"max_size_bytes"`

	// TelemetryOptOut disables anonymous telemetry shipping (external).
	TelemetryOptOut bool `yaml:"telemetry_opt_out"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// ValidProviders lists the accepted --provider values.
var ValidProviders = []string{"anthropic", "openai", "gemini", "xai", "local"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "loki",
		Version:  "0.9.0",
		Provider: "anthropic",

		Memory: MemoryConfig{
			DecayRate:      0.1,
			HalfLifeDays:   30,
			RetrievalBoost: 0.1,
		},

		BFT: BFTConfig{
			ConsensusTimeout:         "30s",
			MaxFaultsBeforeExclusion: 3,
			ExclusionThreshold:       0.3,
			RehabilitationThreshold:  0.6,
			MessageValidityWindow:    "5m",
		},

		Orchestrator: OrchestratorConfig{
			AdjustEvery:     5,
			VerifyEvery:     10,
			MaxTaskRetries:  3,
			DispatchTimeout: "300s",
			TokenBudget:     4000,
		},

		Checklist: ChecklistConfig{
			CheckTimeout: "30s",
		},

		Audit: AuditConfig{
			Enabled:      true,
			MaxSizeBytes: 10 * 1024 * 1024,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies LOKI_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOKI_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("LOKI_COMPLEXITY"); v != "" {
		c.Orchestrator.ComplexityOverride = v
	}
	if v := os.Getenv("LOKI_MEMORY_ROOT"); v != "" {
		c.Memory.Root = v
	}
	if v := os.Getenv("LOKI_AUDIT"); v != "" {
		c.Audit.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("LOKI_AUDIT_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Audit.MaxSizeBytes = n
		}
	}
	if v := os.Getenv("LOKI_TELEMETRY_OPT_OUT"); v != "" {
		c.Audit.TelemetryOptOut = v == "1" || v == "true"
	}
	if v := os.Getenv("LOKI_CONSENSUS_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.BFT.ConsensusTimeout = v
		}
	}
	if v := os.Getenv("LOKI_MAX_FAULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BFT.MaxFaultsBeforeExclusion = n
		}
	}
	if v := os.Getenv("LOKI_EXCLUSION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.BFT.ExclusionThreshold = f
		}
	}
	if v := os.Getenv("LOKI_REHABILITATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.BFT.RehabilitationThreshold = f
		}
	}
	if v := os.Getenv("LOKI_SWARM_KEY"); v != "" {
		c.BFT.SwarmKey = v
	}
	if v := os.Getenv("LOKI_DEV_MODE"); v != "" {
		c.BFT.DevMode = v == "1" || v == "true"
	}
	if v := os.Getenv("LOKI_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || v == "true"
	}
}

// MemoryRoot returns the configured memory root, defaulting to
// <home>/.loki/memory.
func (c *Config) MemoryRoot() string {
	if c.Memory.Root != "" {
		return c.Memory.Root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".loki", "memory")
	}
	return filepath.Join(home, ".loki", "memory")
}

// SwarmDir returns the BFT state directory under the user home.
func (c *Config) SwarmDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".loki", "swarm", "bft")
	}
	return filepath.Join(home, ".loki", "swarm", "bft")
}

// ConsensusTimeout returns the consensus round timeout as a duration.
func (c *Config) ConsensusTimeout() time.Duration {
	d, err := time.ParseDuration(c.BFT.ConsensusTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// MessageValidityWindow returns the HMAC timestamp window as a duration.
func (c *Config) MessageValidityWindow() time.Duration {
	d, err := time.ParseDuration(c.BFT.MessageValidityWindow)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// DispatchTimeout returns the agent dispatch timeout as a duration.
func (c *Config) DispatchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Orchestrator.DispatchTimeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// CheckTimeout returns the per-check verification timeout as a duration.
func (c *Config) CheckTimeout() time.Duration {
	d, err := time.ParseDuration(c.Checklist.CheckTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	valid := false
	for _, p := range ValidProviders {
		if c.Provider == p {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid provider: %s (valid: %v)", c.Provider, ValidProviders)
	}

	if c.BFT.SwarmKey == "" && !c.BFT.DevMode {
		return fmt.Errorf("swarm key not configured (set LOKI_SWARM_KEY or enable dev_mode)")
	}
	if c.BFT.ExclusionThreshold < 0 || c.BFT.ExclusionThreshold > 1 {
		return fmt.Errorf("exclusion_threshold must be in [0,1], got %v", c.BFT.ExclusionThreshold)
	}
	if c.BFT.RehabilitationThreshold < c.BFT.ExclusionThreshold {
		return fmt.Errorf("rehabilitation_threshold must be >= exclusion_threshold")
	}
	return nil
}
