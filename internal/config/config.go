package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all docforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Debug surfaces detailed failure causes to end users.
	Debug bool `yaml:"debug"`

	// Kernel gateway (control API + channels)
	Gateway GatewayConfig `yaml:"gateway"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Artifact placement and retrieval
	Artifacts ArtifactsConfig `yaml:"artifacts"`

	// Run history
	Ledger LedgerConfig `yaml:"ledger"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig configures the Jupyter kernel gateway.
type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	KernelName     string `yaml:"kernel_name"`
	ControlTimeout string `yaml:"control_timeout"`
	// SessionPolicy is "terminate" (delete the kernel after each run) or
	// "reuse" (check it back in and leave it running).
	SessionPolicy string `yaml:"session_policy"`
}

// ArtifactsConfig configures where documents are written and served from.
type ArtifactsConfig struct {
	// Root is the folder on the kernel host under which user/chat folders live.
	Root string `yaml:"root"`
	// DownloadBaseURL is the endpoint that serves stored files.
	DownloadBaseURL string `yaml:"download_base_url"`
}

// LedgerConfig configures the SQLite run history.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

const (
	SessionPolicyTerminate = "terminate"
	SessionPolicyReuse     = "reuse"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "docforge",
		Version: "1.0.0",

		Gateway: GatewayConfig{
			BaseURL:        "http://localhost:8888",
			Token:          "JUPYTER_TOKEN",
			KernelName:     "python3",
			ControlTimeout: "15s",
			SessionPolicy:  SessionPolicyTerminate,
		},

		Execution: ExecutionConfig{
			Timeout:          "120s",
			HandshakeTimeout: "10s",
			Concurrency:      4,
		},

		Artifacts: ArtifactsConfig{
			Root:            "/mnt/data/user_files",
			DownloadBaseURL: "https://your.domain.com/backend-api/files/download",
		},

		Ledger: LedgerConfig{
			Enabled: false,
			Path:    "data/docforge.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults
// (still subject to environment overrides).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("JUPYTER_URL"); v != "" {
		c.Gateway.BaseURL = v
	}
	if v := os.Getenv("JUPYTER_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("BASE_DOWNLOAD_URL"); v != "" {
		c.Artifacts.DownloadBaseURL = v
	}
	if v := os.Getenv("ENABLE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
	if v := os.Getenv("DOCFORGE_ARTIFACT_ROOT"); v != "" {
		c.Artifacts.Root = v
	}
	if v := os.Getenv("DOCFORGE_LEDGER"); v != "" {
		c.Ledger.Enabled = true
		c.Ledger.Path = v
	}
}

// GetControlTimeout returns the per-call control API timeout.
func (c *Config) GetControlTimeout() time.Duration {
	return parseDuration(c.Gateway.ControlTimeout, 15*time.Second)
}

// GetExecutionTimeout returns the bound on one execution's message stream.
func (c *Config) GetExecutionTimeout() time.Duration {
	return parseDuration(c.Execution.Timeout, 120*time.Second)
}

// GetHandshakeTimeout returns the WebSocket handshake timeout.
func (c *Config) GetHandshakeTimeout() time.Duration {
	return parseDuration(c.Execution.HandshakeTimeout, 10*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Gateway.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid gateway base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway base_url must be http or https, got %q", c.Gateway.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("gateway base_url has no host: %q", c.Gateway.BaseURL)
	}
	if c.Gateway.KernelName == "" {
		return fmt.Errorf("gateway kernel_name is required")
	}
	switch c.Gateway.SessionPolicy {
	case SessionPolicyTerminate, SessionPolicyReuse:
	default:
		return fmt.Errorf("invalid session_policy %q (valid: %s, %s)",
			c.Gateway.SessionPolicy, SessionPolicyTerminate, SessionPolicyReuse)
	}
	if !strings.HasPrefix(c.Artifacts.Root, "/") {
		return fmt.Errorf("artifacts root must be absolute, got %q", c.Artifacts.Root)
	}
	if c.Execution.Concurrency < 1 {
		return fmt.Errorf("execution concurrency must be >= 1, got %d", c.Execution.Concurrency)
	}
	if c.Ledger.Enabled && c.Ledger.Path == "" {
		return fmt.Errorf("ledger path required when ledger is enabled")
	}
	return nil
}
