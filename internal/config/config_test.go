package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"JUPYTER_URL", "JUPYTER_TOKEN", "BASE_DOWNLOAD_URL", "ENABLE_DEBUG", "DOCFORGE_ARTIFACT_ROOT", "DOCFORGE_LEDGER"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "docforge", cfg.Name)
	assert.Equal(t, "python3", cfg.Gateway.KernelName)
	assert.Equal(t, SessionPolicyTerminate, cfg.Gateway.SessionPolicy)
	assert.Equal(t, "/mnt/data/user_files", cfg.Artifacts.Root)
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "docforge.yaml")

	cfg := DefaultConfig()
	cfg.Gateway.BaseURL = "https://jupyter.internal:8443"
	cfg.Gateway.SessionPolicy = SessionPolicyReuse
	cfg.Execution.Timeout = "45s"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://jupyter.internal:8443", loaded.Gateway.BaseURL)
	assert.Equal(t, SessionPolicyReuse, loaded.Gateway.SessionPolicy)
	assert.Equal(t, 45*time.Second, loaded.GetExecutionTimeout())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Gateway.BaseURL, cfg.Gateway.BaseURL)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("JUPYTER_URL", "http://kernels:9000")
	t.Setenv("JUPYTER_TOKEN", "s3cret")
	t.Setenv("BASE_DOWNLOAD_URL", "https://files.example.com/dl")
	t.Setenv("ENABLE_DEBUG", "true")
	t.Setenv("DOCFORGE_LEDGER", "/tmp/runs.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://kernels:9000", cfg.Gateway.BaseURL)
	assert.Equal(t, "s3cret", cfg.Gateway.Token)
	assert.Equal(t, "https://files.example.com/dl", cfg.Artifacts.DownloadBaseURL)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.Ledger.Enabled)
	assert.Equal(t, "/tmp/runs.db", cfg.Ledger.Path)
}

func TestEnvOverrides_InvalidBoolIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENABLE_DEBUG", "sometimes")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Debug)
}

func TestTimeoutFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.ControlTimeout = "soon"
	cfg.Execution.HandshakeTimeout = "-1s"
	assert.Equal(t, 15*time.Second, cfg.GetControlTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetHandshakeTimeout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad scheme", func(c *Config) { c.Gateway.BaseURL = "ftp://host" }},
		{"no host", func(c *Config) { c.Gateway.BaseURL = "http://" }},
		{"no kernel", func(c *Config) { c.Gateway.KernelName = "" }},
		{"bad policy", func(c *Config) { c.Gateway.SessionPolicy = "hoard" }},
		{"relative root", func(c *Config) { c.Artifacts.Root = "data/files" }},
		{"zero concurrency", func(c *Config) { c.Execution.Concurrency = 0 }},
		{"ledger without path", func(c *Config) { c.Ledger.Enabled = true; c.Ledger.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoggingCategoryToggle(t *testing.T) {
	lc := LoggingConfig{Categories: map[string]bool{"channel": false}}
	assert.False(t, lc.IsCategoryEnabled("channel"))
	assert.True(t, lc.IsCategoryEnabled("session"))
	assert.Equal(t, lc.Categories, lc.ToLogging().Categories)
}
