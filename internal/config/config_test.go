package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("should return defaults without a config file", func(t *testing.T) {
		cfg, err := Load("")

		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.Backend.Provider)
		assert.Equal(t, 3, cfg.Retry.MaxAttempts)
		assert.Equal(t, 2000, cfg.Tools.GracePeriodMs)
		assert.True(t, cfg.History.Enabled)
	})

	t.Run("should merge file values over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := `
agent:
  model: gpt-4o
  max_tokens: 2048
backend:
  provider: openai
  api_key: test-key
retry:
  max_attempts: 5
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0644))

		cfg, err := Load(path)

		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.Backend.Provider)
		assert.Equal(t, "gpt-4o", cfg.Agent.Model)
		assert.Equal(t, 2048, cfg.Agent.MaxTokens)
		assert.Equal(t, 5, cfg.Retry.MaxAttempts)
		// untouched defaults survive
		assert.Equal(t, 1000, cfg.Retry.BaseBackoffMs)
	})

	t.Run("should ignore a missing config file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.Backend.Provider)
	})

	t.Run("should reject malformed config files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("agent: [not: valid"), 0644))

		_, err := Load(path)

		assert.Error(t, err)
	})

	t.Run("should honor environment overrides", func(t *testing.T) {
		t.Setenv("DROVER_AGENT_MODEL", "claude-opus-4-20250514")

		cfg, err := Load("")

		require.NoError(t, err)
		assert.Equal(t, "claude-opus-4-20250514", cfg.Agent.Model)
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config { return Default() }

	t.Run("should accept the defaults", func(t *testing.T) {
		cfg := valid()
		assert.NoError(t, Validate(&cfg))
	})

	t.Run("should reject unknown providers", func(t *testing.T) {
		cfg := valid()
		cfg.Backend.Provider = "carrier-pigeon"
		assert.Error(t, Validate(&cfg))
	})

	t.Run("should require a url for the websocket backend", func(t *testing.T) {
		cfg := valid()
		cfg.Backend.Provider = "websocket"
		assert.Error(t, Validate(&cfg))

		cfg.Backend.URL = "wss://agent.example.com/v1"
		assert.NoError(t, Validate(&cfg))
	})

	t.Run("should reject an empty model", func(t *testing.T) {
		cfg := valid()
		cfg.Agent.Model = ""
		assert.Error(t, Validate(&cfg))
	})

	t.Run("should reject out-of-range temperature", func(t *testing.T) {
		cfg := valid()
		cfg.Agent.Temperature = 1.5
		assert.Error(t, Validate(&cfg))
	})

	t.Run("should reject non-positive retry attempts", func(t *testing.T) {
		cfg := valid()
		cfg.Retry.MaxAttempts = 0
		assert.Error(t, Validate(&cfg))
	})

	t.Run("should reject max backoff below base backoff", func(t *testing.T) {
		cfg := valid()
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs - 1
		assert.Error(t, Validate(&cfg))
	})

	t.Run("should reject enabled history without a path", func(t *testing.T) {
		cfg := valid()
		cfg.History.Path = ""
		assert.Error(t, Validate(&cfg))
	})
}
