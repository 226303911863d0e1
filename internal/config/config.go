// Package config defines the runner configuration and its loader.
package config

import (
	"os"
	"path/filepath"
)

// Config represents the main drover configuration
type Config struct {
	Backend  BackendConfig  `json:"backend" mapstructure:"backend"`
	Agent    AgentConfig    `json:"agent" mapstructure:"agent"`
	Approval ApprovalConfig `json:"approval" mapstructure:"approval"`
	Retry    RetryConfig    `json:"retry" mapstructure:"retry"`
	Tools    ToolsConfig    `json:"tools" mapstructure:"tools"`
	History  HistoryConfig  `json:"history" mapstructure:"history"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	DataDir  string         `json:"data_dir" mapstructure:"data_dir"`
}

// BackendConfig selects and configures the agent backend
type BackendConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, websocket
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	URL      string `json:"url" mapstructure:"url"`     // websocket endpoint
	Token    string `json:"token" mapstructure:"token"` // websocket bearer token
}

// AgentConfig holds model and turn-loop settings
type AgentConfig struct {
	Model         string  `json:"model" mapstructure:"model"`
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	ContextWindow int     `json:"context_window" mapstructure:"context_window"`
	MaxExchanges  int     `json:"max_exchanges" mapstructure:"max_exchanges"`
}

// ApprovalConfig holds tool approval settings
type ApprovalConfig struct {
	Headless      bool     `json:"headless" mapstructure:"headless"`
	AutoAllow     []string `json:"auto_allow" mapstructure:"auto_allow"`
	AllowlistPath string   `json:"allowlist_path" mapstructure:"allowlist_path"`
}

// RetryConfig holds transient-error retry settings
type RetryConfig struct {
	MaxAttempts   int `json:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoffMs int `json:"base_backoff_ms" mapstructure:"base_backoff_ms"`
	MaxBackoffMs  int `json:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ToolsConfig holds tool execution settings
type ToolsConfig struct {
	WorkspaceRoot  string `json:"workspace_root" mapstructure:"workspace_root"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputBytes int    `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	GracePeriodMs  int    `json:"grace_period_ms" mapstructure:"grace_period_ms"`
}

// HistoryConfig holds transcript persistence settings
type HistoryConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	Path          string `json:"path" mapstructure:"path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"` // cron expression
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultDataDir returns ~/.drover, falling back to a relative directory
// when the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drover"
	}
	return filepath.Join(home, ".drover")
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := DefaultDataDir()
	return Config{
		Backend: BackendConfig{
			Provider: "anthropic",
		},
		Agent: AgentConfig{
			Model:         "claude-sonnet-4-20250514",
			Temperature:   0.7,
			MaxTokens:     4096,
			ContextWindow: 200_000,
			MaxExchanges:  10,
		},
		Approval: ApprovalConfig{
			AllowlistPath: filepath.Join(dataDir, "approvals.json"),
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseBackoffMs: 1000,
			MaxBackoffMs:  8000,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 120,
			MaxOutputBytes: 512 * 1024,
			GracePeriodMs:  2000,
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir, "history.db"),
			RetentionDays: 30,
			SweepSchedule: "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		DataDir: dataDir,
	}
}
