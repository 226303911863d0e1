package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration with this precedence: built-in defaults, then
// the config file (if present), then DROVER_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, fmt.Errorf("failed to parse config file: %w", err)
				}
				if _, ok := err.(*os.PathError); !ok {
					return nil, fmt.Errorf("failed to read config file: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("backend.provider", def.Backend.Provider)
	v.SetDefault("agent.model", def.Agent.Model)
	v.SetDefault("agent.temperature", def.Agent.Temperature)
	v.SetDefault("agent.max_tokens", def.Agent.MaxTokens)
	v.SetDefault("agent.context_window", def.Agent.ContextWindow)
	v.SetDefault("agent.max_exchanges", def.Agent.MaxExchanges)
	v.SetDefault("approval.headless", false)
	v.SetDefault("approval.allowlist_path", def.Approval.AllowlistPath)
	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.base_backoff_ms", def.Retry.BaseBackoffMs)
	v.SetDefault("retry.max_backoff_ms", def.Retry.MaxBackoffMs)
	v.SetDefault("tools.timeout_seconds", def.Tools.TimeoutSeconds)
	v.SetDefault("tools.max_output_bytes", def.Tools.MaxOutputBytes)
	v.SetDefault("tools.grace_period_ms", def.Tools.GracePeriodMs)
	v.SetDefault("history.enabled", def.History.Enabled)
	v.SetDefault("history.path", def.History.Path)
	v.SetDefault("history.retention_days", def.History.RetentionDays)
	v.SetDefault("history.sweep_schedule", def.History.SweepSchedule)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.console", def.Logging.Console)
	v.SetDefault("logging.pretty", def.Logging.Pretty)
	v.SetDefault("data_dir", def.DataDir)
}
