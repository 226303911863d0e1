package config

import "fmt"

var validProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"websocket": true,
}

// Validate checks the configuration for values that would fail at runtime.
func Validate(cfg *Config) error {
	if !validProviders[cfg.Backend.Provider] {
		return fmt.Errorf("unknown backend provider: %s", cfg.Backend.Provider)
	}
	if cfg.Backend.Provider == "websocket" && cfg.Backend.URL == "" {
		return fmt.Errorf("websocket backend requires a url")
	}

	if cfg.Agent.Model == "" {
		return fmt.Errorf("agent model cannot be empty")
	}
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if cfg.Agent.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if cfg.Agent.MaxExchanges < 0 {
		return fmt.Errorf("max exchanges cannot be negative")
	}

	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if cfg.Retry.BaseBackoffMs <= 0 {
		return fmt.Errorf("retry base backoff must be positive")
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		return fmt.Errorf("retry max backoff cannot be below the base backoff")
	}

	if cfg.Tools.TimeoutSeconds <= 0 {
		return fmt.Errorf("tool timeout must be positive")
	}
	if cfg.Tools.GracePeriodMs < 0 {
		return fmt.Errorf("grace period cannot be negative")
	}

	if cfg.History.Enabled {
		if cfg.History.Path == "" {
			return fmt.Errorf("history path cannot be empty when history is enabled")
		}
		if cfg.History.RetentionDays <= 0 {
			return fmt.Errorf("history retention must be positive")
		}
	}

	return nil
}
