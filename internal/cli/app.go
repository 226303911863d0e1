package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/internal/config"
	"github.com/droverlabs/drover/internal/history"
	"github.com/droverlabs/drover/internal/logger"
	"github.com/droverlabs/drover/pkg/approval"
	"github.com/droverlabs/drover/pkg/orchestrator"
	"github.com/droverlabs/drover/pkg/procexec"
	"github.com/droverlabs/drover/pkg/recovery"
	"github.com/droverlabs/drover/pkg/taskqueue"
	"github.com/droverlabs/drover/pkg/toolrunner"
	"github.com/droverlabs/drover/pkg/tools"
	"github.com/droverlabs/drover/pkg/transport"
)

// App holds the assembled runtime for one drover process.
type App struct {
	Config       *config.Config
	Logger       *logger.Logger
	Orchestrator *orchestrator.Orchestrator

	allowlist *approval.Allowlist
	store     *history.Store
	sweeper   *history.Sweeper
	queue     *taskqueue.Queue
}

// buildApp assembles the full stack from configuration. out receives
// user-facing rendering (partial output, tool progress, prompts).
func buildApp(headless bool, out io.Writer) (*App, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, err
	}
	zl := log.GetZerolog()

	app := &App{Config: cfg, Logger: log}
	if err := app.assemble(headless, out, zl); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) assemble(headless bool, out io.Writer, zl zerolog.Logger) error {
	cfg := a.Config
	headless = headless || cfg.Approval.Headless

	allowlist, err := approval.NewAllowlist(cfg.Approval.AllowlistPath, zl)
	if err != nil {
		return err
	}
	a.allowlist = allowlist
	if headless {
		// Hot reload lets an operator widen the allowlist mid-run.
		if err := allowlist.Watch(); err != nil {
			zl.Warn().Err(err).Msg("Allowlist watch unavailable")
		}
	}

	var prompt approval.PromptHandler
	if !headless {
		prompt = approval.NewCLIPrompt(os.Stdin, out)
	}

	registry := toolrunner.NewRegistry(zl)
	executor := procexec.New(zl, procexec.WithGracePeriod(time.Duration(cfg.Tools.GracePeriodMs)*time.Millisecond))

	workspaceRoot := cfg.Tools.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
	}
	if err := tools.RegisterCoreTools(registry, tools.Options{
		WorkspaceRoot:  workspaceRoot,
		Executor:       executor,
		DefaultTimeout: time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
	}); err != nil {
		return err
	}

	gate, err := approval.NewGate(approval.Config{
		GatedTools: registry.GatedToolNames(),
		Headless:   headless,
		AutoAllow:  cfg.Approval.AutoAllow,
		Prompt:     prompt,
		Allowlist:  allowlist,
		Logger:     zl,
	})
	if err != nil {
		return err
	}

	runner, err := toolrunner.New(registry, gate, toolrunner.Callbacks{
		OnStart: func(callID, name string) {
			fmt.Fprintf(out, "\n⏺ %s\n", name)
		},
		OnChunk: func(callID, stream string, chunk []byte) {
			out.Write(chunk)
		},
	}, zl)
	if err != nil {
		return err
	}

	backend, err := newTransport(cfg, zl)
	if err != nil {
		return err
	}

	a.queue = taskqueue.New(zl)

	var store orchestrator.TranscriptStore
	if cfg.History.Enabled {
		s, err := history.NewStore(cfg.History.Path, zl)
		if err != nil {
			return err
		}
		a.store = s
		store = s

		sweeper, err := history.NewSweeper(s, cfg.History.SweepSchedule, cfg.History.RetentionDays, zl)
		if err != nil {
			return err
		}
		a.sweeper = sweeper
		sweeper.Start()
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Transport: backend,
		Registry:  registry,
		Tools:     runner,
		Queue:     a.queue,
		Store:     store,
		Policy: recovery.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: time.Duration(cfg.Retry.BaseBackoffMs) * time.Millisecond,
			MaxBackoff:  time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		},
		Hooks: orchestrator.Hooks{
			OnPartialOutput: func(sessionID, turnID, text string) {
				fmt.Fprint(out, text)
			},
			OnInterrupted: func(sessionID, turnID string) {
				fmt.Fprintln(out, "\n⎿ interrupted")
			},
		},
		Logger:        zl,
		Model:         cfg.Agent.Model,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
		MaxExchanges:  cfg.Agent.MaxExchanges,
		ContextWindow: cfg.Agent.ContextWindow,
	})
	if err != nil {
		return err
	}
	a.Orchestrator = orch
	return nil
}

// newTransport selects the backend from configuration. API keys fall back
// to the conventional environment variables.
func newTransport(cfg *config.Config, zl zerolog.Logger) (transport.Transport, error) {
	switch cfg.Backend.Provider {
	case "anthropic":
		key := cfg.Backend.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("anthropic backend requires an API key (set backend.api_key or ANTHROPIC_API_KEY)")
		}
		return transport.NewAnthropicTransport(key, zl), nil

	case "openai":
		key := cfg.Backend.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("openai backend requires an API key (set backend.api_key or OPENAI_API_KEY)")
		}
		return transport.NewOpenAITransport(key, zl), nil

	case "websocket":
		return transport.NewWSTransport(cfg.Backend.URL, cfg.Backend.Token, zl), nil

	default:
		return nil, fmt.Errorf("unknown backend provider: %s", cfg.Backend.Provider)
	}
}

func loadConfigOnly() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	path := filepath.Join(config.DefaultDataDir(), "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Close releases everything the app owns, in reverse assembly order.
func (a *App) Close() {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.allowlist != nil {
		a.allowlist.Close()
	}
	if a.Logger != nil {
		a.Logger.Close()
	}
}
