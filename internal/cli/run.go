package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/droverlabs/drover/pkg/orchestrator"
)

// ErrInterrupted reports that a single-shot turn was interrupted. It is
// returned instead of exiting directly so deferred cleanup (history store,
// sweeper, log file) runs before main maps it to exit status 130.
var ErrInterrupted = errors.New("interrupted")

var (
	runPrompt   string
	runHeadless bool
	runSession  string
	runCwd      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run agent turns interactively or headless",
	Long: `Run starts a conversation with the configured backend. Without -p it
reads prompts from the terminal in a loop; with -p it runs a single turn
and exits. Ctrl-C interrupts the current turn without killing the session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(runHeadless, os.Stdout)
		if err != nil {
			return err
		}
		defer app.Close()

		if runPrompt != "" {
			if err := runOnce(app, runPrompt); err != nil {
				if errors.Is(err, ErrInterrupted) {
					cmd.SilenceErrors = true
					cmd.SilenceUsage = true
				}
				return err
			}
			return nil
		}
		if runHeadless {
			return fmt.Errorf("headless mode requires a prompt (-p)")
		}
		return runREPL(app)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "run a single turn with this prompt and exit")
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "disable the interactive approval prompt")
	runCmd.Flags().StringVar(&runSession, "session", "", "resume an existing session id")
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "working directory for tool execution")

	rootCmd.AddCommand(runCmd)
}

func runOnce(app *App, prompt string) error {
	sess := app.Orchestrator.Session(runSession)
	stop := watchInterrupts(app, sess.ID)
	defer stop()

	out, err := app.Orchestrator.RunTurn(context.Background(), turnInput(sess.ID, prompt))
	if err != nil {
		return err
	}
	fmt.Println()
	if out.Interrupted {
		return ErrInterrupted
	}
	return nil
}

func runREPL(app *App) error {
	sess := app.Orchestrator.Session(runSession)
	stop := watchInterrupts(app, sess.ID)
	defer stop()

	fmt.Printf("drover %s · session %s · model %s\n", version, sess.ID, app.Config.Agent.Model)
	fmt.Println(`type "exit" to quit, Ctrl-C to interrupt a running turn`)

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("\n> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		prompt := strings.TrimSpace(line)
		switch prompt {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if _, err := app.Orchestrator.RunTurn(context.Background(), turnInput(sess.ID, prompt)); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		fmt.Println()
	}
}

func turnInput(sessionID, prompt string) orchestrator.TurnInput {
	return orchestrator.TurnInput{
		SessionID:  sessionID,
		Prompt:     prompt,
		WorkingDir: runCwd,
	}
}

// watchInterrupts routes SIGINT to the orchestrator so Ctrl-C stops the
// in-flight turn instead of the process.
func watchInterrupts(app *App, sessionID string) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	go func() {
		for range ch {
			if err := app.Orchestrator.Interrupt(sessionID); err != nil {
				fmt.Fprintf(os.Stderr, "interrupt failed: %v\n", err)
			}
		}
	}()
	return func() { signal.Stop(ch); close(ch) }
}
