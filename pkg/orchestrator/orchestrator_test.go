package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverlabs/drover/pkg/approval"
	"github.com/droverlabs/drover/pkg/fault"
	"github.com/droverlabs/drover/pkg/recovery"
	"github.com/droverlabs/drover/pkg/taskqueue"
	"github.com/droverlabs/drover/pkg/toolrunner"
	"github.com/droverlabs/drover/pkg/transport"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

// scriptStep describes one Open call: either an immediate error, or a
// stream that replays events and then errors, hangs, or ends.
type scriptStep struct {
	openErr   error
	events    []transport.Event
	streamErr error
	hang      bool
}

type fakeTransport struct {
	mu        sync.Mutex
	steps     []scriptStep
	opens     int
	requests  []transport.TurnRequest
	cancelled []string
	opened    chan struct{}
}

func newFakeTransport(steps ...scriptStep) *fakeTransport {
	return &fakeTransport{steps: steps, opened: make(chan struct{}, 16)}
}

func (f *fakeTransport) Open(ctx context.Context, req transport.TurnRequest) (transport.Stream, error) {
	f.mu.Lock()
	scripted := f.opens < len(f.steps)
	var step scriptStep
	if scripted {
		step = f.steps[f.opens]
	}
	f.opens++
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	f.opened <- struct{}{}
	if !scripted {
		return nil, fmt.Errorf("unexpected open %d", f.opens)
	}
	if step.openErr != nil {
		return nil, step.openErr
	}
	return &fakeStream{ctx: ctx, step: step}, nil
}

func (f *fakeTransport) Cancel(ctx context.Context, turnID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, turnID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) request(i int) transport.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type fakeStream struct {
	ctx  context.Context
	step scriptStep
	idx  int
}

func (s *fakeStream) Next() (transport.Event, error) {
	if s.idx < len(s.step.events) {
		ev := s.step.events[s.idx]
		s.idx++
		return ev, nil
	}
	if s.step.streamErr != nil {
		return transport.Event{}, s.step.streamErr
	}
	if s.step.hang {
		<-s.ctx.Done()
		return transport.Event{}, s.ctx.Err()
	}
	return transport.Event{}, io.EOF
}

func (s *fakeStream) Close() error { return nil }

func resultEvent(text string) transport.Event {
	return transport.Event{Kind: transport.EventResult, Result: &transport.TurnResult{
		Text:       text,
		StopReason: "end_turn",
		Usage:      transport.Usage{InputTokens: 100, OutputTokens: 50},
	}}
}

func toolCallEvent(id, name string, args map[string]interface{}) transport.Event {
	return transport.Event{Kind: transport.EventToolCall, ToolCall: &transport.ToolCallPayload{
		ID: id, Name: name, Args: args,
	}}
}

type harness struct {
	orch  *Orchestrator
	ft    *fakeTransport
	queue *taskqueue.Queue
}

func newHarness(t *testing.T, ft *fakeTransport, autoAllow []string, cfgFns ...func(*Config)) *harness {
	t.Helper()
	logger := testLogger()

	registry := toolrunner.NewRegistry(logger)
	require.NoError(t, registry.Register(toolrunner.Definition{
		Name:        "echo",
		Description: "echo text back",
		Parameters:  []toolrunner.Parameter{{Name: "text", Type: "string", Description: "text to echo", Required: true}},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
			return args["text"].(string), nil, nil
		},
	}))
	require.NoError(t, registry.Register(toolrunner.Definition{
		Name:        "shell",
		Description: "run a command",
		Parameters:  []toolrunner.Parameter{{Name: "command", Type: "string", Description: "command line", Required: true}},
		Gated:       true,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
			return "", map[string]interface{}{
				"command":    args["command"].(string),
				"exit_code":  1,
				"stderr_len": 12,
			}, nil
		},
	}))
	require.NoError(t, registry.Register(toolrunner.Definition{
		Name:        "slow",
		Description: "block until cancelled",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
			<-ctx.Done()
			return "", nil, ctx.Err()
		},
	}))

	gate, err := approval.NewGate(approval.Config{
		GatedTools: registry.GatedToolNames(),
		Headless:   true,
		AutoAllow:  autoAllow,
		Logger:     logger,
	})
	require.NoError(t, err)

	tools, err := toolrunner.New(registry, gate, toolrunner.Callbacks{}, logger)
	require.NoError(t, err)

	queue := taskqueue.New(logger)
	t.Cleanup(queue.Close)

	cfg := Config{
		Transport: ft,
		Registry:  registry,
		Tools:     tools,
		Queue:     queue,
		Policy:    recovery.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond},
		Logger:    logger,
		Model:     "test-model",
	}
	for _, fn := range cfgFns {
		fn(&cfg)
	}

	orch, err := New(cfg)
	require.NoError(t, err)
	return &harness{orch: orch, ft: ft, queue: queue}
}

func TestNew(t *testing.T) {
	t.Run("should require core dependencies", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})
}

func TestRunTurn(t *testing.T) {
	t.Run("should complete a plain text turn", func(t *testing.T) {
		ft := newFakeTransport(scriptStep{events: []transport.Event{
			{Kind: transport.EventPartialOutput, Text: "hel"},
			{Kind: transport.EventPartialOutput, Text: "lo"},
			resultEvent("hello"),
		}})

		var partials []string
		var completed bool
		h := newHarness(t, ft, nil, func(cfg *Config) {
			cfg.Hooks = Hooks{
				OnPartialOutput: func(sessionID, turnID, text string) { partials = append(partials, text) },
				OnTurnComplete:  func(sessionID string, out TurnOutput) { completed = true },
			}
		})

		out, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "hi"})
		require.NoError(t, err)

		assert.Equal(t, "hello", out.Text)
		assert.Equal(t, PhaseCompleted, out.Phase)
		assert.Equal(t, 100, out.Usage.InputTokens)
		assert.Equal(t, []string{"hel", "lo"}, partials)
		assert.True(t, completed)

		sess := h.orch.Session(out.SessionID)
		assert.Equal(t, PhaseCompleted, sess.Phase())
		msgs := sess.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "user", msgs[0].Role)
		assert.Equal(t, "assistant", msgs[1].Role)
	})

	t.Run("should reject empty prompts", func(t *testing.T) {
		h := newHarness(t, newFakeTransport(), nil)

		_, err := h.orch.RunTurn(context.Background(), TurnInput{})

		assert.Error(t, err)
	})

	t.Run("should execute tool calls and feed results back", func(t *testing.T) {
		ft := newFakeTransport(
			scriptStep{events: []transport.Event{
				toolCallEvent("call-1", "echo", map[string]interface{}{"text": "ping"}),
				resultEvent("let me check"),
			}},
			scriptStep{events: []transport.Event{resultEvent("pong")}},
		)
		h := newHarness(t, ft, nil)

		out, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "echo ping"})
		require.NoError(t, err)

		assert.Equal(t, "pong", out.Text)
		require.Len(t, out.ToolResults, 1)
		assert.Equal(t, toolrunner.StatusCompleted, out.ToolResults[0].Status)
		assert.Equal(t, "ping", out.ToolResults[0].Output)

		// Second request carries the assistant tool call and the tool result.
		second := ft.request(1)
		var sawToolMsg bool
		for _, msg := range second.Messages {
			if msg.Role == "tool" && msg.ToolCallID == "call-1" {
				sawToolMsg = true
				assert.Equal(t, "ping", msg.Content)
				assert.False(t, msg.IsError)
			}
		}
		assert.True(t, sawToolMsg)
	})

	t.Run("should record denied gated calls as error results without executing", func(t *testing.T) {
		ft := newFakeTransport(
			scriptStep{events: []transport.Event{
				toolCallEvent("call-1", "shell", map[string]interface{}{"command": "rm -rf /"}),
				resultEvent(""),
			}},
			scriptStep{events: []transport.Event{resultEvent("understood")}},
		)
		// No auto-allow: headless policy denies the gated call.
		h := newHarness(t, ft, nil)

		out, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "wipe it"})
		require.NoError(t, err)

		require.Len(t, out.ToolResults, 1)
		assert.Equal(t, toolrunner.StatusDenied, out.ToolResults[0].Status)

		second := ft.request(1)
		var deniedMsg *transport.Message
		for i, msg := range second.Messages {
			if msg.Role == "tool" {
				deniedMsg = &second.Messages[i]
			}
		}
		require.NotNil(t, deniedMsg)
		assert.True(t, deniedMsg.IsError)
		assert.Contains(t, deniedMsg.Content, "denied")
	})

	t.Run("should retry transient errors and then succeed", func(t *testing.T) {
		ft := newFakeTransport(
			scriptStep{openErr: fmt.Errorf("read tcp: connection reset by peer")},
			scriptStep{events: []transport.Event{resultEvent("recovered")}},
		)
		h := newHarness(t, ft, nil)

		out, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "hi"})
		require.NoError(t, err)

		assert.Equal(t, "recovered", out.Text)
		assert.Equal(t, 2, ft.openCount())
	})

	t.Run("should discard partial stream state on retry", func(t *testing.T) {
		ft := newFakeTransport(
			scriptStep{
				events:    []transport.Event{toolCallEvent("call-zombie", "echo", map[string]interface{}{"text": "x"})},
				streamErr: fmt.Errorf("http 429 rate limit exceeded"),
			},
			scriptStep{events: []transport.Event{resultEvent("clean")}},
		)
		h := newHarness(t, ft, nil)

		out, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "hi"})
		require.NoError(t, err)

		// The tool call from the failed attempt never executed.
		assert.Equal(t, "clean", out.Text)
		assert.Empty(t, out.ToolResults)
	})

	t.Run("should give up after max retry attempts", func(t *testing.T) {
		transient := scriptStep{openErr: fmt.Errorf("503 service unavailable")}
		ft := newFakeTransport(transient, transient, transient)
		h := newHarness(t, ft, nil)

		_, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "hi"})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "max retries")
		assert.Equal(t, 3, ft.openCount())
	})

	t.Run("should fail the turn on protocol errors without retrying", func(t *testing.T) {
		ft := newFakeTransport(scriptStep{streamErr: &fault.ProtocolError{Detail: "malformed frame"}})
		h := newHarness(t, ft, nil)
		sess := h.orch.Session("")

		_, err := h.orch.RunTurn(context.Background(), TurnInput{SessionID: sess.ID, Prompt: "hi"})

		require.Error(t, err)
		assert.Equal(t, 1, ft.openCount())
		assert.Equal(t, PhaseErrored, sess.Phase())
	})

	t.Run("should treat backend error events as errors", func(t *testing.T) {
		ft := newFakeTransport(
			scriptStep{events: []transport.Event{{Kind: transport.EventError, Message: "overloaded_error"}}},
			scriptStep{events: []transport.Event{resultEvent("ok")}},
		)
		h := newHarness(t, ft, nil)

		out, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "hi"})

		// "overloaded" classifies as transient, so the turn recovers.
		require.NoError(t, err)
		assert.Equal(t, "ok", out.Text)
	})

	t.Run("should stop after the exchange limit", func(t *testing.T) {
		loop := scriptStep{events: []transport.Event{
			toolCallEvent("call-n", "echo", map[string]interface{}{"text": "again"}),
			resultEvent(""),
		}}
		ft := newFakeTransport(loop, loop, loop)
		h := newHarness(t, ft, nil, func(cfg *Config) { cfg.MaxExchanges = 3 })

		_, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "loop"})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "maximum tool exchanges")
	})

	t.Run("should serialize turns on the same session", func(t *testing.T) {
		ft := newFakeTransport(
			scriptStep{events: []transport.Event{resultEvent("first")}},
			scriptStep{events: []transport.Event{resultEvent("second")}},
		)
		h := newHarness(t, ft, nil)

		first, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "one"})
		require.NoError(t, err)
		second, err := h.orch.RunTurn(context.Background(), TurnInput{SessionID: first.SessionID, Prompt: "two"})
		require.NoError(t, err)

		assert.Equal(t, first.SessionID, second.SessionID)
		// The second request sees the whole prior transcript.
		req := ft.request(1)
		require.Len(t, req.Messages, 3)
		assert.Equal(t, "one", req.Messages[0].Content)
		assert.Equal(t, "first", req.Messages[1].Content)
		assert.Equal(t, "two", req.Messages[2].Content)
	})
}

// denyingPrompt counts interactive decisions and always denies.
type denyingPrompt struct {
	mu    sync.Mutex
	asked int
}

func (p *denyingPrompt) RequestDecision(ctx context.Context, req approval.Request) (bool, string, error) {
	p.mu.Lock()
	p.asked++
	p.mu.Unlock()
	return false, "denied by user", nil
}

func (p *denyingPrompt) timesAsked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asked
}

func TestApprovalConflictRecovery(t *testing.T) {
	t.Run("should rebuild the request with the denial and not re-prompt", func(t *testing.T) {
		ft := newFakeTransport(
			scriptStep{events: []transport.Event{
				toolCallEvent("call-1", "shell", map[string]interface{}{"command": "rm -rf build"}),
				resultEvent(""),
			}},
			scriptStep{streamErr: &fault.ApprovalConflictError{ToolCallID: "call-1", Err: errors.New("stale approval state")}},
			scriptStep{events: []transport.Event{resultEvent("understood")}},
		)

		logger := testLogger()
		registry := toolrunner.NewRegistry(logger)
		require.NoError(t, registry.Register(toolrunner.Definition{
			Name:        "shell",
			Description: "run a command",
			Parameters:  []toolrunner.Parameter{{Name: "command", Type: "string", Description: "command line", Required: true}},
			Gated:       true,
			Handler: func(ctx context.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
				return "ok", nil, nil
			},
		}))

		prompt := &denyingPrompt{}
		gate, err := approval.NewGate(approval.Config{
			GatedTools: registry.GatedToolNames(),
			Prompt:     prompt,
			Logger:     logger,
		})
		require.NoError(t, err)

		tools, err := toolrunner.New(registry, gate, toolrunner.Callbacks{}, logger)
		require.NoError(t, err)

		queue := taskqueue.New(logger)
		t.Cleanup(queue.Close)

		orch, err := New(Config{
			Transport: ft,
			Registry:  registry,
			Tools:     tools,
			Queue:     queue,
			Policy:    recovery.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond},
			Logger:    logger,
			Model:     "test-model",
		})
		require.NoError(t, err)

		out, err := orch.RunTurn(context.Background(), TurnInput{Prompt: "wipe the build dir"})
		require.NoError(t, err)

		assert.Equal(t, "understood", out.Text)
		assert.Equal(t, 1, prompt.timesAsked())
		assert.Equal(t, 3, ft.openCount())

		// The rebuilt request after the conflict carries the denied result.
		rebuilt := ft.request(2)
		var deniedMsg *transport.Message
		for i, msg := range rebuilt.Messages {
			if msg.Role == "tool" && msg.ToolCallID == "call-1" {
				deniedMsg = &rebuilt.Messages[i]
			}
		}
		require.NotNil(t, deniedMsg)
		assert.True(t, deniedMsg.IsError)
		assert.Contains(t, deniedMsg.Content, "denied")
	})
}

func TestReminderInjection(t *testing.T) {
	t.Run("should inject a command reminder into the next request exactly once", func(t *testing.T) {
		ft := newFakeTransport(
			scriptStep{events: []transport.Event{
				toolCallEvent("call-1", "shell", map[string]interface{}{"command": "make build"}),
				resultEvent(""),
			}},
			scriptStep{events: []transport.Event{resultEvent("build failed, see above")}},
			scriptStep{events: []transport.Event{resultEvent("later")}},
		)
		h := newHarness(t, ft, []string{"shell"})

		out, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "build it"})
		require.NoError(t, err)

		// The shell handler reports exit code 1, so the second exchange
		// carries a command reminder.
		second := ft.request(1)
		var reminders []string
		for _, msg := range second.Messages {
			if msg.Role == "system" && strings.Contains(msg.Content, "exited with code 1") {
				reminders = append(reminders, msg.Content)
			}
		}
		require.Len(t, reminders, 1)
		assert.Contains(t, reminders[0], "make build")

		// A later turn re-sends the transcript but never re-generates it.
		_, err = h.orch.RunTurn(context.Background(), TurnInput{SessionID: out.SessionID, Prompt: "anything else?"})
		require.NoError(t, err)

		third := ft.request(2)
		count := 0
		for _, msg := range third.Messages {
			if msg.Role == "system" && strings.Contains(msg.Content, "exited with code 1") {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("should inject toolset change reminders recorded between turns", func(t *testing.T) {
		ft := newFakeTransport(
			scriptStep{events: []transport.Event{resultEvent("ok")}},
			scriptStep{events: []transport.Event{resultEvent("noted")}},
		)
		h := newHarness(t, ft, nil)

		out, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "hi"})
		require.NoError(t, err)

		sess := h.orch.Session(out.SessionID)
		sess.Reminders().ObserveToolset([]string{"echo", "shell"}, "manual_override")

		_, err = h.orch.RunTurn(context.Background(), TurnInput{SessionID: out.SessionID, Prompt: "again"})
		require.NoError(t, err)

		req := ft.request(1)
		var saw bool
		for _, msg := range req.Messages {
			if msg.Role == "system" && strings.Contains(msg.Content, "toolset changed") {
				saw = true
			}
		}
		assert.True(t, saw)
	})

	t.Run("should inject a compaction reminder when reported usage drops", func(t *testing.T) {
		heavy := transport.Event{Kind: transport.EventResult, Result: &transport.TurnResult{
			Text: "long answer", StopReason: "end_turn",
			Usage: transport.Usage{InputTokens: 900, OutputTokens: 100},
		}}
		light := transport.Event{Kind: transport.EventResult, Result: &transport.TurnResult{
			Text: "short answer", StopReason: "end_turn",
			Usage: transport.Usage{InputTokens: 200, OutputTokens: 50},
		}}
		ft := newFakeTransport(
			scriptStep{events: []transport.Event{heavy}},
			scriptStep{events: []transport.Event{light}},
			scriptStep{events: []transport.Event{resultEvent("after compaction")}},
		)
		h := newHarness(t, ft, nil)

		out, err := h.orch.RunTurn(context.Background(), TurnInput{Prompt: "one"})
		require.NoError(t, err)
		_, err = h.orch.RunTurn(context.Background(), TurnInput{SessionID: out.SessionID, Prompt: "two"})
		require.NoError(t, err)
		_, err = h.orch.RunTurn(context.Background(), TurnInput{SessionID: out.SessionID, Prompt: "three"})
		require.NoError(t, err)

		// Usage dropped between the first two exchanges, so the third
		// request carries the compaction reminder.
		third := ft.request(2)
		var saw bool
		for _, msg := range third.Messages {
			if msg.Role == "system" && strings.Contains(msg.Content, "compacted") {
				saw = true
			}
		}
		assert.True(t, saw)
	})
}

func TestInterrupt(t *testing.T) {
	t.Run("should end a streaming turn as interrupted", func(t *testing.T) {
		ft := newFakeTransport(scriptStep{
			events: []transport.Event{{Kind: transport.EventPartialOutput, Text: "thinking"}},
			hang:   true,
		})

		var interrupted bool
		h := newHarness(t, ft, nil, func(cfg *Config) {
			cfg.Hooks = Hooks{OnInterrupted: func(sessionID, turnID string) { interrupted = true }}
		})

		sess := h.orch.Session("")
		done := make(chan TurnOutput, 1)
		go func() {
			out, err := h.orch.RunTurn(context.Background(), TurnInput{SessionID: sess.ID, Prompt: "hi"})
			assert.NoError(t, err)
			done <- out
		}()
		<-ft.opened

		require.NoError(t, h.orch.Interrupt(sess.ID))

		select {
		case out := <-done:
			assert.True(t, out.Interrupted)
			assert.Equal(t, PhaseInterrupted, out.Phase)
			assert.Equal(t, PhaseInterrupted, sess.Phase())
			assert.True(t, interrupted)
		case <-time.After(2 * time.Second):
			t.Fatal("interrupted turn never returned")
		}

		// Best-effort backend cancel was attempted for the active turn.
		ft.mu.Lock()
		cancelled := len(ft.cancelled)
		ft.mu.Unlock()
		assert.Equal(t, 1, cancelled)
	})

	t.Run("should cancel running tools on interrupt", func(t *testing.T) {
		ft := newFakeTransport(scriptStep{events: []transport.Event{
			toolCallEvent("call-1", "slow", nil),
			resultEvent(""),
		}})
		h := newHarness(t, ft, []string{"slow"})

		sess := h.orch.Session("")
		done := make(chan TurnOutput, 1)
		go func() {
			out, err := h.orch.RunTurn(context.Background(), TurnInput{SessionID: sess.ID, Prompt: "hang"})
			assert.NoError(t, err)
			done <- out
		}()
		<-ft.opened
		time.Sleep(50 * time.Millisecond) // let the slow tool start

		require.NoError(t, h.orch.Interrupt(sess.ID))

		select {
		case out := <-done:
			assert.True(t, out.Interrupted)
			require.Len(t, out.ToolResults, 1)
			assert.Equal(t, toolrunner.StatusCancelled, out.ToolResults[0].Status)
		case <-time.After(2 * time.Second):
			t.Fatal("interrupted turn never returned")
		}
	})

	t.Run("should be idempotent", func(t *testing.T) {
		ft := newFakeTransport(scriptStep{hang: true})
		h := newHarness(t, ft, nil)

		sess := h.orch.Session("")
		go func() {
			_, _ = h.orch.RunTurn(context.Background(), TurnInput{SessionID: sess.ID, Prompt: "hi"})
		}()
		<-ft.opened

		require.NoError(t, h.orch.Interrupt(sess.ID))
		require.NoError(t, h.orch.Interrupt(sess.ID))

		ft.mu.Lock()
		cancelled := len(ft.cancelled)
		ft.mu.Unlock()
		assert.Equal(t, 1, cancelled)
	})

	t.Run("should reject unknown sessions", func(t *testing.T) {
		h := newHarness(t, newFakeTransport(), nil)

		assert.Error(t, h.orch.Interrupt("no-such-session"))
	})

	t.Run("should be a no-op with no active turn", func(t *testing.T) {
		h := newHarness(t, newFakeTransport(), nil)
		sess := h.orch.Session("")

		assert.NoError(t, h.orch.Interrupt(sess.ID))
		assert.False(t, sess.Interrupted())
	})
}

func TestSessionPhase(t *testing.T) {
	t.Run("should report terminal phases", func(t *testing.T) {
		assert.True(t, PhaseCompleted.Terminal())
		assert.True(t, PhaseInterrupted.Terminal())
		assert.True(t, PhaseErrored.Terminal())
		assert.False(t, PhaseStreaming.Terminal())
		assert.False(t, PhaseToolPendingApproval.Terminal())
	})

	t.Run("should start idle", func(t *testing.T) {
		h := newHarness(t, newFakeTransport(), nil)
		sess := h.orch.Session("")

		assert.Equal(t, PhaseIdle, sess.Phase())
	})
}
