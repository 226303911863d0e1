// Package orchestrator drives the turn lifecycle: send a request, consume
// the event stream, fan tool calls out through the approval gate, and feed
// results back until the backend stops asking for tools.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/fault"
	"github.com/droverlabs/drover/pkg/recovery"
	"github.com/droverlabs/drover/pkg/reminder"
	"github.com/droverlabs/drover/pkg/taskqueue"
	"github.com/droverlabs/drover/pkg/toolrunner"
	"github.com/droverlabs/drover/pkg/transport"
)

// DefaultMaxExchanges bounds the request/tool loop within one turn.
const DefaultMaxExchanges = 10

// cancelNotifyTimeout bounds the best-effort backend cancel on interrupt.
const cancelNotifyTimeout = 2 * time.Second

// TranscriptStore persists the canonical transcript across restarts.
type TranscriptStore interface {
	Append(ctx context.Context, sessionID string, msg transport.Message) error
	Load(ctx context.Context, sessionID string) ([]transport.Message, error)
}

// Hooks notify the rendering layer about turn progress. Per-tool progress
// hooks live on toolrunner.Callbacks. All hooks are optional and must not
// block.
type Hooks struct {
	OnPartialOutput func(sessionID, turnID, text string)
	OnTurnComplete  func(sessionID string, out TurnOutput)
	OnInterrupted   func(sessionID, turnID string)
}

// TurnInput starts one turn on a session.
type TurnInput struct {
	SessionID  string
	Prompt     string
	WorkingDir string
	// ToolTimeout bounds each tool call; zero means the tool default.
	ToolTimeout time.Duration
	Env         map[string]string
}

// TurnOutput is the terminal outcome of one turn.
type TurnOutput struct {
	SessionID   string
	TurnID      string
	Text        string
	Phase       Phase
	ToolResults []toolrunner.Result
	Usage       transport.Usage
	Interrupted bool
}

// Config configures an Orchestrator.
type Config struct {
	Transport transport.Transport
	Registry  *toolrunner.Registry
	Tools     *toolrunner.Runner
	Queue     *taskqueue.Queue
	// Store is optional; without it transcripts live only in memory.
	Store  TranscriptStore
	Policy recovery.Policy
	Hooks  Hooks
	Logger zerolog.Logger

	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	// MaxExchanges bounds the request/tool loop; zero means the default.
	MaxExchanges int
	// ContextWindow sizes the usage tracker; zero means the tracker default.
	ContextWindow int
}

// Orchestrator owns sessions and serializes each session's turns on its
// own queue lane.
type Orchestrator struct {
	transport    transport.Transport
	registry     *toolrunner.Registry
	tools        *toolrunner.Runner
	queue        *taskqueue.Queue
	store        TranscriptStore
	policy       recovery.Policy
	hooks        Hooks
	logger       zerolog.Logger
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
	maxExchanges int
	window       int

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool runner is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	policy := cfg.Policy
	if policy.MaxAttempts <= 0 {
		policy = recovery.DefaultPolicy()
	}
	maxExchanges := cfg.MaxExchanges
	if maxExchanges <= 0 {
		maxExchanges = DefaultMaxExchanges
	}

	return &Orchestrator{
		transport:    cfg.Transport,
		registry:     cfg.Registry,
		tools:        cfg.Tools,
		queue:        cfg.Queue,
		store:        cfg.Store,
		policy:       policy,
		hooks:        cfg.Hooks,
		logger:       cfg.Logger,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		maxExchanges: maxExchanges,
		window:       cfg.ContextWindow,
		sessions:     make(map[string]*Session),
	}, nil
}

// Session returns the session for the id, creating it on first use. An
// empty id creates a session with a generated id.
func (o *Orchestrator) Session(id string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id != "" {
		if sess, ok := o.sessions[id]; ok {
			return sess
		}
	}
	sess := newSession(id, o.window, o.registry.ActiveToolNames(), o.logger)
	o.sessions[sess.ID] = sess
	return sess
}

// RunTurn executes one turn, serialized against other turns on the same
// session. It blocks until the turn reaches a terminal phase.
func (o *Orchestrator) RunTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	if in.Prompt == "" {
		return TurnOutput{}, fmt.Errorf("prompt cannot be empty")
	}

	sess := o.Session(in.SessionID)
	lane := "session-" + sess.ID

	value, err := o.queue.Enqueue(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
		return o.executeTurn(taskCtx, sess, in)
	})
	if err != nil {
		return TurnOutput{}, err
	}
	return value.(TurnOutput), nil
}

// Interrupt stops the session's in-flight turn: sets the monotonic flag,
// cancels streaming and tool execution, notifies the backend best-effort,
// and drops reminders computed mid-turn. Safe to call repeatedly.
func (o *Orchestrator) Interrupt(sessionID string) error {
	o.mu.Lock()
	sess, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	turnID, cancel, armed := sess.markInterrupted()
	if !armed {
		o.logger.Debug().Str("session_id", sessionID).Msg("No active turn to interrupt")
		return nil
	}

	o.logger.Info().Str("session_id", sessionID).Str("turn_id", turnID).Msg("Interrupting turn")
	cancel()

	notifyCtx, done := context.WithTimeout(context.Background(), cancelNotifyTimeout)
	defer done()
	if err := o.transport.Cancel(notifyCtx, turnID); err != nil {
		o.logger.Warn().Err(err).Str("turn_id", turnID).Msg("Backend cancel failed; local teardown proceeds")
	}

	sess.Reminders().ResetTrajectory()
	return nil
}

func (o *Orchestrator) executeTurn(ctx context.Context, sess *Session, in TurnInput) (TurnOutput, error) {
	turnID, err := gonanoid.New()
	if err != nil {
		return TurnOutput{}, fmt.Errorf("failed to generate turn id: %w", err)
	}
	logger := o.logger.With().Str("session_id", sess.ID).Str("turn_id", turnID).Logger()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.beginTurn(turnID, cancel)
	defer sess.endTurn()

	sess.setPhase(PhaseSending)

	if err := o.hydrateSession(turnCtx, sess); err != nil {
		sess.setPhase(PhaseErrored)
		return TurnOutput{}, err
	}
	o.record(turnCtx, sess, transport.Message{Role: "user", Content: in.Prompt})

	out := TurnOutput{SessionID: sess.ID, TurnID: turnID}
	var allResults []toolrunner.Result

	for exchange := 0; exchange < o.maxExchanges; exchange++ {
		if sess.Interrupted() || turnCtx.Err() != nil {
			return o.finishInterrupted(sess, out, allResults), nil
		}
		sess.setPhase(PhaseSending)

		for _, content := range sess.Reminders().Drain() {
			o.record(turnCtx, sess, transport.Message{Role: "system", Content: content.Text})
		}

		result, calls, err := o.exchange(turnCtx, sess, turnID)
		if err != nil {
			if sess.Interrupted() || errors.Is(err, context.Canceled) {
				return o.finishInterrupted(sess, out, allResults), nil
			}
			sess.setPhase(PhaseErrored)
			logger.Error().Err(err).Msg("Turn failed")
			return TurnOutput{}, err
		}

		sess.usage.Observe(result.Usage.InputTokens, result.Usage.OutputTokens)
		sess.Reminders().ObserveUsage(sess.Usage())
		out.Usage = result.Usage

		if len(calls) == 0 {
			o.record(turnCtx, sess, transport.Message{Role: "assistant", Content: result.Text})
			out.Text = result.Text
			out.ToolResults = allResults
			out.Phase = PhaseCompleted
			sess.setPhase(PhaseCompleted)
			logger.Info().Int("tool_calls", len(allResults)).Msg("Turn completed")
			if o.hooks.OnTurnComplete != nil {
				o.hooks.OnTurnComplete(sess.ID, out)
			}
			return out, nil
		}

		if o.anyGated(calls) {
			sess.setPhase(PhaseToolPendingApproval)
		}

		results := o.tools.Run(turnCtx, calls, toolrunner.RunOptions{
			SessionKey: sess.ID,
			WorkingDir: in.WorkingDir,
			Timeout:    in.ToolTimeout,
			Env:        in.Env,
		})
		allResults = append(allResults, results...)

		if sess.Interrupted() || turnCtx.Err() != nil {
			return o.finishInterrupted(sess, out, allResults), nil
		}

		o.recordExchange(turnCtx, sess, result, calls, results)
		o.observeCommands(sess, results)
	}

	sess.setPhase(PhaseErrored)
	return TurnOutput{}, fmt.Errorf("maximum tool exchanges (%d) exceeded", o.maxExchanges)
}

// exchange opens one stream and consumes it to the terminal result,
// retrying per policy. A retry rebuilds the request from the canonical
// transcript; partial events from failed attempts are discarded.
func (o *Orchestrator) exchange(ctx context.Context, sess *Session, turnID string) (*transport.TurnResult, []*toolrunner.Call, error) {
	logger := o.logger.With().Str("session_id", sess.ID).Str("turn_id", turnID).Logger()

	attempt := 0
	conflictResolved := false
	for {
		result, calls, err := o.streamOnce(ctx, sess, turnID)
		if err == nil {
			return result, calls, nil
		}

		switch recovery.Classify(err) {
		case recovery.ActionResolveApproval:
			// A decision raced a cached denial. Settle the pending future
			// and rebuild; this consumes no retry attempt.
			if conflictResolved {
				return nil, nil, err
			}
			conflictResolved = true
			o.resolveApprovalConflict(err)
			continue

		case recovery.ActionRetryTransient:
			attempt++
			if attempt >= o.policy.MaxAttempts {
				return nil, nil, fmt.Errorf("max retries (%d) exceeded: %w", o.policy.MaxAttempts, err)
			}
			backoff := o.policy.Backoff(attempt - 1)
			logger.Info().Int("attempt", attempt).Dur("backoff", backoff).Err(err).Msg("Retrying after transient error")
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(backoff):
			}

		default:
			return nil, nil, err
		}
	}
}

// streamOnce sends the current transcript and consumes the stream until
// the terminal result event.
func (o *Orchestrator) streamOnce(ctx context.Context, sess *Session, turnID string) (*transport.TurnResult, []*toolrunner.Call, error) {
	stream, err := o.transport.Open(ctx, o.buildRequest(sess, turnID))
	if err != nil {
		return nil, nil, err
	}
	defer stream.Close()

	sess.setPhase(PhaseStreaming)

	var calls []*toolrunner.Call
	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, &fault.ProtocolError{Detail: "stream ended without a result event"}
			}
			return nil, nil, err
		}

		switch ev.Kind {
		case transport.EventPartialOutput:
			if o.hooks.OnPartialOutput != nil {
				o.hooks.OnPartialOutput(sess.ID, turnID, ev.Text)
			}

		case transport.EventToolCall:
			calls = append(calls, toolrunner.NewCall(ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Args))

		case transport.EventResult:
			return ev.Result, calls, nil

		case transport.EventError:
			return nil, nil, fmt.Errorf("backend reported error: %s", ev.Message)

		default:
			return nil, nil, &fault.ProtocolError{Detail: fmt.Sprintf("unknown event kind %q", ev.Kind)}
		}
	}
}

func (o *Orchestrator) buildRequest(sess *Session, turnID string) transport.TurnRequest {
	var specs []transport.ToolSpec
	for _, name := range o.registry.ActiveToolNames() {
		def := o.registry.Get(name)
		if def == nil {
			continue
		}
		specs = append(specs, transport.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: o.registry.InputSchema(name),
		})
	}

	return transport.TurnRequest{
		TurnID:      turnID,
		Model:       o.model,
		System:      o.systemPrompt,
		Messages:    sess.Messages(),
		Tools:       specs,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}
}

// recordExchange appends the assistant's tool-call message and one tool
// message per result to the canonical transcript.
func (o *Orchestrator) recordExchange(ctx context.Context, sess *Session, result *transport.TurnResult, calls []*toolrunner.Call, results []toolrunner.Result) {
	assistant := transport.Message{Role: "assistant", Content: result.Text}
	for _, call := range calls {
		assistant.ToolCalls = append(assistant.ToolCalls, transport.ToolCallPayload{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Args,
		})
	}
	o.record(ctx, sess, assistant)

	for _, res := range results {
		content := res.Output
		if res.Error != "" {
			if content != "" {
				content += "\n"
			}
			content += res.Error
		}
		o.record(ctx, sess, transport.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: res.CallID,
			IsError:    res.Failed(),
		})
	}
}

// observeCommands feeds shell results into the reminder scheduler. Only a
// summary crosses the boundary, never raw output.
func (o *Orchestrator) observeCommands(sess *Session, results []toolrunner.Result) {
	for _, res := range results {
		if res.Name != "shell" || res.Meta == nil {
			continue
		}
		sess.Reminders().ObserveCommand(reminder.CommandSummary{
			Command:   metaString(res.Meta, "command"),
			ExitCode:  metaInt(res.Meta, "exit_code"),
			StderrLen: metaInt(res.Meta, "stderr_len"),
			Duration:  res.Duration,
		})
	}
}

// resolveApprovalConflict settles the conflicting call from this turn's
// cached denials so the pending future cannot deadlock.
func (o *Orchestrator) resolveApprovalConflict(err error) {
	var conflict *fault.ApprovalConflictError
	if !errors.As(err, &conflict) {
		return
	}
	o.tools.SettleFromDenials(conflict.ToolCallID)
	o.logger.Info().Str("tool_call_id", conflict.ToolCallID).Msg("Approval conflict settled from cached denials")
}

func (o *Orchestrator) finishInterrupted(sess *Session, out TurnOutput, results []toolrunner.Result) TurnOutput {
	sess.setPhase(PhaseInterrupted)
	out.Phase = PhaseInterrupted
	out.Interrupted = true
	out.ToolResults = results

	o.logger.Info().Str("session_id", sess.ID).Str("turn_id", out.TurnID).Msg("Turn interrupted")
	if o.hooks.OnInterrupted != nil {
		o.hooks.OnInterrupted(sess.ID, out.TurnID)
	}
	return out
}

// hydrateSession loads the persisted transcript on the session's first
// turn after startup.
func (o *Orchestrator) hydrateSession(ctx context.Context, sess *Session) error {
	if o.store == nil || len(sess.Messages()) > 0 {
		return nil
	}
	msgs, err := o.store.Load(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load session transcript: %w", err)
	}
	sess.setMessages(msgs)
	return nil
}

// record appends to the in-memory transcript and persists best-effort;
// a storage failure never fails the turn.
func (o *Orchestrator) record(ctx context.Context, sess *Session, msg transport.Message) {
	sess.appendMessages(msg)
	if o.store == nil {
		return
	}
	if err := o.store.Append(ctx, sess.ID, msg); err != nil {
		o.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to persist message")
	}
}

func (o *Orchestrator) anyGated(calls []*toolrunner.Call) bool {
	for _, call := range calls {
		if def := o.registry.Get(call.Name); def != nil && def.Gated {
			return true
		}
	}
	return false
}

func metaString(meta map[string]interface{}, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(meta map[string]interface{}, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
