package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/droverlabs/drover/pkg/approval"
	"github.com/droverlabs/drover/pkg/fault"
	"github.com/rs/zerolog"
)

// Status tracks a tool call through its lifecycle.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusDenied           Status = "denied"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDenied, StatusCancelled:
		return true
	}
	return false
}

// Call is one backend-requested tool invocation. Status transitions are
// driven only by the Runner and the ApprovalGate.
type Call struct {
	ID   string
	Name string
	Args map[string]interface{}

	mu     sync.Mutex
	status Status
}

// NewCall creates a queued call.
func NewCall(id, name string, args map[string]interface{}) *Call {
	return &Call{ID: id, Name: name, Args: args, status: StatusQueued}
}

// Status returns the call's current status.
func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Call) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Result is the terminal outcome of one call, tagged with its originating
// tool-call id. Completion order is not request order.
type Result struct {
	CallID   string
	Name     string
	Output   string
	Error    string
	Status   Status
	Partial  bool // partial output is available despite failure
	Duration time.Duration
	Meta     map[string]interface{}
}

// Failed reports whether the call ended in anything but completion.
func (r Result) Failed() bool { return r.Status != StatusCompleted }

// Callbacks notify rendering layers about execution progress.
type Callbacks struct {
	OnStart            func(callID, name string)
	OnChunk            func(callID, stream string, chunk []byte)
	OnApprovalRequired func(callID, name string)
}

// RunOptions carries per-turn execution settings. These are read-only
// snapshots; no tool execution mutates them.
type RunOptions struct {
	SessionKey string
	WorkingDir string
	Timeout    time.Duration
	Env        map[string]string
}

// Runner executes batches of tool calls concurrently, gating each through
// the ApprovalGate when required.
type Runner struct {
	registry  *Registry
	gate      *approval.Gate
	callbacks Callbacks
	logger    zerolog.Logger
}

// New creates a Runner.
func New(registry *Registry, gate *approval.Gate, callbacks Callbacks, logger zerolog.Logger) (*Runner, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("approval gate is required")
	}
	return &Runner{
		registry:  registry,
		gate:      gate,
		callbacks: callbacks,
		logger:    logger,
	}, nil
}

// Run executes every call concurrently and blocks until each reaches a
// terminal status. Cancelling ctx aborts running calls and moves queued or
// awaiting calls straight to cancelled.
func (r *Runner) Run(ctx context.Context, calls []*Call, opts RunOptions) []Result {
	results := make([]Result, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call *Call) {
			defer wg.Done()
			results[i] = r.runOne(ctx, call, opts)
		}(i, call)
	}
	wg.Wait()

	return results
}

func (r *Runner) runOne(ctx context.Context, call *Call, opts RunOptions) Result {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return r.cancelled(call, start)
	}

	def := r.registry.Get(call.Name)
	if def == nil {
		call.setStatus(StatusFailed)
		return Result{
			CallID: call.ID, Name: call.Name,
			Error:  fmt.Sprintf("tool not found: %s", call.Name),
			Status: StatusFailed, Duration: time.Since(start),
		}
	}

	if r.gate.RequiresApproval(call.Name) {
		call.setStatus(StatusAwaitingApproval)
		if r.callbacks.OnApprovalRequired != nil {
			r.callbacks.OnApprovalRequired(call.ID, call.Name)
		}

		decision, err := r.gate.Resolve(ctx, approval.Request{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       call.Args,
		})
		if err != nil {
			// Interrupted while awaiting a decision: never started.
			return r.cancelled(call, start)
		}
		if !decision.Approved() {
			call.setStatus(StatusDenied)
			r.logger.Info().Str("tool", call.Name).Str("tool_call_id", call.ID).Msg("Tool call denied")
			return Result{
				CallID: call.ID, Name: call.Name,
				Error:  fmt.Sprintf("denied: %s", decision.Reason),
				Status: StatusDenied, Duration: time.Since(start),
			}
		}
		call.setStatus(StatusApproved)
	}

	if err := r.registry.ValidateArgs(call.Name, call.Args); err != nil {
		call.setStatus(StatusFailed)
		return Result{
			CallID: call.ID, Name: call.Name,
			Error:  err.Error(),
			Status: StatusFailed, Duration: time.Since(start),
		}
	}

	if err := ctx.Err(); err != nil {
		return r.cancelled(call, start)
	}

	call.setStatus(StatusRunning)
	if r.callbacks.OnStart != nil {
		r.callbacks.OnStart(call.ID, call.Name)
	}

	execCtx := &ExecContext{
		SessionKey: opts.SessionKey,
		CallID:     call.ID,
		WorkingDir: opts.WorkingDir,
		Timeout:    opts.Timeout,
		Env:        opts.Env,
		OnChunk:    r.callbacks.OnChunk,
	}

	output, meta, err := def.Handler(WithExecContext(ctx, execCtx), call.Args)
	elapsed := time.Since(start)

	if err != nil {
		return r.failed(call, output, meta, err, elapsed)
	}

	call.setStatus(StatusCompleted)
	r.logger.Debug().
		Str("tool", call.Name).
		Str("tool_call_id", call.ID).
		Dur("duration", elapsed).
		Msg("Tool call completed")

	return Result{
		CallID: call.ID, Name: call.Name,
		Output: output,
		Status: StatusCompleted, Duration: elapsed,
		Meta: meta,
	}
}

// SettleFromDenials fulfills a pending approval future for the call id
// from this turn's cached denials, denying outright when no matching
// denial exists. Used to unwind conflicting approval state.
func (r *Runner) SettleFromDenials(toolCallID string) {
	reason := "conflicting approval state"
	for _, denial := range r.gate.CachedDenials() {
		if denial.ToolCallID == toolCallID {
			reason = denial.Reason
			break
		}
	}
	r.gate.Fulfill(toolCallID, approval.Decision{
		ToolCallID: toolCallID,
		Verdict:    approval.VerdictDeny,
		Source:     approval.SourceCachedDenial,
		Reason:     reason,
	})
}

func (r *Runner) cancelled(call *Call, start time.Time) Result {
	call.setStatus(StatusCancelled)
	return Result{
		CallID: call.ID, Name: call.Name,
		Error:  "cancelled",
		Status: StatusCancelled, Duration: time.Since(start),
	}
}

// failed maps a handler error to a terminal result. A single call's
// execution or timeout failure never aborts the batch.
func (r *Runner) failed(call *Call, output string, meta map[string]interface{}, err error, elapsed time.Duration) Result {
	if fault.IsAbort(err) || errors.Is(err, context.Canceled) {
		res := r.cancelled(call, time.Now().Add(-elapsed))
		if stdout, stderr, ok := fault.PartialOutput(err); ok {
			res.Output = stdout
			if stderr != "" {
				res.Output += stderr
			}
			res.Partial = true
		}
		res.Meta = meta
		return res
	}

	call.setStatus(StatusFailed)

	stdout, stderr, hasPartial := fault.PartialOutput(err)
	if hasPartial && output == "" {
		output = stdout
		if stderr != "" {
			output += stderr
		}
	}

	r.logger.Warn().
		Str("tool", call.Name).
		Str("tool_call_id", call.ID).
		Err(err).
		Msg("Tool call failed")

	return Result{
		CallID: call.ID, Name: call.Name,
		Output: output,
		Error:  err.Error(),
		Status: StatusFailed, Partial: hasPartial,
		Duration: elapsed,
		Meta:     meta,
	}
}
