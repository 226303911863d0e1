// Package approval gates risky tool calls behind a decision: an interactive
// prompt, or a static policy when running headless. Decisions are futures
// keyed by tool-call id, fulfilled exactly once by whichever source answers
// first.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Verdict is the outcome of an approval decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
)

// Source identifies which mechanism produced a decision.
type Source string

const (
	SourceInteractive  Source = "interactive"
	SourcePolicy       Source = "policy"
	SourceCachedDenial Source = "cached_denial"
)

// Decision records the resolution of one approval request. Immutable once
// recorded.
type Decision struct {
	ToolCallID string
	Verdict    Verdict
	Source     Source
	Reason     string
}

// Approved reports whether the decision permits execution.
func (d Decision) Approved() bool { return d.Verdict == VerdictApprove }

// Request asks for a decision on one tool call.
type Request struct {
	ToolCallID string
	ToolName   string
	Args       map[string]interface{}
}

// PromptHandler resolves approval requests interactively.
type PromptHandler interface {
	RequestDecision(ctx context.Context, req Request) (approved bool, reason string, err error)
}

// Config configures a Gate.
type Config struct {
	// GatedTools require a decision before execution.
	GatedTools []string
	// Headless disables the interactive prompt; decisions come from the
	// auto-allow list and the persisted allowlist instead.
	Headless bool
	// AutoAllow names tools approved without prompting in headless mode.
	AutoAllow []string
	// Prompt is required unless Headless is set.
	Prompt PromptHandler
	// Allowlist optionally matches shell commands in headless mode.
	Allowlist *Allowlist
	Logger    zerolog.Logger
}

// Gate tracks pending approvals and resolved decisions for a turn.
type Gate struct {
	gated     map[string]bool
	autoAllow map[string]bool
	headless  bool
	prompt    PromptHandler
	allowlist *Allowlist
	logger    zerolog.Logger

	mu      sync.Mutex
	denials map[string]Decision
	futures map[string]*future
}

type future struct {
	once     sync.Once
	done     chan struct{}
	decision Decision
}

// settled returns the decision if the future is already fulfilled.
func (f *future) settled() (Decision, bool) {
	select {
	case <-f.done:
		return f.decision, true
	default:
		return Decision{}, false
	}
}

// NewGate creates a Gate.
func NewGate(cfg Config) (*Gate, error) {
	if !cfg.Headless && cfg.Prompt == nil {
		return nil, fmt.Errorf("prompt handler is required in interactive mode")
	}

	gated := make(map[string]bool, len(cfg.GatedTools))
	for _, name := range cfg.GatedTools {
		gated[name] = true
	}
	autoAllow := make(map[string]bool, len(cfg.AutoAllow))
	for _, name := range cfg.AutoAllow {
		autoAllow[name] = true
	}

	return &Gate{
		gated:     gated,
		autoAllow: autoAllow,
		headless:  cfg.Headless,
		prompt:    cfg.Prompt,
		allowlist: cfg.Allowlist,
		logger:    cfg.Logger,
		denials:   make(map[string]Decision),
		futures:   make(map[string]*future),
	}, nil
}

// RequiresApproval reports whether the named tool is gated.
func (g *Gate) RequiresApproval(toolName string) bool {
	return g.gated[toolName]
}

// Resolve suspends until a decision is available for the request. Identical
// denied requests within the same turn reuse the recorded denial without
// re-prompting. Multiple pending resolutions proceed independently.
func (g *Gate) Resolve(ctx context.Context, req Request) (Decision, error) {
	fp := fingerprint(req.ToolName, req.Args)

	g.mu.Lock()
	if prior, ok := g.denials[fp]; ok {
		g.mu.Unlock()
		g.logger.Info().
			Str("tool", req.ToolName).
			Str("tool_call_id", req.ToolCallID).
			Msg("Reusing cached denial")
		return Decision{
			ToolCallID: req.ToolCallID,
			Verdict:    VerdictDeny,
			Source:     SourceCachedDenial,
			Reason:     prior.Reason,
		}, nil
	}
	fut := g.futureLocked(req.ToolCallID)
	g.mu.Unlock()

	// A decision already fulfilled for this call id (conflict settlement,
	// policy) wins outright; consulting a source again would discard the
	// answer and, interactively, burn a prompt.
	if decision, ok := fut.settled(); ok {
		return decision, nil
	}

	go g.decide(ctx, req, fp)

	select {
	case <-fut.done:
		return fut.decision, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Fulfill records a decision from an external source. The first decision
// for a tool-call id wins; later ones are ignored.
func (g *Gate) Fulfill(toolCallID string, decision Decision) {
	g.mu.Lock()
	fut := g.futureLocked(toolCallID)
	g.mu.Unlock()
	g.deliver(fut, decision)
}

// CachedDenials returns every denial recorded this turn, for rebuilding the
// outbound request after an approval-state conflict.
func (g *Gate) CachedDenials() []Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Decision, 0, len(g.denials))
	for _, d := range g.denials {
		out = append(out, d)
	}
	return out
}

func (g *Gate) decide(ctx context.Context, req Request, fp string) {
	g.mu.Lock()
	fut := g.futureLocked(req.ToolCallID)
	g.mu.Unlock()

	if _, ok := fut.settled(); ok {
		return
	}

	decision := Decision{ToolCallID: req.ToolCallID}

	if g.headless {
		decision.Source = SourcePolicy
		switch {
		case g.autoAllow[req.ToolName]:
			decision.Verdict = VerdictApprove
			decision.Reason = "auto-allowed by headless policy"
		case g.allowlist != nil && g.allowlist.Matches(req.ToolName, commandOf(req.Args)):
			decision.Verdict = VerdictApprove
			decision.Reason = "matched persisted allowlist"
		default:
			decision.Verdict = VerdictDeny
			decision.Reason = "not on the headless allow-list"
		}
	} else {
		approved, reason, err := g.prompt.RequestDecision(ctx, req)
		decision.Source = SourceInteractive
		if err != nil {
			decision.Verdict = VerdictDeny
			decision.Reason = fmt.Sprintf("prompt failed: %v", err)
		} else if approved {
			decision.Verdict = VerdictApprove
			decision.Reason = reason
		} else {
			decision.Verdict = VerdictDeny
			decision.Reason = reason
		}
	}

	if decision.Verdict == VerdictDeny {
		g.mu.Lock()
		if _, exists := g.denials[fp]; !exists {
			g.denials[fp] = decision
		}
		g.mu.Unlock()
	}

	g.logger.Info().
		Str("tool", req.ToolName).
		Str("tool_call_id", req.ToolCallID).
		Str("verdict", string(decision.Verdict)).
		Str("source", string(decision.Source)).
		Msg("Approval resolved")

	g.deliver(fut, decision)
}

// futureLocked returns the future for a tool-call id, creating it if
// needed. Caller holds g.mu.
func (g *Gate) futureLocked(toolCallID string) *future {
	fut, ok := g.futures[toolCallID]
	if !ok {
		fut = &future{done: make(chan struct{})}
		g.futures[toolCallID] = fut
	}
	return fut
}

// deliver fulfills a future exactly once.
func (g *Gate) deliver(fut *future, decision Decision) {
	fut.once.Do(func() {
		fut.decision = decision
		close(fut.done)
	})
}

// fingerprint canonicalizes a tool invocation for denial caching.
// json.Marshal sorts map keys, so identical arguments hash identically.
func fingerprint(toolName string, args map[string]interface{}) string {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", args))
	}
	return toolName + ":" + string(raw)
}

func commandOf(args map[string]interface{}) string {
	if cmd, ok := args["command"].(string); ok {
		return cmd
	}
	return ""
}
