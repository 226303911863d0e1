// Package recovery classifies transport and approval errors into recovery
// actions and owns the retry backoff policy.
package recovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/droverlabs/drover/pkg/fault"
)

// Action tells the orchestrator how to proceed after an error.
type Action int

const (
	// ActionFatal propagates the error; the turn ends errored.
	ActionFatal Action = iota
	// ActionRetryTransient resends the same request unchanged, bounded
	// by the retry policy.
	ActionRetryTransient
	// ActionResolveApproval rebuilds the outbound request from the latest
	// known approval decisions before resending.
	ActionResolveApproval
)

func (a Action) String() string {
	switch a {
	case ActionRetryTransient:
		return "retry_transient"
	case ActionResolveApproval:
		return "resolve_approval_pending"
	default:
		return "fatal"
	}
}

// Classify maps an error to a recovery action. Pure: no side effects, and
// the same error shape always yields the same action, whether the error
// occurred before the stream opened or mid-stream.
func Classify(err error) Action {
	if err == nil {
		return ActionFatal
	}

	var conflict *fault.ApprovalConflictError
	if errors.As(err, &conflict) {
		return ActionResolveApproval
	}

	var transient *fault.TransientError
	if errors.As(err, &transient) {
		return ActionRetryTransient
	}

	// Cancellation and protocol errors are never retried.
	if fault.IsAbort(err) || errors.Is(err, context.Canceled) {
		return ActionFatal
	}
	var protocol *fault.ProtocolError
	if errors.As(err, &protocol) {
		return ActionFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ActionRetryTransient
	}

	if retryableMessage(err.Error()) {
		return ActionRetryTransient
	}

	return ActionFatal
}

// retryableMessage matches transient failures surfaced by SDKs as plain
// error strings: resets, rate limits, 5xx-class status codes.
func retryableMessage(msg string) bool {
	markers := []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"ECONNRESET",
		"ETIMEDOUT",
		"unexpected EOF",
		"429",
		"rate limit",
		"overloaded",
		"500",
		"502",
		"503",
		"504",
	}
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Policy bounds transient retries. The exact bound and backoff schedule are
// deliberately configurable; DefaultPolicy documents the defaults.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy retries three times with exponential backoff 1s/2s/4s,
// capped at 8s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  8 * time.Second,
	}
}

// Backoff returns the delay before the given zero-based retry attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
