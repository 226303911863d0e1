// Package fault defines the error taxonomy shared by the transport,
// process execution, and recovery layers.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// TransientError wraps a failure that is safe to retry with the same
// request: connection resets, rate limits, 5xx-class responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ApprovalConflictError reports that the backend already holds a resolved
// approval state for a tool call. The outbound request must be rebuilt from
// the latest known decisions before resending.
type ApprovalConflictError struct {
	ToolCallID string
	Err        error
}

func (e *ApprovalConflictError) Error() string {
	return fmt.Sprintf("approval state conflict for tool call %s: %v", e.ToolCallID, e.Err)
}

func (e *ApprovalConflictError) Unwrap() error { return e.Err }

// ExecError reports a spawn or exit failure for a single command.
// NotFound distinguishes a missing executable from other spawn failures.
type ExecError struct {
	Command  string
	NotFound bool
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("executable not found: %s", e.Command)
	}
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// TimeoutError reports that a command exceeded its per-call timeout.
// Partial output captured before termination is carried along.
type TimeoutError struct {
	Command string
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s timed out after %v", e.Command, e.Timeout)
}

// AbortError reports a user or system initiated cancellation. Never retried.
type AbortError struct {
	Op     string
	Stdout string
	Stderr string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%s aborted", e.Op)
}

// ProtocolError reports an unrecognized backend response. Always fatal.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

// IsAbort reports whether err is (or wraps) an AbortError.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// PartialOutput extracts any captured partial output carried by err.
// The second return is false when err carries none.
func PartialOutput(err error) (stdout, stderr string, ok bool) {
	var xe *ExecError
	if errors.As(err, &xe) {
		return xe.Stdout, xe.Stderr, xe.Stdout != "" || xe.Stderr != ""
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Stdout, te.Stderr, te.Stdout != "" || te.Stderr != ""
	}
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae.Stdout, ae.Stderr, ae.Stdout != "" || ae.Stderr != ""
	}
	return "", "", false
}
