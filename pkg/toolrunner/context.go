package toolrunner

import (
	"context"
	"time"
)

type execContextKey struct{}

// ExecContext carries runtime information for a tool execution: the
// workspace, the per-call timeout, and a live-output sink. The workspace
// and environment are read-only snapshots taken at session start.
type ExecContext struct {
	SessionKey string
	CallID     string
	WorkingDir string
	Timeout    time.Duration
	Env        map[string]string
	OnChunk    func(callID, stream string, chunk []byte)
}

// WithExecContext attaches an ExecContext to ctx.
func WithExecContext(ctx context.Context, ec *ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecContextFrom extracts the ExecContext, or nil when absent.
func ExecContextFrom(ctx context.Context) *ExecContext {
	ec, _ := ctx.Value(execContextKey{}).(*ExecContext)
	return ec
}
