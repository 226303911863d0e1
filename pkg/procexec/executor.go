// Package procexec spawns and supervises external commands. Every command
// runs as the root of its own process group so descendants can be signaled
// together on timeout or cancellation.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/droverlabs/drover/pkg/fault"
	"github.com/rs/zerolog"
)

const (
	// DefaultGracePeriod is how long a terminated process group gets to
	// exit before the unconditional kill signal is sent.
	DefaultGracePeriod = 2 * time.Second

	// DefaultMaxOutputBytes bounds each captured output stream.
	DefaultMaxOutputBytes = 512 * 1024

	chunkSize = 4096
)

// StreamKind identifies which output stream a chunk came from.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
)

// ChunkFunc receives output chunks as they arrive. The chunk slice is only
// valid for the duration of the call.
type ChunkFunc func(stream StreamKind, chunk []byte)

// Request describes a single command execution.
type Request struct {
	Command        string
	Args           []string
	Dir            string
	Env            map[string]string
	Stdin          string
	Timeout        time.Duration // zero means no timeout
	MaxOutputBytes int           // zero means DefaultMaxOutputBytes
	OnChunk        ChunkFunc     // optional, for live display
}

// Result holds the outcome of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// HandleState tracks the lifecycle of a spawned process.
type HandleState string

const (
	StateRunning  HandleState = "running"
	StateExited   HandleState = "exited"
	StateTimedOut HandleState = "timed_out"
	StateAborted  HandleState = "aborted"
)

// Executor runs commands. It holds no mutable state across calls; a single
// Executor is safe for concurrent use.
type Executor struct {
	grace  time.Duration
	logger zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithGracePeriod overrides the terminate-to-kill grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

// New creates an Executor.
func New(logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		grace:  DefaultGracePeriod,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the command and blocks until it reaches a terminal state.
// A non-zero exit code is not an error; it is reported in the Result.
// Timeout and cancellation reject with fault.TimeoutError and
// fault.AbortError respectively, both carrying partial output.
func (e *Executor) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = buildEnv(req.Env)
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	setProcessGroup(cmd)

	limit := req.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	stdout := newBoundedBuffer(limit)
	stderr := newBoundedBuffer(limit)

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, &fault.ExecError{Command: req.Command, Err: err}
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, &fault.ExecError{Command: req.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		notFound := errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
		e.logger.Error().Str("command", req.Command).Err(err).Msg("Spawn failed")
		return Result{}, &fault.ExecError{Command: req.Command, NotFound: notFound, Err: err}
	}

	pid := cmd.Process.Pid
	e.logger.Debug().Str("command", req.Command).Int("pid", pid).Msg("Process started")

	var readers sync.WaitGroup
	readers.Add(2)
	go e.drain(&readers, outPipe, stdout, StreamStdout, req.OnChunk)
	go e.drain(&readers, errPipe, stderr, StreamStderr, req.OnChunk)

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case waitErr := <-waitCh:
		return e.finish(req, waitErr, stdout, stderr, time.Since(start))

	case <-timeoutCh:
		e.logger.Warn().
			Str("command", req.Command).
			Int("pid", pid).
			Dur("timeout", req.Timeout).
			Msg("Timeout reached, terminating process group")
		e.reap(pid, waitCh)
		return Result{}, &fault.TimeoutError{
			Command: req.Command,
			Timeout: req.Timeout,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}

	case <-ctx.Done():
		e.logger.Info().
			Str("command", req.Command).
			Int("pid", pid).
			Msg("Cancelled, terminating process group")
		e.reap(pid, waitCh)
		return Result{}, &fault.AbortError{
			Op:     req.Command,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
	}
}

// drain copies one pipe into its bounded buffer, forwarding chunks.
func (e *Executor) drain(wg *sync.WaitGroup, r io.Reader, buf *boundedBuffer, kind StreamKind, onChunk ChunkFunc) {
	defer wg.Done()
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if onChunk != nil {
				onChunk(kind, chunk[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

// reap terminates the process group, escalating to an unconditional kill
// if it is still alive after the grace period.
func (e *Executor) reap(pid int, waitCh <-chan error) {
	terminateGroup(pid)
	select {
	case <-waitCh:
	case <-time.After(e.grace):
		e.logger.Warn().Int("pid", pid).Msg("Grace period expired, killing process group")
		killGroup(pid)
		<-waitCh
	}
}

func (e *Executor) finish(req Request, waitErr error, stdout, stderr *boundedBuffer, elapsed time.Duration) (Result, error) {
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, &fault.ExecError{
				Command: req.Command,
				Stdout:  stdout.String(),
				Stderr:  stderr.String(),
				Err:     waitErr,
			}
		}
	}

	e.logger.Debug().
		Str("command", req.Command).
		Int("exit_code", exitCode).
		Dur("duration", elapsed).
		Msg("Process exited")

	return Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: elapsed,
	}, nil
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// boundedBuffer accumulates output up to a fixed limit, then discards.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n... [output truncated]"
	}
	return b.buf.String()
}
