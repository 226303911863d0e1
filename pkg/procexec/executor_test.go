//go:build unix

package procexec

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/droverlabs/drover/pkg/fault"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecutor(opts ...Option) *Executor {
	return New(zerolog.New(os.Stdout).Level(zerolog.ErrorLevel), opts...)
}

func TestRun(t *testing.T) {
	t.Run("should capture stdout and exit code", func(t *testing.T) {
		e := testExecutor()

		result, err := e.Run(context.Background(), Request{
			Command: "sh",
			Args:    []string{"-c", "echo hello; exit 3"},
		})

		require.NoError(t, err)
		assert.Equal(t, "hello\n", result.Stdout)
		assert.Equal(t, 3, result.ExitCode)
	})

	t.Run("should capture stderr separately", func(t *testing.T) {
		e := testExecutor()

		result, err := e.Run(context.Background(), Request{
			Command: "sh",
			Args:    []string{"-c", "echo out; echo err >&2"},
		})

		require.NoError(t, err)
		assert.Equal(t, "out\n", result.Stdout)
		assert.Equal(t, "err\n", result.Stderr)
		assert.Equal(t, 0, result.ExitCode)
	})

	t.Run("should pass stdin to the command", func(t *testing.T) {
		e := testExecutor()

		result, err := e.Run(context.Background(), Request{
			Command: "cat",
			Stdin:   "piped input",
		})

		require.NoError(t, err)
		assert.Equal(t, "piped input", result.Stdout)
	})

	t.Run("should stream chunks while accumulating", func(t *testing.T) {
		e := testExecutor()

		var mu sync.Mutex
		var streamed []byte
		result, err := e.Run(context.Background(), Request{
			Command: "sh",
			Args:    []string{"-c", "printf one; sleep 0.05; printf two"},
			OnChunk: func(stream StreamKind, chunk []byte) {
				if stream == StreamStdout {
					mu.Lock()
					streamed = append(streamed, chunk...)
					mu.Unlock()
				}
			},
		})

		require.NoError(t, err)
		assert.Equal(t, "onetwo", result.Stdout)
		mu.Lock()
		assert.Equal(t, "onetwo", string(streamed))
		mu.Unlock()
	})

	t.Run("should reject missing executable with not-found error", func(t *testing.T) {
		e := testExecutor()

		_, err := e.Run(context.Background(), Request{
			Command: "definitely-not-a-real-binary-xyz",
		})

		var execErr *fault.ExecError
		require.ErrorAs(t, err, &execErr)
		assert.True(t, execErr.NotFound)
	})

	t.Run("should reject timeout with partial output", func(t *testing.T) {
		e := testExecutor()

		start := time.Now()
		_, err := e.Run(context.Background(), Request{
			Command: "sh",
			Args:    []string{"-c", "echo before; sleep 30"},
			Timeout: 200 * time.Millisecond,
		})

		var timeoutErr *fault.TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Contains(t, timeoutErr.Stdout, "before")
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("should reject cancellation with abort error", func(t *testing.T) {
		e := testExecutor()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		_, err := e.Run(ctx, Request{
			Command: "sh",
			Args:    []string{"-c", "echo partial; sleep 30"},
		})

		var abortErr *fault.AbortError
		require.ErrorAs(t, err, &abortErr)
		assert.Contains(t, abortErr.Stdout, "partial")
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("should escalate to kill when terminate is ignored", func(t *testing.T) {
		e := testExecutor(WithGracePeriod(300 * time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		_, err := e.Run(ctx, Request{
			Command: "sh",
			Args:    []string{"-c", "trap '' TERM; echo trapped; sleep 30"},
		})
		elapsed := time.Since(start)

		assert.True(t, fault.IsAbort(err), "expected abort, got %v", err)
		// Terminate is ignored, so the kill must land within the grace
		// period rather than waiting out the sleep.
		assert.Less(t, elapsed, 5*time.Second)
	})

	t.Run("should signal the whole process group", func(t *testing.T) {
		e := testExecutor()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(150 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		_, err := e.Run(ctx, Request{
			Command: "sh",
			Args:    []string{"-c", "(sleep 30) & wait"},
		})

		assert.True(t, fault.IsAbort(err))
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("should truncate output beyond the buffer limit", func(t *testing.T) {
		e := testExecutor()

		result, err := e.Run(context.Background(), Request{
			Command:        "sh",
			Args:           []string{"-c", "head -c 4096 /dev/zero | tr '\\0' 'a'"},
			MaxOutputBytes: 128,
		})

		require.NoError(t, err)
		assert.Contains(t, result.Stdout, "[output truncated]")
		assert.LessOrEqual(t, len(result.Stdout), 200)
	})

	t.Run("should run commands in the requested directory", func(t *testing.T) {
		e := testExecutor()
		dir := t.TempDir()

		result, err := e.Run(context.Background(), Request{
			Command: "pwd",
			Dir:     dir,
		})

		require.NoError(t, err)
		assert.Contains(t, result.Stdout, dir)
	})

	t.Run("should not mutate shared state across concurrent runs", func(t *testing.T) {
		e := testExecutor()

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = e.Run(context.Background(), Request{
					Command: "sh",
					Args:    []string{"-c", "echo ok"},
				})
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
	})
}

func TestBoundedBuffer(t *testing.T) {
	t.Run("should mark truncation exactly once", func(t *testing.T) {
		buf := newBoundedBuffer(4)
		_, err := buf.Write([]byte("abcdef"))
		require.NoError(t, err)
		_, err = buf.Write([]byte("gh"))
		require.NoError(t, err)

		assert.Equal(t, "abcd\n... [output truncated]", buf.String())
	})
}

func TestIsRetryableTaxonomy(t *testing.T) {
	t.Run("abort errors are never timeouts", func(t *testing.T) {
		err := &fault.AbortError{Op: "sleep"}
		assert.True(t, fault.IsAbort(err))
		assert.False(t, fault.IsTimeout(err))
		assert.False(t, errors.Is(err, context.Canceled))
	})
}
