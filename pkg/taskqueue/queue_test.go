package taskqueue

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue() *Queue {
	return New(zerolog.New(os.Stdout).Level(zerolog.ErrorLevel))
}

func TestEnqueue(t *testing.T) {
	t.Run("should return task results", func(t *testing.T) {
		q := testQueue()
		defer q.Close()

		value, err := q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			return 42, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 42, value)
	})

	t.Run("should propagate task errors", func(t *testing.T) {
		q := testQueue()
		defer q.Close()

		_, err := q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("task failed")
		})

		assert.EqualError(t, err, "task failed")
	})

	t.Run("should serialize tasks on the same lane", func(t *testing.T) {
		q := testQueue()
		defer q.Close()

		var active, peak int32
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = q.Enqueue(context.Background(), "session-1", func(ctx context.Context) (interface{}, error) {
					current := atomic.AddInt32(&active, 1)
					for {
						old := atomic.LoadInt32(&peak)
						if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
							break
						}
					}
					time.Sleep(20 * time.Millisecond)
					atomic.AddInt32(&active, -1)
					return nil, nil
				})
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	})

	t.Run("should run different lanes concurrently", func(t *testing.T) {
		q := testQueue()
		defer q.Close()

		started := make(chan struct{})
		release := make(chan struct{})

		go func() {
			_, _ = q.Enqueue(context.Background(), "a", func(ctx context.Context) (interface{}, error) {
				close(started)
				<-release
				return nil, nil
			})
		}()
		<-started

		done := make(chan struct{})
		go func() {
			_, _ = q.Enqueue(context.Background(), "b", func(ctx context.Context) (interface{}, error) {
				return nil, nil
			})
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lane b blocked behind lane a")
		}
		close(release)
	})

	t.Run("should skip queued tasks whose context is cancelled", func(t *testing.T) {
		q := testQueue()
		defer q.Close()

		release := make(chan struct{})
		go func() {
			_, _ = q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
				<-release
				return nil, nil
			})
		}()
		time.Sleep(20 * time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := q.Enqueue(ctx, "lane", func(ctx context.Context) (interface{}, error) {
			t.Error("cancelled task must not run")
			return nil, nil
		})
		close(release)

		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should reject work after close", func(t *testing.T) {
		q := testQueue()
		q.Close()

		_, err := q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})

		assert.Error(t, err)
	})
}
