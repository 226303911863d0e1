// Package taskqueue serializes task execution per lane. The orchestrator
// runs each session's turns on its own lane so session state is only ever
// mutated from one task at a time.
package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is an asynchronous operation executed on a lane.
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	task   Task
	ctx    context.Context
	result chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu      sync.Mutex
	queue   []*taskRecord
	running bool
}

// Queue provides lane-based task serialization.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	closed bool
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates an empty queue.
func New(logger zerolog.Logger) *Queue {
	return &Queue{
		lanes:  make(map[string]*laneState),
		logger: logger,
	}
}

// Enqueue schedules the task on the lane and blocks until it finishes or
// ctx is cancelled while the task is still queued.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue is closed")
	}
	state, ok := q.lanes[lane]
	if !ok {
		state = &laneState{}
		q.lanes[lane] = state
	}
	q.mu.Unlock()

	record := &taskRecord{
		task:   task,
		ctx:    ctx,
		result: make(chan taskResult, 1),
	}

	state.mu.Lock()
	state.queue = append(state.queue, record)
	shouldStart := !state.running
	if shouldStart {
		state.running = true
	}
	queued := len(state.queue)
	state.mu.Unlock()

	if queued > 1 {
		q.logger.Debug().Str("lane", lane).Int("depth", queued).Msg("Task queued behind running work")
	}
	if shouldStart {
		q.wg.Add(1)
		go q.drain(lane, state)
	}

	select {
	case res := <-record.result:
		return res.value, res.err
	case <-ctx.Done():
		// The worker still runs the task to completion; the caller just
		// stops waiting. Tasks observe the same ctx and exit promptly.
		return nil, ctx.Err()
	}
}

// drain runs queued tasks one at a time until the lane is empty.
func (q *Queue) drain(lane string, state *laneState) {
	defer q.wg.Done()

	for {
		state.mu.Lock()
		if len(state.queue) == 0 {
			state.running = false
			state.mu.Unlock()
			return
		}
		record := state.queue[0]
		state.queue = state.queue[1:]
		state.mu.Unlock()

		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: err}
			continue
		}

		started := time.Now()
		value, err := record.task(record.ctx)
		q.logger.Debug().
			Str("lane", lane).
			Dur("duration", time.Since(started)).
			Bool("failed", err != nil).
			Msg("Task finished")

		record.result <- taskResult{value: value, err: err}
	}
}

// Close rejects new work and waits for in-flight tasks.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
