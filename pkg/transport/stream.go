package transport

import (
	"io"
	"sync"
)

// chanStream adapts a pumping goroutine to the pull-based Stream
// interface. The pump emits events in order and finishes exactly once.
type chanStream struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newChanStream() *chanStream {
	return &chanStream{
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

func (s *chanStream) Next() (Event, error) {
	ev, ok := <-s.events
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	}
	return ev, nil
}

func (s *chanStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// emit delivers one event unless the stream was closed.
func (s *chanStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// finish ends the stream; err becomes the terminal error after drain.
func (s *chanStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}
