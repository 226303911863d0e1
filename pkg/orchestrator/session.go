package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/contextusage"
	"github.com/droverlabs/drover/pkg/reminder"
	"github.com/droverlabs/drover/pkg/transport"
)

// Phase is the session's position in the turn lifecycle.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseSending             Phase = "sending"
	PhaseStreaming           Phase = "streaming"
	PhaseToolPendingApproval Phase = "tool_pending_approval"
	PhaseCompleted           Phase = "completed"
	PhaseInterrupted         Phase = "interrupted"
	PhaseErrored             Phase = "errored"
)

// Terminal reports whether the phase ends a turn.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseInterrupted, PhaseErrored:
		return true
	}
	return false
}

// Session holds one conversation's canonical transcript and turn state.
// Turn execution is serialized per session by the orchestrator's task
// queue, so only phase reads and the interrupt flag need locking.
type Session struct {
	ID string

	mu          sync.Mutex
	phase       Phase
	interrupted bool
	messages    []transport.Message

	// Interrupt targets for the in-flight turn.
	activeTurnID string
	cancelTurn   context.CancelFunc

	usage     *contextusage.Tracker
	reminders *reminder.Scheduler
	logger    zerolog.Logger
}

func newSession(id string, contextWindow int, toolset []string, logger zerolog.Logger) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	return &Session{
		ID:        id,
		phase:     PhaseIdle,
		usage:     contextusage.NewTracker(contextWindow),
		reminders: reminder.NewScheduler(toolset, logger),
		logger:    logger.With().Str("session_id", id).Logger(),
	}
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	prev := s.phase
	s.phase = p
	s.mu.Unlock()

	if prev != p {
		s.logger.Debug().Str("from", string(prev)).Str("to", string(p)).Msg("Phase transition")
	}
}

// beginTurn registers the interrupt targets and clears the previous turn's
// interrupt flag. A new turn always starts fresh.
func (s *Session) beginTurn(turnID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.interrupted = false
	s.activeTurnID = turnID
	s.cancelTurn = cancel
	s.mu.Unlock()
}

func (s *Session) endTurn() {
	s.mu.Lock()
	s.activeTurnID = ""
	s.cancelTurn = nil
	s.mu.Unlock()
}

// markInterrupted sets the monotonic interrupt flag and returns the active
// turn id and cancel func. Reports false when already interrupted or no
// turn is in flight.
func (s *Session) markInterrupted() (turnID string, cancel context.CancelFunc, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interrupted || s.cancelTurn == nil {
		return "", nil, false
	}
	s.interrupted = true
	return s.activeTurnID, s.cancelTurn, true
}

// Interrupted reports whether the in-flight turn was interrupted. The flag
// never clears mid-turn.
func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// Messages returns a copy of the canonical transcript.
func (s *Session) Messages() []transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]transport.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) appendMessages(msgs ...transport.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msgs...)
	s.mu.Unlock()
}

func (s *Session) setMessages(msgs []transport.Message) {
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
}

// Usage returns the session's context-usage snapshot.
func (s *Session) Usage() contextusage.Snapshot {
	return s.usage.Snapshot()
}

// Reminders exposes the session's reminder scheduler so callers can record
// toolset changes and compactions.
func (s *Session) Reminders() *reminder.Scheduler {
	return s.reminders
}
