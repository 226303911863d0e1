// Package reminder decides which synthetic system reminders to inject into
// the next outbound request: toolset changes, notable command output, and
// context compaction boundaries.
package reminder

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/droverlabs/drover/pkg/contextusage"
	"github.com/rs/zerolog"
)

// Kind identifies a reminder event category.
type Kind string

const (
	KindToolsetChange     Kind = "toolset_change"
	KindCommandIO         Kind = "command_io"
	KindContextCompaction Kind = "context_compaction"
)

// ChangeSource identifies what caused a toolset change.
type ChangeSource string

const (
	SourceModelSwitch    ChangeSource = "model_switch"
	SourceManualOverride ChangeSource = "manual_override"
	SourceToolsetCommand ChangeSource = "toolset_command"
)

// Event is one recorded occurrence. Injected at most once.
type Event struct {
	Kind     Kind
	Text     string
	injected bool
}

// Content is what actually gets injected into the outbound request.
type Content struct {
	Kind Kind
	Text string
}

// CommandSummary describes a completed shell command, without raw output.
type CommandSummary struct {
	Command   string
	ExitCode  int
	StderrLen int
	Duration  time.Duration
}

// NoticeFunc decides whether a completed command deserves a reminder.
// The triggering predicate is policy, not fixed logic.
type NoticeFunc func(CommandSummary) bool

// DefaultNotice fires on any non-zero exit code.
func DefaultNotice(sum CommandSummary) bool {
	return sum.ExitCode != 0
}

// Scheduler observes session-state transitions and collects reminders.
// Safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	pending []*Event
	toolset []string
	notice  NoticeFunc
	logger  zerolog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotice replaces the command-I/O predicate.
func WithNotice(fn NoticeFunc) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.notice = fn
		}
	}
}

// NewScheduler creates a scheduler with the toolset snapshot taken at
// session start.
func NewScheduler(initialToolset []string, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		toolset: normalizeToolset(initialToolset),
		notice:  DefaultNotice,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ObserveToolset records a toolset-change event when the active tool set
// differs from the last snapshot, then advances the snapshot.
func (s *Scheduler) ObserveToolset(names []string, source ChangeSource) {
	current := normalizeToolset(names)

	s.mu.Lock()
	defer s.mu.Unlock()

	if equalToolsets(s.toolset, current) {
		return
	}

	text := fmt.Sprintf(
		"Active toolset changed (%s): was [%s], now [%s].",
		source,
		strings.Join(s.toolset, ", "),
		strings.Join(current, ", "),
	)
	s.toolset = current
	s.pending = append(s.pending, &Event{Kind: KindToolsetChange, Text: text})
	s.logger.Debug().Str("source", string(source)).Msg("Toolset change reminder recorded")
}

// ObserveCommand records a command-I/O event when the notice predicate
// fires. Carries a summary, never raw output.
func (s *Scheduler) ObserveCommand(sum CommandSummary) {
	if !s.notice(sum) {
		return
	}

	text := fmt.Sprintf(
		"Command %q exited with code %d after %s (%d bytes on stderr).",
		sum.Command, sum.ExitCode, sum.Duration.Round(time.Millisecond), sum.StderrLen,
	)

	s.mu.Lock()
	s.pending = append(s.pending, &Event{Kind: KindCommandIO, Text: text})
	s.mu.Unlock()
}

// ObserveUsage records a compaction reminder when the tracker reports a
// boundary crossed.
func (s *Scheduler) ObserveUsage(snap contextusage.Snapshot) {
	if !snap.CompactionOccurred {
		return
	}

	text := fmt.Sprintf(
		"Conversation context was compacted; usage is now %d of %d tokens (%.0f%%).",
		snap.UsedTokens, snap.WindowSize, snap.Ratio()*100,
	)

	s.mu.Lock()
	s.pending = append(s.pending, &Event{Kind: KindContextCompaction, Text: text})
	s.mu.Unlock()
}

// Drain returns every reminder not yet injected, marking each injected
// exactly once. Calling Drain twice in a row never yields the same event.
func (s *Scheduler) Drain() []Content {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Content
	for _, ev := range s.pending {
		if ev.injected {
			continue
		}
		ev.injected = true
		out = append(out, Content{Kind: ev.Kind, Text: ev.Text})
	}
	s.pending = nil
	return out
}

// ResetTrajectory drops everything recorded but not yet injected, so state
// computed mid-turn does not leak into the next turn.
func (s *Scheduler) ResetTrajectory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		s.logger.Debug().Int("dropped", len(s.pending)).Msg("Reminder trajectory reset")
	}
	s.pending = nil
}

func normalizeToolset(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}

func equalToolsets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
