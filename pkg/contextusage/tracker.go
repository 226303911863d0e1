// Package contextusage tracks token consumption against the model's
// context window and reports compaction boundaries.
package contextusage

import "sync"

// Snapshot is the tracker's view at one instant.
type Snapshot struct {
	UsedTokens         int
	WindowSize         int
	CompactionOccurred bool
}

// Tracker accumulates usage per session. Safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	window      int
	used        int
	compactions int
	reported    int
}

// NewTracker creates a tracker for the given context window size.
func NewTracker(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = 200_000
	}
	return &Tracker{window: windowSize}
}

// Observe records one exchange's token usage. The transcript only grows
// between exchanges, so a drop in total usage marks a compaction boundary.
func (t *Tracker) Observe(inputTokens, outputTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := inputTokens + outputTokens
	if total < t.used {
		t.compactions++
	}
	t.used = total
}

// Snapshot reports current usage. CompactionOccurred is true when a
// compaction happened since the previous snapshot.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	occurred := t.compactions > t.reported
	t.reported = t.compactions
	return Snapshot{
		UsedTokens:         t.used,
		WindowSize:         t.window,
		CompactionOccurred: occurred,
	}
}

// Ratio returns used/window for the given snapshot.
func (s Snapshot) Ratio() float64 {
	if s.WindowSize == 0 {
		return 0
	}
	return float64(s.UsedTokens) / float64(s.WindowSize)
}

// EstimateTokens roughly counts tokens in text, one token per four
// characters.
func EstimateTokens(texts ...string) int {
	total := 0
	for _, s := range texts {
		total += len(s)
	}
	return (total + 3) / 4
}
