package history

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper prunes expired transcript rows on a cron schedule.
type Sweeper struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
	logger    zerolog.Logger
}

// NewSweeper schedules retention sweeps. The schedule is a standard
// five-field cron expression; retentionDays bounds how long rows live.
func NewSweeper(store *Store, schedule string, retentionDays int, logger zerolog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive")
	}

	s := &Sweeper{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		cron:      cron.New(),
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule and runs one sweep immediately so restarts
// don't accumulate stale rows until the next tick.
func (s *Sweeper) Start() {
	s.sweep()
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.retention)
	pruned, err := s.store.PruneBefore(context.Background(), cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	if pruned > 0 {
		s.logger.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("Retention sweep pruned messages")
	}
}
