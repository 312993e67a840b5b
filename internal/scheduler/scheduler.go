// Package scheduler runs the daily transcript retention task.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/frostbite/internal/config"
)

// Pruner removes transcript entries older than a cutoff.
type Pruner interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    config.TranscriptConfig
	pruner Pruner
	now    func() time.Time
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg config.TranscriptConfig, pruner Pruner) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		pruner: pruner,
		now:    time.Now,
	}
}

// Start runs scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Str("cleanup_time", s.cfg.CleanupTime).Msg("scheduler started")

	for {
		nextRun := s.calculateNextCleanupTime()
		sleepDuration := nextRun.Sub(s.now())

		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("transcript cleanup scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
			s.runTranscriptCleanup()
		}
	}
}

// runTranscriptCleanup deletes entries older than the retention window.
func (s *Scheduler) runTranscriptCleanup() {
	cutoff := s.now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)

	log.Info().
		Int("retention_days", s.cfg.RetentionDays).
		Time("cutoff", cutoff).
		Msg("running transcript cleanup")

	removed, err := s.pruner.PruneBefore(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("transcript cleanup failed")
		return
	}

	log.Info().Int64("deleted_packets", removed).Msg("transcript cleanup completed")
}

// calculateNextCleanupTime returns the next time the cleanup should run.
func (s *Scheduler) calculateNextCleanupTime() time.Time {
	parts := strings.Split(s.cfg.CleanupTime, ":")

	hour, minute := 4, 0
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next
}
