package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/logger"
)

// Job is a periodic sweep
type Job interface {
	Run(ctx context.Context) (int, error)
}

// Intervals configures how often each sweep runs
type Intervals struct {
	EligibilityDrift  time.Duration
	UnmatchedWebhooks time.Duration
	Timeout           time.Duration
}

// DefaultIntervals returns the production schedule
func DefaultIntervals() Intervals {
	return Intervals{
		EligibilityDrift:  15 * time.Minute,
		UnmatchedWebhooks: time.Minute,
		Timeout:           5 * time.Minute,
	}
}

// Scheduler runs the KYC sweeps on gocron
type Scheduler struct {
	scheduler *gocron.Scheduler
	log       zerolog.Logger
	timeout   time.Duration
}

// NewScheduler registers the drift and replay sweeps
func NewScheduler(drift, replay Job, intervals Intervals, log *zerolog.Logger) (*Scheduler, error) {
	if intervals.Timeout <= 0 {
		intervals.Timeout = DefaultIntervals().Timeout
	}
	s := &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		log:       logger.Component(log, "jobs"),
		timeout:   intervals.Timeout,
	}
	// a sweep still running when its next tick fires is skipped
	s.scheduler.SingletonModeAll()

	if _, err := s.scheduler.Every(intervals.EligibilityDrift).Tag("eligibility_drift").Do(s.run, "eligibility_drift", drift); err != nil {
		return nil, fmt.Errorf("failed to schedule eligibility drift sweep: %w", err)
	}
	if _, err := s.scheduler.Every(intervals.UnmatchedWebhooks).Tag("unmatched_webhooks").Do(s.run, "unmatched_webhooks", replay); err != nil {
		return nil, fmt.Errorf("failed to schedule unmatched webhook replay: %w", err)
	}

	return s, nil
}

// Start runs the scheduler in the background
func (s *Scheduler) Start() {
	s.log.Info().Int("jobs", len(s.scheduler.Jobs())).Msg("starting sweeps")
	s.scheduler.StartAsync()
}

// Stop halts the scheduler
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	s.log.Info().Msg("sweeps stopped")
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("sweep failed")
		return
	}
	s.log.Debug().Str("job", name).Int("count", n).Int64("duration_ms", time.Since(start).Milliseconds()).Msg("sweep completed")
}
