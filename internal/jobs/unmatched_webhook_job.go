package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/logger"
)

const (
	defaultReplayMaxAge      = 24 * time.Hour
	defaultReplayMaxAttempts = 10
	defaultReplayBatchSize   = 100
)

// WebhookReplayer retries dead-lettered webhooks
type WebhookReplayer interface {
	ReplayUnmatched(ctx context.Context, maxAge time.Duration, maxAttempts, limit int) (int, error)
}

// UnmatchedWebhookJob replays webhooks that arrived before their record existed
type UnmatchedWebhookJob struct {
	replayer    WebhookReplayer
	log         zerolog.Logger
	maxAge      time.Duration
	maxAttempts int
	batchSize   int
}

// NewUnmatchedWebhookJob creates a new replay sweep
func NewUnmatchedWebhookJob(replayer WebhookReplayer, log *zerolog.Logger) *UnmatchedWebhookJob {
	return &UnmatchedWebhookJob{
		replayer:    replayer,
		log:         logger.Component(log, "jobs.unmatched_webhooks"),
		maxAge:      defaultReplayMaxAge,
		maxAttempts: defaultReplayMaxAttempts,
		batchSize:   defaultReplayBatchSize,
	}
}

// Run replays one batch and returns how many webhooks matched a record
func (j *UnmatchedWebhookJob) Run(ctx context.Context) (int, error) {
	matched, err := j.replayer.ReplayUnmatched(ctx, j.maxAge, j.maxAttempts, j.batchSize)
	if err != nil {
		return 0, err
	}
	if matched > 0 {
		j.log.Info().Int("matched", matched).Msg("replayed unmatched webhooks")
	}
	return matched, nil
}
