package jobs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/logger"
	"github.com/tenure/backend/internal/models"
	"github.com/tenure/backend/internal/services/kyc"
)

// DriftSource lists records whose eligibility row is missing or stale
type DriftSource interface {
	ListEligibilityDrift(ctx context.Context, limit int) ([]models.VerificationRecord, error)
}

// EligibilityDriftJob re-runs membership sync for records whose eligibility
// write was lost
type EligibilityDriftJob struct {
	records    DriftSource
	membership kyc.MembershipSync
	log        zerolog.Logger
	batchSize  int
}

// NewEligibilityDriftJob creates a new drift sweep
func NewEligibilityDriftJob(records DriftSource, membership kyc.MembershipSync, log *zerolog.Logger) *EligibilityDriftJob {
	return &EligibilityDriftJob{
		records:    records,
		membership: membership,
		log:        logger.Component(log, "jobs.eligibility_drift"),
		batchSize:  200,
	}
}

// Run repairs one batch and returns how many rows were fixed
func (j *EligibilityDriftJob) Run(ctx context.Context) (int, error) {
	recs, err := j.records.ListEligibilityDrift(ctx, j.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list eligibility drift: %w", err)
	}

	repaired := 0
	for _, rec := range recs {
		var err error
		switch rec.CanonicalStatus {
		case models.StatusVerified:
			err = j.membership.MarkEligible(ctx, rec.UserID, rec.ID)
		case models.StatusRejected:
			err = j.membership.MarkFailed(ctx, rec.UserID, rec.ID)
		default:
			continue
		}
		if err != nil {
			j.log.Error().Err(err).
				Str("user_id", rec.UserID.String()).
				Str("verification_id", rec.ID.String()).
				Msg("failed to repair membership eligibility")
			continue
		}
		repaired++
	}

	if len(recs) > 0 {
		j.log.Info().Int("found", len(recs)).Int("repaired", repaired).Msg("eligibility drift sweep finished")
	}
	return repaired, nil
}
