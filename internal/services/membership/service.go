package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/logger"
	"github.com/tenure/backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EligibilityChannel is the pub/sub channel the billing engine listens on
const EligibilityChannel = "membership.eligibility"

// EligibilityEvent is published whenever a user's eligibility changes
type EligibilityEvent struct {
	UserID         uuid.UUID                `json:"user_id"`
	VerificationID uuid.UUID                `json:"verification_id"`
	Status         models.EligibilityStatus `json:"status"`
	OccurredAt     time.Time                `json:"occurred_at"`
}

// Service owns writes to membership eligibility
type Service struct {
	db        *gorm.DB
	publisher Publisher
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates a new membership service. publisher may be nil.
func NewService(db *gorm.DB, publisher Publisher, log *zerolog.Logger) *Service {
	return &Service{
		db:        db,
		publisher: publisher,
		log:       logger.Component(log, "membership"),
		now:       time.Now,
	}
}

// MarkEligible records that the user passed identity verification
func (s *Service) MarkEligible(ctx context.Context, userID, verificationID uuid.UUID) error {
	return s.set(ctx, userID, verificationID, models.EligibilityEligible)
}

// MarkFailed records that the user's identity verification was rejected
func (s *Service) MarkFailed(ctx context.Context, userID, verificationID uuid.UUID) error {
	return s.set(ctx, userID, verificationID, models.EligibilityFailed)
}

// Get returns the user's eligibility row
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*models.MembershipEligibility, error) {
	var row models.MembershipEligibility
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// set upserts the eligibility row and publishes an event when it changed.
// Repeating the same call is a no-op.
func (s *Service) set(ctx context.Context, userID, verificationID uuid.UUID, status models.EligibilityStatus) error {
	changed := false
	now := s.now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.MembershipEligibility
		err := tx.Where("user_id = ?", userID).First(&existing).Error
		switch {
		case err == nil:
			changed = existing.Status != status || existing.VerificationID == nil || *existing.VerificationID != verificationID
		case errors.Is(err, gorm.ErrRecordNotFound):
			changed = true
		default:
			return err
		}
		if !changed {
			return nil
		}

		row := models.MembershipEligibility{
			UserID:         userID,
			Status:         status,
			VerificationID: &verificationID,
			UpdatedAt:      now,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "verification_id", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update membership eligibility: %w", err)
	}
	if !changed {
		return nil
	}

	s.log.Info().
		Str("user_id", userID.String()).
		Str("verification_id", verificationID.String()).
		Str("status", string(status)).
		Msg("membership eligibility updated")

	s.publish(ctx, EligibilityEvent{
		UserID:         userID,
		VerificationID: verificationID,
		Status:         status,
		OccurredAt:     now,
	})
	return nil
}

func (s *Service) publish(ctx context.Context, event EligibilityEvent) {
	if s.publisher == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal eligibility event")
		return
	}
	if err := s.publisher.Publish(ctx, EligibilityChannel, payload); err != nil {
		s.log.Error().Err(err).
			Str("user_id", event.UserID.String()).
			Str("verification_id", event.VerificationID.String()).
			Msg("failed to publish eligibility event")
	}
}
