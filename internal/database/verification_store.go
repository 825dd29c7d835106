package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tenure/backend/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// VerificationStore persists verification records, their history and the
// inbound webhook log
type VerificationStore struct {
	db *gorm.DB
}

// NewVerificationStore creates a new store on top of db
func NewVerificationStore(db *gorm.DB) *VerificationStore {
	return &VerificationStore{db: db}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// FindCurrentByUser returns the user's most recently created record
func (s *VerificationStore) FindCurrentByUser(ctx context.Context, userID uuid.UUID) (*models.VerificationRecord, error) {
	var rec models.VerificationRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// FindByProviderRef looks a record up by the vendor's session/applicant id
func (s *VerificationStore) FindByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.VerificationRecord, error) {
	var rec models.VerificationRecord
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_verification_id = ?", provider, ref).
		First(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// Create inserts rec and, when given, its first history row in one transaction
func (s *VerificationStore) Create(ctx context.Context, rec *models.VerificationRecord, hist *models.VerificationHistory) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		if hist == nil {
			return nil
		}
		hist.VerificationID = rec.ID
		return tx.Create(hist).Error
	})
}

// Save updates rec in place and appends hist when the status changed
func (s *VerificationStore) Save(ctx context.Context, rec *models.VerificationRecord, hist *models.VerificationHistory) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		if hist == nil {
			return nil
		}
		hist.VerificationID = rec.ID
		return tx.Create(hist).Error
	})
}

// ListHistory returns the status changes of one record, oldest first
func (s *VerificationStore) ListHistory(ctx context.Context, verificationID uuid.UUID) ([]models.VerificationHistory, error) {
	var rows []models.VerificationHistory
	err := s.db.WithContext(ctx).
		Where("verification_id = ?", verificationID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// ListEligibilityDrift returns current records with a final outcome whose
// membership eligibility row is missing or disagrees with it
func (s *VerificationStore) ListEligibilityDrift(ctx context.Context, limit int) ([]models.VerificationRecord, error) {
	var recs []models.VerificationRecord
	verified, rejected := int(models.StatusVerified), int(models.StatusRejected)
	err := s.db.WithContext(ctx).
		Table("verification_records AS vr").
		Select("vr.*").
		Joins("LEFT JOIN membership_eligibilities me ON me.user_id = vr.user_id").
		Where("vr.canonical_status IN ?", []int{verified, rejected}).
		Where("vr.created_at = (SELECT MAX(v2.created_at) FROM verification_records v2 WHERE v2.user_id = vr.user_id)").
		Where("(me.user_id IS NULL OR (vr.canonical_status = ? AND me.status <> ?) OR (vr.canonical_status = ? AND me.status <> ?))",
			verified, string(models.EligibilityEligible), rejected, string(models.EligibilityFailed)).
		Order("vr.updated_at ASC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// CreateEvent stores an inbound webhook
func (s *VerificationStore) CreateEvent(ctx context.Context, ev *models.WebhookEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

// SaveEvent persists processing state of a stored webhook
func (s *VerificationStore) SaveEvent(ctx context.Context, ev *models.WebhookEvent) error {
	return s.db.WithContext(ctx).Save(ev).Error
}

// ListUnmatched returns provider's webhooks that were not yet applied and are
// still eligible for replay
func (s *VerificationStore) ListUnmatched(ctx context.Context, provider models.Provider, since time.Time, maxAttempts, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("provider = ?", provider).
		Where("matched = ? AND processed_at IS NULL", false).
		Where("created_at >= ? AND attempts < ?", since, maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
