package models

import (
	"time"

	"github.com/google/uuid"
)

// EligibilityStatus is the membership gate derived from identity verification
type EligibilityStatus string

const (
	EligibilityPending  EligibilityStatus = "pending"
	EligibilityEligible EligibilityStatus = "eligible"
	EligibilityFailed   EligibilityStatus = "failed"
)

// MembershipEligibility is owned by the membership/billing side. Only the
// membership sync writes it.
type MembershipEligibility struct {
	UserID         uuid.UUID         `gorm:"type:uuid;primaryKey" json:"user_id"`
	Status         EligibilityStatus `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	VerificationID *uuid.UUID        `gorm:"type:uuid" json:"verification_id,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
