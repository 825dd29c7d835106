package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Provider tags the identity-verification vendor that owns a record
type Provider string

const (
	ProviderPlaid  Provider = "plaid"
	ProviderSumsub Provider = "sumsub"
)

// Valid reports whether p is a supported vendor tag.
func (p Provider) Valid() bool {
	return p == ProviderPlaid || p == ProviderSumsub
}

// VerificationStatus is the canonical verification state, independent of any
// vendor vocabulary. The integer codes are identifiers, not a ranking.
type VerificationStatus int

const (
	StatusPending  VerificationStatus = 1
	StatusInReview VerificationStatus = 2
	StatusVerified VerificationStatus = 3
	StatusRejected VerificationStatus = 4
	StatusExpired  VerificationStatus = 5
)

var statusNames = map[VerificationStatus]string{
	StatusPending:  "pending",
	StatusInReview: "in_review",
	StatusVerified: "verified",
	StatusRejected: "rejected",
	StatusExpired:  "expired",
}

func (s VerificationStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the status by name in JSON responses.
func (s VerificationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the vendor has reached a final outcome.
func (s VerificationStatus) Terminal() bool {
	return s == StatusVerified || s == StatusRejected || s == StatusExpired
}

// VerificationRecord is the current identity-verification state of one user
type VerificationRecord struct {
	ID                     uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	UserID                 uuid.UUID          `gorm:"type:uuid;not null;index" json:"user_id"`
	Provider               Provider           `gorm:"type:varchar(20);not null;uniqueIndex:ux_verification_provider_ref,priority:1" json:"provider"`
	ProviderVerificationID string             `gorm:"type:varchar(255);not null;uniqueIndex:ux_verification_provider_ref,priority:2" json:"provider_verification_id"`
	CanonicalStatus        VerificationStatus `gorm:"type:smallint;not null;default:1;index" json:"status"`
	RiskScore              *int               `json:"risk_score,omitempty"`
	DocumentType           *string            `gorm:"type:varchar(100)" json:"document_type,omitempty"`
	RawVerificationData    datatypes.JSON     `json:"-"`
	VerifiedAt             *time.Time         `json:"verified_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// BeforeCreate assigns the record id
func (r *VerificationRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// HistorySource names the path that changed a record
type HistorySource string

const (
	SourceInitiate HistorySource = "initiate"
	SourcePull     HistorySource = "pull"
	SourceWebhook  HistorySource = "webhook"
	SourceSweep    HistorySource = "sweep"
)

// VerificationHistory tracks status changes of a VerificationRecord
type VerificationHistory struct {
	ID             uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	VerificationID uuid.UUID          `gorm:"type:uuid;not null;index" json:"verification_id"`
	PreviousStatus VerificationStatus `gorm:"type:smallint;not null" json:"previous_status"`
	NewStatus      VerificationStatus `gorm:"type:smallint;not null" json:"new_status"`
	Source         HistorySource      `gorm:"type:varchar(20);not null" json:"source"`
	VendorStatus   string             `gorm:"type:varchar(100)" json:"vendor_status,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// BeforeCreate assigns the history id
func (h *VerificationHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}
