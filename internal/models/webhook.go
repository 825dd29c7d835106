package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookEvent stores every inbound vendor callback. Unmatched, unprocessed
// rows double as the dead-letter queue replayed by the sweep.
type WebhookEvent struct {
	ID                     uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Provider               Provider       `gorm:"type:varchar(20);not null;index" json:"provider"`
	ProviderVerificationID string         `gorm:"type:varchar(255);not null;index" json:"provider_verification_id"`
	EventType              string         `gorm:"type:varchar(100)" json:"event_type"`
	VendorStatus           string         `gorm:"type:varchar(100)" json:"vendor_status"`
	Payload                datatypes.JSON `json:"-"`
	SignatureValid         bool           `gorm:"default:false" json:"signature_valid"`
	Matched                bool           `gorm:"default:false;index" json:"matched"`
	Attempts               int            `gorm:"default:0" json:"attempts"`
	ProcessedAt            *time.Time     `json:"processed_at,omitempty"`
	ProcessingError        string         `gorm:"type:text" json:"processing_error,omitempty"`
	CreatedAt              time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// BeforeCreate assigns the event id
func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
