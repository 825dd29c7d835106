package migrations

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type webhookEvent000003 struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Provider               string    `gorm:"type:varchar(20);not null;index"`
	ProviderVerificationID string    `gorm:"type:varchar(255);not null;index"`
	EventType              string    `gorm:"type:varchar(100)"`
	VendorStatus           string    `gorm:"type:varchar(100)"`
	Payload                datatypes.JSON
	SignatureValid         bool `gorm:"default:false"`
	Matched                bool `gorm:"default:false;index"`
	Attempts               int  `gorm:"default:0"`
	ProcessedAt            *time.Time
	ProcessingError        string    `gorm:"type:text"`
	CreatedAt              time.Time `gorm:"index"`
	UpdatedAt              time.Time
}

func (webhookEvent000003) TableName() string { return "webhook_events" }

func createWebhookEventsMigration() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_webhook_events",
		Migrate: func(tx *gorm.DB) error {
			return tx.Migrator().CreateTable(&webhookEvent000003{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("webhook_events")
		},
	}
}

func init() {
	migrationsList = append(migrationsList, createWebhookEventsMigration())
}
