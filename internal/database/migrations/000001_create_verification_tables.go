package migrations

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Table shapes are frozen here so later model changes need their own migration

type verificationRecord000001 struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID                 uuid.UUID `gorm:"type:uuid;not null;index"`
	Provider               string    `gorm:"type:varchar(20);not null;uniqueIndex:ux_verification_provider_ref,priority:1"`
	ProviderVerificationID string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_verification_provider_ref,priority:2"`
	CanonicalStatus        int       `gorm:"type:smallint;not null;default:1;index"`
	RiskScore              *int
	DocumentType           *string `gorm:"type:varchar(100)"`
	RawVerificationData    datatypes.JSON
	VerifiedAt             *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (verificationRecord000001) TableName() string { return "verification_records" }

type verificationHistory000001 struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	VerificationID uuid.UUID `gorm:"type:uuid;not null;index"`
	PreviousStatus int       `gorm:"type:smallint;not null"`
	NewStatus      int       `gorm:"type:smallint;not null"`
	Source         string    `gorm:"type:varchar(20);not null"`
	VendorStatus   string    `gorm:"type:varchar(100)"`
	CreatedAt      time.Time
}

func (verificationHistory000001) TableName() string { return "verification_histories" }

func createVerificationTablesMigration() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_verification_tables",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.Migrator().CreateTable(&verificationRecord000001{}); err != nil {
				return err
			}
			return tx.Migrator().CreateTable(&verificationHistory000001{})
		},
		Rollback: func(tx *gorm.DB) error {
			if err := tx.Migrator().DropTable("verification_histories"); err != nil {
				return err
			}
			return tx.Migrator().DropTable("verification_records")
		},
	}
}

func init() {
	migrationsList = append(migrationsList, createVerificationTablesMigration())
}
