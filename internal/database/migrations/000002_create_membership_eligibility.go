package migrations

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type membershipEligibility000002 struct {
	UserID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Status         string     `gorm:"type:varchar(20);not null;default:'pending'"`
	VerificationID *uuid.UUID `gorm:"type:uuid"`
	UpdatedAt      time.Time
}

func (membershipEligibility000002) TableName() string { return "membership_eligibilities" }

func createMembershipEligibilityMigration() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_membership_eligibility",
		Migrate: func(tx *gorm.DB) error {
			return tx.Migrator().CreateTable(&membershipEligibility000002{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("membership_eligibilities")
		},
	}
}

func init() {
	migrationsList = append(migrationsList, createMembershipEligibilityMigration())
}
