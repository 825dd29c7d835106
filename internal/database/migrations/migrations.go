package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// migrationsList holds all migrations, registered in ID order from init
var migrationsList []*gormigrate.Migration

// RunMigrations runs all database migrations
func RunMigrations(db *gorm.DB, log zerolog.Logger) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, migrationsList)

	if err := m.Migrate(); err != nil {
		log.Error().Err(err).Msg("could not migrate")
		return err
	}
	log.Info().Int("migrations", len(migrationsList)).Msg("migrations ran successfully")
	return nil
}
