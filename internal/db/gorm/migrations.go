package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: persisted session snapshots
		{
			ID: "001_session_snapshots",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SessionSnapshotRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("session_snapshots")
			},
		},
	})
	return m.Migrate()
}
