// Package migrations provides database migration management for scribarr.
package migrations

import (
	"github.com/scribarr/scribarr/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
// - 001: Schema creation using GORM AutoMigrate
// - 002: Seed the default user
// - 003: Fold legacy uppercase stage labels to lowercase
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002DefaultUser(),
		migration003LowercaseStages(),
	}
}

// migration001Schema creates all database tables using GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create all database tables",
		Up: func(tx *gorm.DB) error {
			// AutoMigrate all models in dependency order
			return tx.AutoMigrate(
				&models.User{},
				&models.Item{},
				&models.Subscription{},
				&models.Playlist{},
				&models.PlaylistItem{},
			)
		},
		Down: func(tx *gorm.DB) error {
			// Drop tables in reverse dependency order
			tables := []string{
				"playlist_items",
				"playlists",
				"subscriptions",
				"items",
				"users",
			}
			for _, table := range tables {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// migration002DefaultUser seeds the default user so single-user
// deployments work without any account setup.
func migration002DefaultUser() Migration {
	return Migration{
		Version:     "002",
		Description: "Seed the default user",
		Up: func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&models.User{}).Where("username = ?", "default").Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			return tx.Create(&models.User{
				Username:        "default",
				SummaryLanguage: models.DefaultSummaryLanguage,
			}).Error
		},
		Down: func(tx *gorm.DB) error {
			return tx.Where("username = ?", "default").Delete(&models.User{}).Error
		},
	}
}

// migration003LowercaseStages rewrites item stage labels written by
// earlier releases, which stored them uppercase, to the canonical
// lowercase form so stage comparisons stay exact.
func migration003LowercaseStages() Migration {
	return Migration{
		Version:     "003",
		Description: "Fold legacy uppercase stage labels to lowercase",
		Up: func(tx *gorm.DB) error {
			if !tx.Migrator().HasTable("items") {
				return nil
			}
			return tx.Exec("UPDATE items SET stage = LOWER(stage) WHERE stage != LOWER(stage)").Error
		},
		Down: func(tx *gorm.DB) error {
			// Lowercase labels are understood by all releases that used
			// this schema, so there is nothing to undo.
			return nil
		},
	}
}
