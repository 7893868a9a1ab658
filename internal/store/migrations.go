package store

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: catalog tables
		{
			ID: "001_catalog",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Category{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&Item{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("item_categories", "items", "categories")
			},
		},

		// Migration 002: relevance scores
		{
			ID: "002_relevance_scores",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&RelevanceScore{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("relevance_scores")
			},
		},

		// Migration 003: interaction tracking tables
		{
			ID: "003_interactions",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&ItemView{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&ItemPurchase{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ItemReview{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("item_views", "item_purchases", "item_reviews")
			},
		},
	})

	return m.Migrate()
}
