package database

import (
	"log"

	"gorm.io/gorm"
)

// RunMigrations runs custom data migrations after schema changes
func RunMigrations(db *gorm.DB) error {
	if err := normalizeContextRows(db); err != nil {
		return err
	}
	if err := normalizeSeriesValues(db); err != nil {
		return err
	}
	if err := removeNonPositiveCards(db); err != nil {
		return err
	}
	return nil
}

// normalizeContextRows backfills defaults on rows written before the kind
// and version columns existed. Safe to run repeatedly.
func normalizeContextRows(db *gorm.DB) error {
	if db.Migrator().HasColumn("contexts", "kind") {
		result := db.Exec(`UPDATE contexts SET kind = 'collection' WHERE kind IS NULL OR kind = ''`)
		if result.Error != nil {
			log.Printf("Warning: failed to normalize context kinds: %v", result.Error)
		} else if result.RowsAffected > 0 {
			log.Printf("Normalized kind on %d context rows", result.RowsAffected)
		}
	}

	if db.Migrator().HasColumn("contexts", "version") {
		result := db.Exec(`UPDATE contexts SET version = 1 WHERE version IS NULL OR version < 1`)
		if result.Error != nil {
			log.Printf("Warning: failed to backfill context versions: %v", result.Error)
		}
	}

	return nil
}

// normalizeSeriesValues defaults empty series markers on history rows.
func normalizeSeriesValues(db *gorm.DB) error {
	for _, table := range []string{"price_points", "context_value_points"} {
		if !db.Migrator().HasTable(table) {
			continue
		}
		result := db.Exec(`UPDATE ` + table + ` SET series = 'live' WHERE series IS NULL OR series = ''`)
		if result.Error != nil {
			log.Printf("Warning: failed to normalize series on %s: %v", table, result.Error)
		}
	}
	return nil
}

// removeNonPositiveCards deletes card rows whose quantity dropped to zero or
// below. Removal happens at quantity zero; negative rows are legacy damage.
func removeNonPositiveCards(db *gorm.DB) error {
	if !db.Migrator().HasTable("tracked_cards") {
		return nil
	}

	result := db.Exec(`DELETE FROM tracked_cards WHERE quantity <= 0`)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("Removed %d tracked cards with non-positive quantity", result.RowsAffected)
	}
	return nil
}
