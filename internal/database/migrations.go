package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationUniqueTombstones = "2024-11-04_unique_tombstone_per_deleter"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationUniqueTombstones, apply: uniqueTombstones},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// uniqueTombstones limits each member to one tombstone per target. Duplicates left by
// concurrent deletes are collapsed onto the earliest one before the index is built.
func uniqueTombstones(db *gorm.DB) error {
	statements := []string{
		`DELETE FROM message_events
			WHERE kind = 'delete_record' AND EXISTS (
				SELECT 1 FROM message_events AS earlier
				WHERE earlier.kind = 'delete_record'
					AND earlier.conversation_id = message_events.conversation_id
					AND earlier.author_id = message_events.author_id
					AND earlier.target_event_id = message_events.target_event_id
					AND (earlier.created_at_ms < message_events.created_at_ms
						OR (earlier.created_at_ms = message_events.created_at_ms AND earlier.event_id < message_events.event_id)))`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_message_events_tombstone_once
			ON message_events (conversation_id, author_id, target_event_id)
			WHERE kind = 'delete_record'`,
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
