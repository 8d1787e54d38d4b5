package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationEnableWALJournal   = "2026-09-15_enable_wal_journal"
	migrationDropOrphanedFlags  = "2026-10-02_drop_blank_upsert_flags"
	upsertSupportKeyLikePattern = "gravity.sync.upsert_support:%"
)

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
		{name: migrationEnableWALJournal, apply: enableWALJournal},
		{name: migrationDropOrphanedFlags, apply: dropBlankUpsertFlags},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// WAL keeps queue writes durable without blocking concurrent readers.
func enableWALJournal(db *gorm.DB) error {
	return db.Exec("PRAGMA journal_mode=WAL;").Error
}

// Upsert-support flags are only ever written as "unsupported"; a blank value
// would otherwise force the upsert tier to be re-probed on every session.
func dropBlankUpsertFlags(db *gorm.DB) error {
	return db.Exec("DELETE FROM local_kv WHERE key LIKE ? AND trim(value) = ''", upsertSupportKeyLikePattern).Error
}
