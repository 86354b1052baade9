package database

import (
	"errors"
	"time"

	"github.com/fieldsync/fieldsync/internal/resolver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairLedgerExpiry = "2026-07-18_repair_ledger_expiry"

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
		{name: migrationRepairLedgerExpiry, apply: repairLedgerExpiry},
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

// Ledger rows written before expiry tracking existed carry a zero
// expires_at_s and would never be purged.
func repairLedgerExpiry(db *gorm.DB) error {
	return db.Model(&resolver.LedgerEntry{}).
		Where("expires_at_s = 0").
		Update("expires_at_s", gorm.Expr("processed_at_s + ?", int64(24*time.Hour/time.Second))).Error
}
