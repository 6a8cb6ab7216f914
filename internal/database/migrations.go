package database

import (
	"errors"
	"time"

	"github.com/stagecrew/tablesync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropEmptyGroupKeys = "2025-07-02_drop_empty_group_keys"

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
		{name: migrationDropEmptyGroupKeys, apply: dropEmptyGroupKeys},
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

// dropEmptyGroupKeys removes rows written by early clients that allowed
// saving before a day was assigned a key. Such rows never render and break
// the per-document key uniqueness the reconciler relies on.
func dropEmptyGroupKeys(db *gorm.DB) error {
	return db.Where("group_key = ''").Delete(&store.EntryRecord{}).Error
}
