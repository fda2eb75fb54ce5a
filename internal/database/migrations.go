package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationSeedMaintenanceSetting = "2026-07-18_seed_maintenance_setting"

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
		{name: migrationSeedMaintenanceSetting, apply: seedMaintenanceSetting},
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

func seedMaintenanceSetting(db *gorm.DB) error {
	if !db.Migrator().HasTable("settings") {
		return nil
	}
	return db.Exec(
		"INSERT INTO settings (key, value, updated_at_s) SELECT 'maintenance_mode', 'off', ? " +
			"WHERE NOT EXISTS (SELECT 1 FROM settings WHERE key = 'maintenance_mode');",
		time.Now().UTC().Unix(),
	).Error
}
