package database

import (
	"fmt"
	"testing"
	"time"
)

// settingRow mirrors the settings table owned by the settings package, which
// cannot be imported here without a cycle.
type settingRow struct {
	Key              string `gorm:"column:key;primaryKey;size:64;not null"`
	Value            string `gorm:"column:value;size:500;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (settingRow) TableName() string { return "settings" }

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected an error for an empty path")
	}
}

func TestOpenSQLiteSeedsMaintenanceSetting(t *testing.T) {
	dsn := fmt.Sprintf("file:database_test_%d?mode=memory&cache=shared", time.Now().UnixNano())

	db, err := OpenSQLite(dsn, nil, &settingRow{})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	var setting settingRow
	if err := db.Where("key = ?", "maintenance_mode").Take(&setting).Error; err != nil {
		t.Fatalf("maintenance setting should be seeded: %v", err)
	}
	if setting.Value != "off" {
		t.Fatalf("maintenance should seed to off, got %q", setting.Value)
	}

	var record migrationRecord
	err = db.Where("name = ?", migrationSeedMaintenanceSetting).Take(&record).Error
	if err != nil {
		t.Fatalf("migration should be recorded: %v", err)
	}
}

func TestOpenSQLiteMigrationsAreIdempotent(t *testing.T) {
	dsn := fmt.Sprintf("file:database_test_%d?mode=memory&cache=shared", time.Now().UnixNano())

	db, err := OpenSQLite(dsn, nil, &settingRow{})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	err = db.Model(&settingRow{}).Where("key = ?", "maintenance_mode").
		Update("value", "on").Error
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	// Reopening the same database must not reapply the seed.
	db, err = OpenSQLite(dsn, nil, &settingRow{})
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}

	var setting settingRow
	if err := db.Where("key = ?", "maintenance_mode").Take(&setting).Error; err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if setting.Value != "on" {
		t.Fatalf("reapplied migration clobbered operator state, got %q", setting.Value)
	}

	var applied int64
	err = db.Model(&migrationRecord{}).
		Where("name = ?", migrationSeedMaintenanceSetting).
		Count(&applied).Error
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if applied != 1 {
		t.Fatalf("migration should be recorded exactly once, got %d", applied)
	}
}
