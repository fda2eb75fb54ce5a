package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vzoelfess/confessd/internal/cache"
	"github.com/vzoelfess/confessd/internal/database"
	"github.com/vzoelfess/confessd/internal/volatile"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maintenanceKey = "maintenance_mode"

	settingsCachePurpose = "settings"
	settingsCacheTTL     = 30 * time.Second
)

// Setting is one durable key/value pair of operator-controlled state.
type Setting struct {
	Key              string `gorm:"column:key;primaryKey;size:64;not null"`
	Value            string `gorm:"column:value;size:500;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "settings"
}

// ServiceConfig describes the dependencies of the settings service.
type ServiceConfig struct {
	Database *gorm.DB
	Cache    *cache.Coordinator
	Clock    func() time.Time
}

// Service stores operator settings with a short read cache, most importantly
// the maintenance-mode toggle consulted before every admission.
type Service struct {
	db    *gorm.DB
	cache *cache.Coordinator
	clock func() time.Time
}

// NewService constructs the settings service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("settings: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	coordinator := cfg.Cache
	if coordinator == nil {
		coordinator = cache.NewCoordinator(cache.CoordinatorConfig{})
	}
	return &Service{db: cfg.Database, cache: coordinator, clock: clock}, nil
}

// Get loads a setting value, reporting whether it exists.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	cacheKey := volatile.CacheKey(settingsCachePurpose, key)
	var cached string
	if s.cache.GetJSON(ctx, cacheKey, &cached) {
		return cached, true, nil
	}

	var setting Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}

	s.cache.PutJSON(ctx, cacheKey, setting.Value, settingsCacheTTL)
	return setting.Value, true, nil
}

// Set upserts a setting and invalidates its cached copy.
func (s *Service) Set(ctx context.Context, key, value string) error {
	setting := Setting{
		Key:              key,
		Value:            value,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":        value,
			"updated_at_s": setting.UpdatedAtSeconds,
		}),
	}).Create(&setting).Error
	if err != nil {
		return fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}
	s.cache.Invalidate(ctx, volatile.CacheKey(settingsCachePurpose, key))
	return nil
}

// MaintenanceEnabled reports whether submissions are paused.
func (s *Service) MaintenanceEnabled(ctx context.Context) (bool, error) {
	value, found, err := s.Get(ctx, maintenanceKey)
	if err != nil {
		return false, err
	}
	return found && value == "on", nil
}

// SetMaintenance toggles the maintenance switch.
func (s *Service) SetMaintenance(ctx context.Context, enabled bool) error {
	value := "off"
	if enabled {
		value = "on"
	}
	return s.Set(ctx, maintenanceKey, value)
}
