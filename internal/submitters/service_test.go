package submitters

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/vzoelfess/confessd/internal/cache"
	"github.com/vzoelfess/confessd/internal/ratelimit"
	"github.com/vzoelfess/confessd/internal/volatile"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:submitters_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected database error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Submitter{}, &ratelimit.DailyCounter{}); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	store, err := volatile.NewMemoryStore(volatile.MemoryStoreConfig{Clock: clock})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Cache:    cache.NewCoordinator(cache.CoordinatorConfig{Store: store}),
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service, db
}

func TestEnsureRegisteredCreatesOnFirstContact(t *testing.T) {
	now := time.Date(2026, 7, 18, 9, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	submitter, err := service.EnsureRegistered(ctx, 42, " anon ", "Anonymous")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if submitter.ID != 42 {
		t.Fatalf("expected id 42, got %d", submitter.ID)
	}
	if submitter.Username != "anon" {
		t.Fatalf("expected trimmed username, got %q", submitter.Username)
	}
	if submitter.JoinedAtSeconds != now.Unix() {
		t.Fatalf("unexpected join timestamp: %d", submitter.JoinedAtSeconds)
	}
}

func TestEnsureRegisteredRefreshesHandles(t *testing.T) {
	now := time.Date(2026, 7, 18, 9, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := service.EnsureRegistered(ctx, 42, "old", "Old Name"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	refreshed, err := service.EnsureRegistered(ctx, 42, "new", "New Name")
	if err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	if refreshed.Username != "new" || refreshed.DisplayName != "New Name" {
		t.Fatalf("handles should refresh, got %q %q", refreshed.Username, refreshed.DisplayName)
	}

	loaded, err := service.Get(ctx, 42)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if loaded.Username != "new" {
		t.Fatalf("refresh should persist, got %q", loaded.Username)
	}
}

func TestEraseTombstonesAndBlocksHandleRefresh(t *testing.T) {
	now := time.Date(2026, 7, 18, 9, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := service.EnsureRegistered(ctx, 42, "anon", "Anonymous"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := service.Erase(ctx, 42); err != nil {
		t.Fatalf("unexpected erase error: %v", err)
	}

	submitter, err := service.EnsureRegistered(ctx, 42, "anon-again", "Back")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if !submitter.IsErased {
		t.Fatalf("erased record should stay tombstoned")
	}
	if submitter.Username != "" || submitter.DisplayName != "" {
		t.Fatalf("erased handles must stay cleared, got %q %q",
			submitter.Username, submitter.DisplayName)
	}
}

func TestBanAndUnban(t *testing.T) {
	now := time.Date(2026, 7, 18, 9, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := service.EnsureRegistered(ctx, 42, "anon", ""); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	if err := service.Ban(ctx, 42, "spam"); err != nil {
		t.Fatalf("unexpected ban error: %v", err)
	}
	banned, err := service.Get(ctx, 42)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !banned.IsBanned || banned.BanReason != "spam" {
		t.Fatalf("expected banned with reason, got %+v", banned)
	}

	if err := service.Unban(ctx, 42); err != nil {
		t.Fatalf("unexpected unban error: %v", err)
	}
	lifted, err := service.Get(ctx, 42)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if lifted.IsBanned || lifted.BanReason != "" {
		t.Fatalf("expected ban lifted, got %+v", lifted)
	}
}

func TestBanMissingSubmitter(t *testing.T) {
	now := time.Date(2026, 7, 18, 9, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, func() time.Time { return now })

	if err := service.Ban(context.Background(), 9999, "spam"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatsIncludesTodayCount(t *testing.T) {
	now := time.Date(2026, 7, 18, 9, 0, 0, 0, time.UTC)
	service, db := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := service.EnsureRegistered(ctx, 42, "anon", ""); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	err := db.Model(&Submitter{}).Where("id = ?", int64(42)).
		Update("total_submissions", 7).Error
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	counter := ratelimit.DailyCounter{
		SubmitterID: 42,
		Day:         ratelimit.DayKey(now),
		Count:       2,
	}
	if err := db.Create(&counter).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	view, err := service.Stats(ctx, 42)
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if view.TotalSubmissions != 7 {
		t.Fatalf("expected total 7, got %d", view.TotalSubmissions)
	}
	if view.TodayCount != 2 {
		t.Fatalf("expected today count 2, got %d", view.TodayCount)
	}
}

func TestStatsCacheInvalidatedByBan(t *testing.T) {
	now := time.Date(2026, 7, 18, 9, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := service.EnsureRegistered(ctx, 42, "anon", ""); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	before, err := service.Stats(ctx, 42)
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if before.IsBanned {
		t.Fatalf("fresh submitter must not be banned")
	}

	if err := service.Ban(ctx, 42, "spam"); err != nil {
		t.Fatalf("unexpected ban error: %v", err)
	}

	// The ban invalidates the cached view, so the next read recomputes.
	after, err := service.Stats(ctx, 42)
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if !after.IsBanned || after.BanReason != "spam" {
		t.Fatalf("stats must reflect the ban immediately, got %+v", after)
	}
}

func TestStatsMissingSubmitter(t *testing.T) {
	now := time.Date(2026, 7, 18, 9, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, func() time.Time { return now })

	if _, err := service.Stats(context.Background(), 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
