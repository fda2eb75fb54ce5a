package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/vzoelfess/confessd/internal/cache"
	"github.com/vzoelfess/confessd/internal/database"
	"github.com/vzoelfess/confessd/internal/volatile"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	hashtagsCachePurpose = "hashtag_leaderboard"
	pendingCachePurpose  = "pending_queue"

	hashtagsCacheTTL = 10 * time.Minute
	pendingCacheTTL  = 2 * time.Minute

	defaultLeaderboardLimit = 20
)

// HashtagsCacheKey names the cached leaderboard for a given limit.
func HashtagsCacheKey(limit int) string {
	return volatile.CacheKey(hashtagsCachePurpose, fmt.Sprintf("%d", limit))
}

// PendingCacheKey names the cached pending-queue snapshot. Exported so the
// moderation engine can invalidate it on create and on every transition.
func PendingCacheKey() string {
	return volatile.CacheKey(pendingCachePurpose, "all")
}

// TrackerConfig describes the dependencies of the aggregate tracker.
type TrackerConfig struct {
	Database *gorm.DB
	Cache    *cache.Coordinator
	Clock    func() time.Time
	// Degraded reports whether the volatile tier is currently down; surfaced
	// in the system view so relaxed hourly enforcement is observable.
	Degraded func() bool
}

// Tracker maintains hashtag usage counters and cached aggregate snapshots.
type Tracker struct {
	db       *gorm.DB
	cache    *cache.Coordinator
	clock    func() time.Time
	degraded func() bool
}

// NewTracker constructs the aggregate stats tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("stats: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	coordinator := cfg.Cache
	if coordinator == nil {
		coordinator = cache.NewCoordinator(cache.CoordinatorConfig{})
	}
	degraded := cfg.Degraded
	if degraded == nil {
		degraded = func() bool { return false }
	}
	return &Tracker{db: cfg.Database, cache: coordinator, clock: clock, degraded: degraded}, nil
}

// RecordUsage additively bumps each tag's counter inside the caller's
// transaction, so the increments commit or roll back with the submission.
func (t *Tracker) RecordUsage(tx *gorm.DB, tags []string, at time.Time) error {
	seconds := at.UTC().Unix()
	for _, tag := range tags {
		stat := HashtagStat{
			Tag:                tag,
			UsageCount:         1,
			FirstUsedAtSeconds: seconds,
			LastUsedAtSeconds:  seconds,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tag"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"usage_count":    gorm.Expr("usage_count + 1"),
				"last_used_at_s": seconds,
			}),
		}).Create(&stat).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// InvalidateLeaderboard drops the cached leaderboard after new usage commits.
func (t *Tracker) InvalidateLeaderboard(ctx context.Context) {
	t.cache.Invalidate(ctx, HashtagsCacheKey(defaultLeaderboardLimit))
}

// TopHashtags returns the leaderboard sorted by count descending, ties broken
// by most recent use. Served from a short-TTL cache, recomputed on miss.
func (t *Tracker) TopHashtags(ctx context.Context, limit int) ([]TagCount, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}

	cacheKey := HashtagsCacheKey(limit)
	var cached []TagCount
	if t.cache.GetJSON(ctx, cacheKey, &cached) {
		return cached, nil
	}

	var rows []HashtagStat
	err := t.db.WithContext(ctx).
		Order("usage_count DESC, last_used_at_s DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}

	leaderboard := make([]TagCount, 0, len(rows))
	for _, row := range rows {
		leaderboard = append(leaderboard, TagCount{
			Tag:               row.Tag,
			Count:             row.UsageCount,
			LastUsedAtSeconds: row.LastUsedAtSeconds,
		})
	}
	t.cache.PutJSON(ctx, cacheKey, leaderboard, hashtagsCacheTTL)
	return leaderboard, nil
}

// PendingSnapshot returns the cached pending queue, oldest first. The TTL is
// short because moderators act on it.
func (t *Tracker) PendingSnapshot(ctx context.Context) ([]PendingItem, error) {
	cacheKey := PendingCacheKey()
	var cached []PendingItem
	if t.cache.GetJSON(ctx, cacheKey, &cached) {
		return cached, nil
	}

	var items []PendingItem
	err := t.db.WithContext(ctx).
		Table("submissions").
		Where("status = ?", "pending").
		Order("created_at_s ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}

	t.cache.PutJSON(ctx, cacheKey, items, pendingCacheTTL)
	return items, nil
}

// SystemStats computes the operator-facing aggregate view directly from the
// durable store.
func (t *Tracker) SystemStats(ctx context.Context) (SystemView, error) {
	view := SystemView{
		TierDegraded: t.degraded(),
		GeneratedAtS: t.clock().UTC().Unix(),
	}

	if err := t.db.WithContext(ctx).Table("submitters").Count(&view.Submitters).Error; err != nil {
		return SystemView{}, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}

	counts := []struct {
		Status string `gorm:"column:status"`
		Total  int64  `gorm:"column:total"`
	}{}
	err := t.db.WithContext(ctx).
		Table("submissions").
		Select("status, COUNT(*) AS total").
		Group("status").
		Find(&counts).Error
	if err != nil {
		return SystemView{}, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}
	for _, row := range counts {
		switch row.Status {
		case "pending":
			view.Pending = row.Total
		case "approved":
			view.Approved = row.Total
		case "rejected":
			view.Rejected = row.Total
		}
	}

	return view, nil
}
