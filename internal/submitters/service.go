package submitters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vzoelfess/confessd/internal/cache"
	"github.com/vzoelfess/confessd/internal/database"
	"github.com/vzoelfess/confessd/internal/ratelimit"
	"github.com/vzoelfess/confessd/internal/volatile"
	"gorm.io/gorm"
)

// ErrNotFound indicates the referenced submitter does not exist.
var ErrNotFound = errors.New("submitters: not found")

const (
	statsCachePurpose = "submitter_stats"
	statsCacheTTL     = 5 * time.Minute
)

// StatsCacheKey names the cached stats view for a submitter. Exported so the
// moderation engine can invalidate it after a state transition.
func StatsCacheKey(submitterID int64) string {
	return volatile.CacheKey(statsCachePurpose, strconv.FormatInt(submitterID, 10))
}

// ServiceConfig describes the dependencies of the submitter registry.
type ServiceConfig struct {
	Database *gorm.DB
	Cache    *cache.Coordinator
	Clock    func() time.Time
}

// Service manages submitter records: registration on first contact, bans and
// data-erasure tombstones, and the cached stats view.
type Service struct {
	db    *gorm.DB
	cache *cache.Coordinator
	clock func() time.Time
}

// NewService constructs the submitter registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("submitters: database connection required")
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

// EnsureRegistered creates the submitter on first contact and refreshes
// handles on later ones. Tombstoned submitters keep their cleared handles.
func (s *Service) EnsureRegistered(ctx context.Context, submitterID int64, username, displayName string) (Submitter, error) {
	var submitter Submitter
	err := s.db.WithContext(ctx).Where("id = ?", submitterID).First(&submitter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		submitter = Submitter{
			ID:              submitterID,
			Username:        normalize(username),
			DisplayName:     normalize(displayName),
			JoinedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := s.db.WithContext(ctx).Create(&submitter).Error; err != nil {
			return Submitter{}, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
		}
		return submitter, nil
	}
	if err != nil {
		return Submitter{}, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}

	if submitter.IsErased {
		return submitter, nil
	}

	updates := map[string]interface{}{}
	if handle := normalize(username); handle != "" && handle != submitter.Username {
		updates["username"] = handle
		submitter.Username = handle
	}
	if display := normalize(displayName); display != "" && display != submitter.DisplayName {
		updates["display_name"] = display
		submitter.DisplayName = display
	}
	if len(updates) > 0 {
		_ = s.db.WithContext(ctx).Model(&Submitter{}).
			Where("id = ?", submitterID).
			Updates(updates).Error
	}
	return submitter, nil
}

// Get loads a submitter record.
func (s *Service) Get(ctx context.Context, submitterID int64) (Submitter, error) {
	var submitter Submitter
	err := s.db.WithContext(ctx).Where("id = ?", submitterID).First(&submitter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Submitter{}, ErrNotFound
	}
	if err != nil {
		return Submitter{}, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}
	return submitter, nil
}

// Ban marks a submitter banned with a reason.
func (s *Service) Ban(ctx context.Context, submitterID int64, reason string) error {
	result := s.db.WithContext(ctx).Model(&Submitter{}).
		Where("id = ?", submitterID).
		Updates(map[string]interface{}{"is_banned": true, "ban_reason": normalize(reason)})
	if result.Error != nil {
		return fmt.Errorf("%w: %v", database.ErrUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	s.cache.Invalidate(ctx, StatsCacheKey(submitterID))
	return nil
}

// Unban lifts a ban.
func (s *Service) Unban(ctx context.Context, submitterID int64) error {
	result := s.db.WithContext(ctx).Model(&Submitter{}).
		Where("id = ?", submitterID).
		Updates(map[string]interface{}{"is_banned": false, "ban_reason": ""})
	if result.Error != nil {
		return fmt.Errorf("%w: %v", database.ErrUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	s.cache.Invalidate(ctx, StatsCacheKey(submitterID))
	return nil
}

// Erase handles a data-erasure request: handles are cleared and the record is
// tombstoned while the anonymized counters stay in place.
func (s *Service) Erase(ctx context.Context, submitterID int64) error {
	result := s.db.WithContext(ctx).Model(&Submitter{}).
		Where("id = ?", submitterID).
		Updates(map[string]interface{}{
			"username":     "",
			"display_name": "",
			"is_erased":    true,
		})
	if result.Error != nil {
		return fmt.Errorf("%w: %v", database.ErrUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	s.cache.Invalidate(ctx, StatsCacheKey(submitterID))
	return nil
}

// Stats returns the cached per-submitter snapshot, recomputing it from the
// durable store on miss.
func (s *Service) Stats(ctx context.Context, submitterID int64) (StatsView, error) {
	cacheKey := StatsCacheKey(submitterID)
	var view StatsView
	if s.cache.GetJSON(ctx, cacheKey, &view) {
		return view, nil
	}

	submitter, err := s.Get(ctx, submitterID)
	if err != nil {
		return StatsView{}, err
	}

	var counter ratelimit.DailyCounter
	today := ratelimit.DayKey(s.clock().UTC())
	err = s.db.WithContext(ctx).
		Where("submitter_id = ? AND day = ?", submitterID, today).
		Take(&counter).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return StatsView{}, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}

	view = StatsView{
		SubmitterID:         submitter.ID,
		TotalSubmissions:    submitter.TotalSubmissions,
		ApprovedSubmissions: submitter.ApprovedSubmissions,
		RejectedSubmissions: submitter.RejectedSubmissions,
		TodayCount:          counter.Count,
		IsBanned:            submitter.IsBanned,
		BanReason:           submitter.BanReason,
		JoinedAtSeconds:     submitter.JoinedAtSeconds,
	}
	s.cache.PutJSON(ctx, cacheKey, view, statsCacheTTL)
	return view, nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
