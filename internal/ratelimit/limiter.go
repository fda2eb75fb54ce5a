package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vzoelfess/confessd/internal/database"
	"github.com/vzoelfess/confessd/internal/volatile"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("ratelimit: database handle is required")
	errInvalidCaps     = errors.New("ratelimit: caps and window must be positive")
)

// DenyReason enumerates why an attempt was refused.
type DenyReason string

const (
	// DenyHourly means the sliding-window cap was reached.
	DenyHourly DenyReason = "hourly_limit"
	// DenyDaily means the durable daily cap was reached.
	DenyDaily DenyReason = "daily_limit"
	// DenyCooldown means the per-submitter cooldown is still active.
	DenyCooldown DenyReason = "cooldown"
)

// Verdict is the structured outcome of an evaluation. A denial is an expected
// outcome, not an error; it carries enough detail for the transport layer to
// render a helpful message.
type Verdict struct {
	Allowed bool          `json:"allowed"`
	Reason  DenyReason    `json:"reason,omitempty"`
	Count   int64         `json:"count,omitempty"`
	ResetIn time.Duration `json:"reset_in,omitempty"`
}

// Admit is the allowing verdict.
func Admit() Verdict {
	return Verdict{Allowed: true}
}

// Deny builds a refusing verdict.
func Deny(reason DenyReason, count int64, resetIn time.Duration) Verdict {
	return Verdict{Allowed: false, Reason: reason, Count: count, ResetIn: resetIn}
}

// LimiterConfig describes the dependencies and policy of the limiter.
type LimiterConfig struct {
	Database *gorm.DB
	// Store is the optional volatile tier. Nil disables the sliding window
	// entirely (daily cap and durable cooldown still apply).
	Store    volatile.Store
	Health   *volatile.Health
	Clock    func() time.Time
	Logger   *zap.Logger
	HourCap  int
	DayCap   int
	Window   time.Duration
	Cooldown time.Duration
}

// Limiter decides admit/deny for submission attempts. Evaluate is the
// decision; Record persists the durable side once the submission exists.
type Limiter struct {
	db       *gorm.DB
	store    volatile.Store
	health   *volatile.Health
	clock    func() time.Time
	logger   *zap.Logger
	hourCap  int
	dayCap   int
	window   time.Duration
	cooldown time.Duration
}

// NewLimiter constructs a Limiter.
func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.HourCap <= 0 || cfg.DayCap <= 0 || cfg.Window <= 0 {
		return nil, errInvalidCaps
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		db:       cfg.Database,
		store:    cfg.Store,
		health:   cfg.Health,
		clock:    clock,
		logger:   logger,
		hourCap:  cfg.HourCap,
		dayCap:   cfg.DayCap,
		window:   cfg.Window,
		cooldown: cfg.Cooldown,
	}, nil
}

// Evaluate decides whether an attempt may proceed. On an allowing verdict the
// volatile window already holds a reservation for this attempt; callers that
// abandon the attempt (downstream failure) must call Release. Denials release
// their own reservation. A durable store failure is the only error; volatile
// tier failures degrade to daily-cap plus durable-cooldown enforcement.
func (l *Limiter) Evaluate(ctx context.Context, submitterID int64) (Verdict, error) {
	reserved := false

	if l.store != nil {
		status, err := l.store.WindowReserve(ctx, submitterID, l.window, l.hourCap)
		if err != nil {
			// Hourly enforcement is relaxed while the tier is down. Accepted
			// availability trade-off; Health makes it visible to operators.
			l.health.ReportFailure("ratelimit.window", err)
		} else {
			l.health.ReportSuccess()
			if !status.Reserved {
				return Deny(DenyHourly, status.Count, status.ResetIn), nil
			}
			reserved = true
		}
	}

	counter, found, err := l.loadLatestCounter(ctx, submitterID)
	if err != nil {
		l.release(ctx, submitterID, reserved)
		return Verdict{}, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}

	now := l.clock().UTC()
	today := DayKey(now)
	var todayCount int64
	if found && counter.Day == today {
		todayCount = counter.Count
	}
	if todayCount >= int64(l.dayCap) {
		l.release(ctx, submitterID, reserved)
		return Deny(DenyDaily, todayCount, 0), nil
	}

	if remaining := l.cooldownRemaining(ctx, submitterID, counter, found, now); remaining > 0 {
		l.release(ctx, submitterID, reserved)
		return Deny(DenyCooldown, todayCount, remaining), nil
	}

	return Admit(), nil
}

// Record persists the durable side of an admitted attempt: the daily counter
// increment plus last submission time, and the volatile cooldown marker. It
// must only be called after the submission was durably created, so attempts
// that fail downstream are never counted.
func (l *Limiter) Record(ctx context.Context, submitterID int64) error {
	now := l.clock().UTC()
	counter := DailyCounter{
		SubmitterID:             submitterID,
		Day:                     DayKey(now),
		Count:                   1,
		LastSubmissionAtSeconds: now.Unix(),
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "submitter_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"count":                gorm.Expr("count + 1"),
			"last_submission_at_s": now.Unix(),
		}),
	}).Create(&counter).Error
	if err != nil {
		return fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}

	if l.store != nil && l.cooldown > 0 {
		if err := l.store.SetFlag(ctx, volatile.CooldownKey(submitterID), l.cooldown); err != nil {
			l.health.ReportFailure("ratelimit.cooldown", err)
		} else {
			l.health.ReportSuccess()
		}
	}
	return nil
}

// Release drops the window reservation taken by an allowing Evaluate. Safe to
// call when the tier is down; a missed release ages out with the window.
func (l *Limiter) Release(ctx context.Context, submitterID int64) {
	l.release(ctx, submitterID, l.store != nil)
}

// Degraded reports whether hourly enforcement is currently relaxed.
func (l *Limiter) Degraded() bool {
	return l.store == nil || l.health.Degraded()
}

func (l *Limiter) release(ctx context.Context, submitterID int64, reserved bool) {
	if !reserved || l.store == nil {
		return
	}
	if err := l.store.WindowRelease(ctx, submitterID); err != nil {
		l.health.ReportFailure("ratelimit.release", err)
	}
}

func (l *Limiter) loadLatestCounter(ctx context.Context, submitterID int64) (DailyCounter, bool, error) {
	var counter DailyCounter
	err := l.db.WithContext(ctx).
		Where("submitter_id = ?", submitterID).
		Order("day DESC").
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DailyCounter{}, false, nil
	}
	if err != nil {
		return DailyCounter{}, false, err
	}
	return counter, true, nil
}

// cooldownRemaining consults the volatile marker first and falls back to the
// durable last-submission timestamp when the tier is down or absent.
func (l *Limiter) cooldownRemaining(ctx context.Context, submitterID int64, counter DailyCounter, found bool, now time.Time) time.Duration {
	if l.cooldown <= 0 {
		return 0
	}

	if l.store != nil {
		ttl, err := l.store.FlagTTL(ctx, volatile.CooldownKey(submitterID))
		if err == nil {
			l.health.ReportSuccess()
			return ttl
		}
		l.health.ReportFailure("ratelimit.cooldown_check", err)
	}

	if !found || counter.LastSubmissionAtSeconds == 0 {
		return 0
	}
	elapsed := now.Sub(time.Unix(counter.LastSubmissionAtSeconds, 0).UTC())
	if elapsed >= l.cooldown {
		return 0
	}
	return l.cooldown - elapsed
}
