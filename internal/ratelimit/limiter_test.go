package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/vzoelfess/confessd/internal/volatile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 7, 18, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

var errTierDown = errors.New("volatile tier unreachable")

// downStore fails every operation, simulating a volatile tier outage.
type downStore struct{}

func (downStore) WindowReserve(context.Context, int64, time.Duration, int) (volatile.WindowStatus, error) {
	return volatile.WindowStatus{}, errTierDown
}
func (downStore) WindowRelease(context.Context, int64) error { return errTierDown }
func (downStore) SetFlag(context.Context, string, time.Duration) error {
	return errTierDown
}
func (downStore) FlagTTL(context.Context, string) (time.Duration, error) {
	return 0, errTierDown
}
func (downStore) GetJSON(context.Context, string, any) (bool, error) { return false, errTierDown }
func (downStore) PutJSON(context.Context, string, any, time.Duration) error {
	return errTierDown
}
func (downStore) Delete(context.Context, string) error { return errTierDown }

func openLimiterDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ratelimit_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected database error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&DailyCounter{}); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}
	return db
}

func newTestLimiter(t *testing.T, clock *fakeClock, store volatile.Store, cfg LimiterConfig) *Limiter {
	t.Helper()
	cfg.Database = openLimiterDB(t)
	cfg.Store = store
	cfg.Health = volatile.NewHealth(zap.NewNop())
	cfg.Clock = clock.Now
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	limiter, err := NewLimiter(cfg)
	if err != nil {
		t.Fatalf("unexpected limiter error: %v", err)
	}
	return limiter
}

func admitAndRecord(t *testing.T, limiter *Limiter, submitterID int64) {
	t.Helper()
	ctx := context.Background()
	verdict, err := limiter.Evaluate(ctx, submitterID)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("expected admission, got denial %q", verdict.Reason)
	}
	if err := limiter.Record(ctx, submitterID); err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
}

func TestEvaluateDeniesSixthAttemptInWindow(t *testing.T) {
	clock := newFakeClock()
	store, err := volatile.NewMemoryStore(volatile.MemoryStoreConfig{Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	limiter := newTestLimiter(t, clock, store, LimiterConfig{HourCap: 5, DayCap: 100})

	for attempt := 0; attempt < 5; attempt++ {
		admitAndRecord(t, limiter, 42)
		clock.Advance(time.Minute)
	}

	verdict, err := limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("sixth attempt within the window should be denied")
	}
	if verdict.Reason != DenyHourly {
		t.Fatalf("expected %q, got %q", DenyHourly, verdict.Reason)
	}
	if verdict.Count != 5 {
		t.Fatalf("expected count 5, got %d", verdict.Count)
	}
	if verdict.ResetIn <= 0 {
		t.Fatalf("hourly denial should carry a reset duration, got %v", verdict.ResetIn)
	}

	clock.Advance(time.Hour)

	verdict, err = limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("attempt after the window slid past should be admitted, got %q", verdict.Reason)
	}
}

func TestEvaluateDailyCapIndependentOfWindow(t *testing.T) {
	clock := newFakeClock()
	store, err := volatile.NewMemoryStore(volatile.MemoryStoreConfig{Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	limiter := newTestLimiter(t, clock, store, LimiterConfig{HourCap: 100, DayCap: 3})

	for attempt := 0; attempt < 3; attempt++ {
		admitAndRecord(t, limiter, 42)
		clock.Advance(2 * time.Hour)
	}

	verdict, err := limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("fourth attempt of the day should be denied")
	}
	if verdict.Reason != DenyDaily {
		t.Fatalf("expected %q, got %q", DenyDaily, verdict.Reason)
	}
	if verdict.Count != 3 {
		t.Fatalf("expected count 3, got %d", verdict.Count)
	}

	// The day boundary is the UTC calendar date, not a rolling 24 hours.
	clock.Set(time.Date(2026, 7, 19, 0, 1, 0, 0, time.UTC))

	verdict, err = limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("attempt on a new UTC day should be admitted, got %q", verdict.Reason)
	}
}

func TestEvaluateCooldownBetweenSubmissions(t *testing.T) {
	clock := newFakeClock()
	store, err := volatile.NewMemoryStore(volatile.MemoryStoreConfig{Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	limiter := newTestLimiter(t, clock, store, LimiterConfig{
		HourCap:  100,
		DayCap:   100,
		Cooldown: 10 * time.Minute,
	})

	admitAndRecord(t, limiter, 42)
	clock.Advance(time.Minute)

	verdict, err := limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("attempt one minute after a submission should be in cooldown")
	}
	if verdict.Reason != DenyCooldown {
		t.Fatalf("expected %q, got %q", DenyCooldown, verdict.Reason)
	}
	if verdict.ResetIn != 9*time.Minute {
		t.Fatalf("expected 9m remaining, got %v", verdict.ResetIn)
	}

	clock.Advance(9 * time.Minute)

	verdict, err = limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("attempt after the cooldown elapsed should be admitted, got %q", verdict.Reason)
	}
}

func TestEvaluateIsolatesSubmitters(t *testing.T) {
	clock := newFakeClock()
	store, err := volatile.NewMemoryStore(volatile.MemoryStoreConfig{Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	limiter := newTestLimiter(t, clock, store, LimiterConfig{HourCap: 1, DayCap: 1})

	admitAndRecord(t, limiter, 1)

	verdict, err := limiter.Evaluate(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("a different submitter must not inherit another's limits, got %q", verdict.Reason)
	}
}

func TestEvaluateDegradedTierKeepsDailyCapAndCooldown(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, downStore{}, LimiterConfig{
		HourCap:  2,
		DayCap:   3,
		Cooldown: 10 * time.Minute,
	})

	// Hourly enforcement is relaxed while the tier is down, so far more than
	// HourCap attempts are admitted as long as daily cap and cooldown allow.
	for attempt := 0; attempt < 3; attempt++ {
		admitAndRecord(t, limiter, 42)
		clock.Advance(11 * time.Minute)
	}

	if !limiter.Degraded() {
		t.Fatalf("limiter should report degraded while the tier fails")
	}

	verdict, err := limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("daily cap must hold while degraded")
	}
	if verdict.Reason != DenyDaily {
		t.Fatalf("expected %q, got %q", DenyDaily, verdict.Reason)
	}
}

func TestEvaluateDegradedCooldownFallsBackToDurableTimestamp(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, downStore{}, LimiterConfig{
		HourCap:  100,
		DayCap:   100,
		Cooldown: 10 * time.Minute,
	})

	admitAndRecord(t, limiter, 42)
	clock.Advance(time.Minute)

	verdict, err := limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("durable timestamp must keep the cooldown while degraded")
	}
	if verdict.Reason != DenyCooldown {
		t.Fatalf("expected %q, got %q", DenyCooldown, verdict.Reason)
	}
	if verdict.ResetIn != 9*time.Minute {
		t.Fatalf("expected 9m remaining, got %v", verdict.ResetIn)
	}

	clock.Advance(10 * time.Minute)

	verdict, err = limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("attempt after the durable cooldown elapsed should be admitted, got %q", verdict.Reason)
	}
}

func TestEvaluateWithoutStoreSkipsHourlyCap(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, nil, LimiterConfig{HourCap: 1, DayCap: 5})

	for attempt := 0; attempt < 5; attempt++ {
		admitAndRecord(t, limiter, 42)
	}
	if !limiter.Degraded() {
		t.Fatalf("a limiter with no volatile tier should report degraded")
	}

	verdict, err := limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if verdict.Allowed || verdict.Reason != DenyDaily {
		t.Fatalf("expected daily denial, got allowed=%v reason=%q", verdict.Allowed, verdict.Reason)
	}
}

func TestDeniedEvaluateDoesNotConsumeWindowSlot(t *testing.T) {
	clock := newFakeClock()
	store, err := volatile.NewMemoryStore(volatile.MemoryStoreConfig{Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	limiter := newTestLimiter(t, clock, store, LimiterConfig{HourCap: 5, DayCap: 1})

	admitAndRecord(t, limiter, 42)

	// Every daily denial must release its window reservation, otherwise
	// repeated denied attempts would fill the hourly window.
	for attempt := 0; attempt < 10; attempt++ {
		verdict, err := limiter.Evaluate(context.Background(), 42)
		if err != nil {
			t.Fatalf("unexpected evaluate error: %v", err)
		}
		if verdict.Allowed {
			t.Fatalf("attempt past the daily cap should be denied")
		}
		if verdict.Reason != DenyDaily {
			t.Fatalf("expected %q, got %q", DenyDaily, verdict.Reason)
		}
	}

	clock.Set(time.Date(2026, 7, 19, 9, 0, 0, 0, time.UTC))
	verdict, err := limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("denied attempts must not consume window slots, got %q", verdict.Reason)
	}
}

func TestReleaseReturnsReservationAfterDownstreamFailure(t *testing.T) {
	clock := newFakeClock()
	store, err := volatile.NewMemoryStore(volatile.MemoryStoreConfig{Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	limiter := newTestLimiter(t, clock, store, LimiterConfig{HourCap: 1, DayCap: 100})

	verdict, err := limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("first attempt should be admitted")
	}

	limiter.Release(context.Background(), 42)

	verdict, err = limiter.Evaluate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected evaluate error: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("released reservation should free the single window slot, got %q", verdict.Reason)
	}
}

func TestRecordAccumulatesDailyCounter(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, nil, LimiterConfig{HourCap: 100, DayCap: 100})
	ctx := context.Background()

	for attempt := 0; attempt < 3; attempt++ {
		if err := limiter.Record(ctx, 42); err != nil {
			t.Fatalf("unexpected record error: %v", err)
		}
	}

	var counter DailyCounter
	err := limiter.db.Where("submitter_id = ? AND day = ?", int64(42), DayKey(clock.Now())).
		Take(&counter).Error
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if counter.Count != 3 {
		t.Fatalf("expected counter 3, got %d", counter.Count)
	}
	if counter.LastSubmissionAtSeconds != clock.Now().Unix() {
		t.Fatalf("unexpected last submission timestamp: %d", counter.LastSubmissionAtSeconds)
	}
}
