package volatile

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable indicates the volatile tier could not serve the call. Callers
// are expected to degrade to the durable store rather than fail the request.
var ErrUnavailable = errors.New("volatile: tier unavailable")

// WindowStatus reports the outcome of an atomic sliding-window reservation.
type WindowStatus struct {
	// Reserved is true when a slot was taken for this attempt.
	Reserved bool
	// Count is the number of entries in the window after the call.
	Count int64
	// ResetIn is how long until the oldest surviving entry leaves the window.
	// Only meaningful when Reserved is false.
	ResetIn time.Duration
}

// Store is the volatile tier consumed by the rate limiter and the cache
// coordinator. State held here is advisory and bounded by TTLs; it must never
// be the sole record of anything that outlives its TTL.
type Store interface {
	// WindowReserve atomically purges entries older than the window, counts the
	// survivors, and inserts a new entry when the count is below limit. Purge,
	// count and insert happen as one operation so two concurrent callers can
	// never both take the last slot.
	WindowReserve(ctx context.Context, submitterID int64, window time.Duration, limit int) (WindowStatus, error)

	// WindowRelease drops the most recent window entry for the submitter,
	// returning a reservation that will not be used. A missed release ages out
	// of the window on its own.
	WindowRelease(ctx context.Context, submitterID int64) error

	// SetFlag sets a presence marker that expires after ttl.
	SetFlag(ctx context.Context, key string, ttl time.Duration) error

	// FlagTTL returns the remaining lifetime of a marker, or zero when absent.
	FlagTTL(ctx context.Context, key string) (time.Duration, error)

	// GetJSON loads a cached value into out, reporting whether it was present.
	GetJSON(ctx context.Context, key string, out any) (bool, error)

	// PutJSON stores a cached value with a bounded ttl.
	PutJSON(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes a cached value.
	Delete(ctx context.Context, key string) error
}

// Key namespaces, one per concern.
const (
	windowKeyPrefix   = "window:"
	cooldownKeyPrefix = "cooldown:"
	cacheKeyPrefix    = "cache:"
)

// WindowKey names the sliding-window entry set for a submitter.
func WindowKey(submitterID int64) string {
	return fmt.Sprintf("%s%d", windowKeyPrefix, submitterID)
}

// CooldownKey names the cooldown marker for a submitter.
func CooldownKey(submitterID int64) string {
	return fmt.Sprintf("%s%d", cooldownKeyPrefix, submitterID)
}

// CacheKey names a short-TTL cached view, namespaced by purpose.
func CacheKey(purpose, key string) string {
	return cacheKeyPrefix + purpose + ":" + key
}
