package ratelimit

import "time"

// DailyCounter is the durable per-submitter per-day attempt counter. It is
// authoritative for the daily cap and, through the last submission timestamp,
// the fallback source for cooldown checks when the volatile tier is down.
// Counts are monotonic within their day and never merged with the volatile
// sliding window; both checks must pass independently.
type DailyCounter struct {
	SubmitterID             int64  `gorm:"column:submitter_id;primaryKey;autoIncrement:false;not null"`
	Day                     string `gorm:"column:day;primaryKey;size:10;not null"`
	Count                   int64  `gorm:"column:count;not null;default:0"`
	LastSubmissionAtSeconds int64  `gorm:"column:last_submission_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (DailyCounter) TableName() string {
	return "daily_counters"
}

// DayKey renders the UTC calendar day used as the counter partition.
func DayKey(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}
