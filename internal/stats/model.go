package stats

// HashtagStat is the durable per-tag usage counter. It is mutated additively
// on every accepted submission and never decremented.
type HashtagStat struct {
	Tag                string `gorm:"column:tag;primaryKey;size:190;not null"`
	UsageCount         int64  `gorm:"column:usage_count;not null;default:0"`
	FirstUsedAtSeconds int64  `gorm:"column:first_used_at_s;not null"`
	LastUsedAtSeconds  int64  `gorm:"column:last_used_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (HashtagStat) TableName() string {
	return "hashtag_stats"
}

// TagCount is one leaderboard row.
type TagCount struct {
	Tag               string `json:"tag"`
	Count             int64  `json:"count"`
	LastUsedAtSeconds int64  `json:"last_used_at_s"`
}

// PendingItem is a row of the cached pending-queue snapshot. It maps onto the
// submissions table directly so the snapshot can be rebuilt without a
// dependency on the moderation engine.
type PendingItem struct {
	ID               int64  `gorm:"column:id" json:"id"`
	SubmitterID      int64  `gorm:"column:submitter_id" json:"submitter_id"`
	Body             string `gorm:"column:body" json:"body"`
	TagsJSON         string `gorm:"column:tags_json" json:"tags_json"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s" json:"created_at_s"`
}

// SystemView is the operator-facing aggregate snapshot.
type SystemView struct {
	Submitters   int64 `json:"submitters"`
	Pending      int64 `json:"pending"`
	Approved     int64 `json:"approved"`
	Rejected     int64 `json:"rejected"`
	TierDegraded bool  `json:"tier_degraded"`
	GeneratedAtS int64 `json:"generated_at_s"`
}
