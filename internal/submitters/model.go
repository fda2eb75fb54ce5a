package submitters

// Submitter is the durable record of an anonymous originator, keyed by the
// stable opaque id assigned by the transport platform. Lifetime counters are
// mutated by the moderation engine on every state transition. Submitters are
// never deleted; a data-erasure request tombstones the row, clearing handles
// while keeping the anonymized counters.
type Submitter struct {
	ID                  int64  `gorm:"column:id;primaryKey;autoIncrement:false;not null"`
	Username            string `gorm:"column:username;size:190;not null;default:''"`
	DisplayName         string `gorm:"column:display_name;size:190;not null;default:''"`
	IsBanned            bool   `gorm:"column:is_banned;not null;default:false"`
	BanReason           string `gorm:"column:ban_reason;size:500;not null;default:''"`
	IsErased            bool   `gorm:"column:is_erased;not null;default:false"`
	JoinedAtSeconds     int64  `gorm:"column:joined_at_s;not null"`
	TotalSubmissions    int64  `gorm:"column:total_submissions;not null;default:0"`
	ApprovedSubmissions int64  `gorm:"column:approved_submissions;not null;default:0"`
	RejectedSubmissions int64  `gorm:"column:rejected_submissions;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Submitter) TableName() string {
	return "submitters"
}

// StatsView is the short-TTL cached per-submitter snapshot served to the
// transport layer. Always reconstructable from the durable store.
type StatsView struct {
	SubmitterID         int64  `json:"submitter_id"`
	TotalSubmissions    int64  `json:"total_submissions"`
	ApprovedSubmissions int64  `json:"approved_submissions"`
	RejectedSubmissions int64  `json:"rejected_submissions"`
	TodayCount          int64  `json:"today_count"`
	IsBanned            bool   `json:"is_banned"`
	BanReason           string `json:"ban_reason,omitempty"`
	JoinedAtSeconds     int64  `json:"joined_at_s"`
}
