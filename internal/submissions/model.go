package submissions

import (
	"encoding/json"
	"strings"
)

// Status enumerates the moderation states of a submission.
type Status string

const (
	// StatusPending awaits a moderator decision.
	StatusPending Status = "pending"
	// StatusApproved is terminal; the item was published.
	StatusApproved Status = "approved"
	// StatusRejected is terminal; the item was refused.
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Submission models one confession moving through the moderation pipeline.
// The id is assigned by the durable store; state transitions are monotone
// (pending to approved or rejected, then immutable).
type Submission struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SubmitterID       int64  `gorm:"column:submitter_id;not null;index:idx_submissions_submitter"`
	Body              string `gorm:"column:body;type:text;not null"`
	TagsJSON          string `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	Status            Status `gorm:"column:status;size:16;not null;default:'pending';index:idx_submissions_status_created,priority:1"`
	ModeratorID       int64  `gorm:"column:moderator_id;not null;default:0"`
	ModeratorReason   string `gorm:"column:moderator_reason;size:500;not null;default:''"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null;index:idx_submissions_status_created,priority:2"`
	ReviewedAtSeconds int64  `gorm:"column:reviewed_at_s;not null;default:0"`
	PublishedRef      string `gorm:"column:published_ref;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Submission) TableName() string {
	return "submissions"
}

// Tags decodes the stored tag set. A malformed payload yields an empty set.
func (s Submission) Tags() []string {
	if s.TagsJSON == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s.TagsJSON), &tags); err != nil {
		return nil
	}
	return tags
}

// NormalizeTags lower-cases, strips leading '#' markers and deduplicates while
// preserving first-occurrence order. Empty results are dropped.
func NormalizeTags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	normalized := make([]string, 0, len(raw))
	for _, tag := range raw {
		cleaned := strings.ToLower(strings.TrimSpace(tag))
		cleaned = strings.TrimPrefix(cleaned, "#")
		if cleaned == "" {
			continue
		}
		if _, duplicate := seen[cleaned]; duplicate {
			continue
		}
		seen[cleaned] = struct{}{}
		normalized = append(normalized, cleaned)
	}
	return normalized
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	payload, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(payload)
}
