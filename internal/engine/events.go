package engine

import "github.com/vzoelfess/confessd/internal/ratelimit"

// AttemptEvent is a submission attempt pushed by the transport collaborator.
// Body and tags arrive pre-validated and pre-extracted.
type AttemptEvent struct {
	SubmitterID int64
	Username    string
	DisplayName string
	Body        string
	Tags        []string
}

// DecisionKind enumerates moderator commands.
type DecisionKind string

const (
	// DecisionApprove publishes the submission.
	DecisionApprove DecisionKind = "approve"
	// DecisionReject refuses the submission.
	DecisionReject DecisionKind = "reject"
)

// DecisionEvent is a moderator command pushed by the transport collaborator.
type DecisionEvent struct {
	SubmissionID int64
	ModeratorID  int64
	Kind         DecisionKind
	// Reason is optional and only meaningful for rejections.
	Reason string
	// PublishedRef is the external message handle, set on approvals.
	PublishedRef string
}

// NotificationKind enumerates the outcomes surfaced to the transport layer.
type NotificationKind string

const (
	// NotificationAdmitted acknowledges a pending submission to its author.
	NotificationAdmitted NotificationKind = "admitted"
	// NotificationDenied reports a refused attempt with structured detail.
	NotificationDenied NotificationKind = "denied"
	// NotificationPublished reports an approval to author and channel.
	NotificationPublished NotificationKind = "published"
	// NotificationRejected reports a rejection to the author.
	NotificationRejected NotificationKind = "rejected"
	// NotificationFailed reports a transient failure; the author may retry.
	NotificationFailed NotificationKind = "failed"
)

// Denial reasons outside the rate-limit verdict.
const (
	DenyReasonBanned      = "banned"
	DenyReasonMaintenance = "maintenance"
)

// Notification is the typed outcome the transport layer renders for users,
// moderators and the audience channel.
type Notification struct {
	Kind         NotificationKind
	SubmitterID  int64
	SubmissionID int64
	// Reason holds the denial reason: a rate-limit verdict reason, "banned"
	// or "maintenance".
	Reason string
	// Verdict carries structured rate-limit detail on rate denials.
	Verdict *ratelimit.Verdict
	// PublishedRef is set on published notifications.
	PublishedRef string
	// ModeratorReason is set on rejected notifications when provided.
	ModeratorReason string
}
