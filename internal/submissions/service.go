package submissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vzoelfess/confessd/internal/cache"
	"github.com/vzoelfess/confessd/internal/database"
	"github.com/vzoelfess/confessd/internal/stats"
	"github.com/vzoelfess/confessd/internal/submitters"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the referenced submission does not exist.
	ErrNotFound = errors.New("submissions: not found")
	// ErrInvalidTransition indicates the submission already left the pending
	// state. Terminal states are immutable; callers must never retry.
	ErrInvalidTransition = errors.New("submissions: invalid state transition")

	errMissingDatabase = errors.New("database handle is required")
	errMissingTracker  = errors.New("stats tracker is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code and wraps the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "submissions.service.new"
	opCreate      = "submissions.create"
	opApprove     = "submissions.approve"
	opReject      = "submissions.reject"
	opGet         = "submissions.get"
	opListPending = "submissions.list_pending"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the moderation engine.
type ServiceConfig struct {
	Database *gorm.DB
	Tracker  *stats.Tracker
	Cache    *cache.Coordinator
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the submission state machine. Durable writes commit state and
// all dependent counters in one transaction; cache invalidation runs after
// the commit and its failure is tolerated.
type Service struct {
	db      *gorm.DB
	tracker *stats.Tracker
	cache   *cache.Coordinator
	clock   func() time.Time
	logger  *zap.Logger
}

// NewService constructs the moderation engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Tracker == nil {
		return nil, newServiceError(opServiceNew, "missing_tracker", errMissingTracker)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	coordinator := cfg.Cache
	if coordinator == nil {
		coordinator = cache.NewCoordinator(cache.CoordinatorConfig{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:      cfg.Database,
		tracker: cfg.Tracker,
		cache:   coordinator,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Create persists a new pending submission, bumping the submitter's total and
// each tag's usage counter in the same transaction. Body and tags arrive
// pre-validated from the collaborator; tags are normalized here because the
// stored set must be deduplicated and case-folded regardless of the caller.
func (s *Service) Create(ctx context.Context, submitterID int64, body string, tags []string) (Submission, error) {
	now := s.clock().UTC()
	submission := Submission{
		SubmitterID:      submitterID,
		Body:             body,
		TagsJSON:         encodeTags(NormalizeTags(tags)),
		Status:           StatusPending,
		CreatedAtSeconds: now.Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&submission).Error; err != nil {
			return err
		}
		err := tx.Model(&submitters.Submitter{}).
			Where("id = ?", submitterID).
			Update("total_submissions", gorm.Expr("total_submissions + 1")).Error
		if err != nil {
			return err
		}
		return s.tracker.RecordUsage(tx, submission.Tags(), now)
	})
	if txErr != nil {
		s.logError(opCreate, "create_failed", txErr, zap.Int64("submitter_id", submitterID))
		return Submission{}, newServiceError(opCreate, "store_unavailable",
			fmt.Errorf("%w: %v", database.ErrUnavailable, txErr))
	}

	s.cache.Invalidate(ctx, stats.PendingCacheKey(), submitters.StatsCacheKey(submitterID))
	s.tracker.InvalidateLeaderboard(ctx)
	return submission, nil
}

// Approve transitions a pending submission to approved, recording the
// moderator and the published reference. The update is conditional on the
// pending state so two concurrent moderators can never both win; the loser
// sees ErrInvalidTransition and no counter moves twice.
func (s *Service) Approve(ctx context.Context, submissionID, moderatorID int64, publishedRef string) (Submission, error) {
	return s.transition(ctx, opApprove, submissionID, map[string]interface{}{
		"status":        StatusApproved,
		"moderator_id":  moderatorID,
		"reviewed_at_s": s.clock().UTC().Unix(),
		"published_ref": publishedRef,
	}, "approved_submissions")
}

// Reject transitions a pending submission to rejected. The reason is optional.
func (s *Service) Reject(ctx context.Context, submissionID, moderatorID int64, reason string) (Submission, error) {
	return s.transition(ctx, opReject, submissionID, map[string]interface{}{
		"status":           StatusRejected,
		"moderator_id":     moderatorID,
		"reviewed_at_s":    s.clock().UTC().Unix(),
		"moderator_reason": reason,
	}, "rejected_submissions")
}

func (s *Service) transition(ctx context.Context, operation string, submissionID int64, updates map[string]interface{}, counterColumn string) (Submission, error) {
	var submission Submission
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Submission{}).
			Where("id = ? AND status = ?", submissionID, StatusPending).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			err := tx.Where("id = ?", submissionID).Take(&Submission{}).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return ErrInvalidTransition
		}

		if err := tx.Where("id = ?", submissionID).Take(&submission).Error; err != nil {
			return err
		}
		return tx.Model(&submitters.Submitter{}).
			Where("id = ?", submission.SubmitterID).
			Update(counterColumn, gorm.Expr(counterColumn+" + 1")).Error
	})
	if errors.Is(txErr, ErrNotFound) || errors.Is(txErr, ErrInvalidTransition) {
		return Submission{}, txErr
	}
	if txErr != nil {
		s.logError(operation, "transition_failed", txErr, zap.Int64("submission_id", submissionID))
		return Submission{}, newServiceError(operation, "store_unavailable",
			fmt.Errorf("%w: %v", database.ErrUnavailable, txErr))
	}

	s.cache.Invalidate(ctx, stats.PendingCacheKey(), submitters.StatsCacheKey(submission.SubmitterID))
	return submission, nil
}

// Get loads a submission by id.
func (s *Service) Get(ctx context.Context, submissionID int64) (Submission, error) {
	var submission Submission
	err := s.db.WithContext(ctx).Where("id = ?", submissionID).Take(&submission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.Int64("submission_id", submissionID))
		return Submission{}, newServiceError(opGet, "store_unavailable",
			fmt.Errorf("%w: %v", database.ErrUnavailable, err))
	}
	return submission, nil
}

// GetPending returns the pending queue ordered by creation time ascending, so
// the oldest submission is reviewed first. Reads the durable store directly;
// the cached variant lives in the stats tracker.
func (s *Service) GetPending(ctx context.Context) ([]Submission, error) {
	var pending []Submission
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at_s ASC").
		Find(&pending).Error
	if err != nil {
		s.logError(opListPending, "query_failed", err)
		return nil, newServiceError(opListPending, "store_unavailable",
			fmt.Errorf("%w: %v", database.ErrUnavailable, err))
	}
	return pending, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("submissions service error", attrs...)
}
