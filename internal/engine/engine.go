package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vzoelfess/confessd/internal/audit"
	"github.com/vzoelfess/confessd/internal/ratelimit"
	"github.com/vzoelfess/confessd/internal/submissions"
	"github.com/vzoelfess/confessd/internal/submitters"
	"go.uber.org/zap"
)

const defaultQueueSize = 64

var (
	errMissingLimiter     = errors.New("engine: rate limiter is required")
	errMissingSubmitters  = errors.New("engine: submitter service is required")
	errMissingSubmissions = errors.New("engine: submission service is required")
)

// MaintenanceChecker gates admissions while the system is paused.
type MaintenanceChecker interface {
	MaintenanceEnabled(ctx context.Context) (bool, error)
}

// Config describes the engine dependencies.
type Config struct {
	Limiter     *ratelimit.Limiter
	Submitters  *submitters.Service
	Submissions *submissions.Service
	Maintenance MaintenanceChecker
	Audit       *audit.Recorder
	Logger      *zap.Logger
	QueueSize   int
}

// Engine is the coordination core: it consumes typed events from the
// transport collaborator, drives evaluate, create and record in that order,
// and emits notifications the transport renders. It never registers callbacks
// on any transport; events arrive on channels so the core stays independently
// testable.
type Engine struct {
	limiter     *ratelimit.Limiter
	submitters  *submitters.Service
	submissions *submissions.Service
	maintenance MaintenanceChecker
	audit       *audit.Recorder
	logger      *zap.Logger

	attempts      chan AttemptEvent
	decisions     chan DecisionEvent
	notifications chan Notification
}

// New constructs the engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Limiter == nil {
		return nil, errMissingLimiter
	}
	if cfg.Submitters == nil {
		return nil, errMissingSubmitters
	}
	if cfg.Submissions == nil {
		return nil, errMissingSubmissions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Engine{
		limiter:       cfg.Limiter,
		submitters:    cfg.Submitters,
		submissions:   cfg.Submissions,
		maintenance:   cfg.Maintenance,
		audit:         cfg.Audit,
		logger:        logger,
		attempts:      make(chan AttemptEvent, queueSize),
		decisions:     make(chan DecisionEvent, queueSize),
		notifications: make(chan Notification, queueSize),
	}, nil
}

// Attempts is the inbound queue for submission attempts.
func (e *Engine) Attempts() chan<- AttemptEvent {
	return e.attempts
}

// Decisions is the inbound queue for moderator commands.
func (e *Engine) Decisions() chan<- DecisionEvent {
	return e.decisions
}

// Notifications is the outbound queue consumed by the transport collaborator.
func (e *Engine) Notifications() <-chan Notification {
	return e.notifications
}

// Run consumes events until the context is cancelled. Each event is handled
// in its own goroutine; correctness under interleaving comes from the atomic
// window reservation and the conditional transition updates, not from a
// global lock.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case event := <-e.attempts:
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.emit(ctx, e.HandleAttempt(ctx, event))
			}()
		case event := <-e.decisions:
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.emit(ctx, e.HandleDecision(ctx, event))
			}()
		}
	}
}

// HandleAttempt runs the full admission pipeline for one attempt:
// registration, ban and maintenance gates, rate evaluation, durable create,
// then attempt recording. Recording happens only after the submission exists
// so attempts that fail downstream are never counted.
func (e *Engine) HandleAttempt(ctx context.Context, event AttemptEvent) Notification {
	submitter, err := e.submitters.EnsureRegistered(ctx, event.SubmitterID, event.Username, event.DisplayName)
	if err != nil {
		return e.transientFailure(event.SubmitterID, "register", err)
	}
	if submitter.IsBanned {
		return Notification{
			Kind:        NotificationDenied,
			SubmitterID: event.SubmitterID,
			Reason:      DenyReasonBanned,
		}
	}

	if e.maintenance != nil {
		paused, err := e.maintenance.MaintenanceEnabled(ctx)
		if err != nil {
			return e.transientFailure(event.SubmitterID, "maintenance_check", err)
		}
		if paused {
			return Notification{
				Kind:        NotificationDenied,
				SubmitterID: event.SubmitterID,
				Reason:      DenyReasonMaintenance,
			}
		}
	}

	verdict, err := e.limiter.Evaluate(ctx, event.SubmitterID)
	if err != nil {
		return e.transientFailure(event.SubmitterID, "evaluate", err)
	}
	if !verdict.Allowed {
		return Notification{
			Kind:        NotificationDenied,
			SubmitterID: event.SubmitterID,
			Reason:      string(verdict.Reason),
			Verdict:     &verdict,
		}
	}

	submission, err := e.submissions.Create(ctx, event.SubmitterID, event.Body, event.Tags)
	if err != nil {
		e.limiter.Release(ctx, event.SubmitterID)
		return e.transientFailure(event.SubmitterID, "create", err)
	}

	if err := e.limiter.Record(ctx, event.SubmitterID); err != nil {
		// The submission is durable; a missed counter update weakens the
		// daily cap by one rather than failing the accepted attempt.
		e.logger.Warn("attempt recording failed",
			zap.Int64("submitter_id", event.SubmitterID),
			zap.Error(err))
	}

	e.record(event.SubmitterID, "submission_created", submission.ID, "")
	return Notification{
		Kind:         NotificationAdmitted,
		SubmitterID:  event.SubmitterID,
		SubmissionID: submission.ID,
	}
}

// HandleDecision applies a moderator command to a pending submission.
func (e *Engine) HandleDecision(ctx context.Context, event DecisionEvent) Notification {
	switch event.Kind {
	case DecisionApprove:
		submission, err := e.submissions.Approve(ctx, event.SubmissionID, event.ModeratorID, event.PublishedRef)
		if err != nil {
			return e.decisionFailure(event, err)
		}
		e.record(event.ModeratorID, "submission_approved", submission.ID, "")
		return Notification{
			Kind:         NotificationPublished,
			SubmitterID:  submission.SubmitterID,
			SubmissionID: submission.ID,
			PublishedRef: submission.PublishedRef,
		}
	case DecisionReject:
		submission, err := e.submissions.Reject(ctx, event.SubmissionID, event.ModeratorID, event.Reason)
		if err != nil {
			return e.decisionFailure(event, err)
		}
		e.record(event.ModeratorID, "submission_rejected", submission.ID, event.Reason)
		return Notification{
			Kind:            NotificationRejected,
			SubmitterID:     submission.SubmitterID,
			SubmissionID:    submission.ID,
			ModeratorReason: submission.ModeratorReason,
		}
	default:
		return Notification{
			Kind:         NotificationFailed,
			SubmissionID: event.SubmissionID,
			Reason:       fmt.Sprintf("unknown decision kind %q", event.Kind),
		}
	}
}

func (e *Engine) decisionFailure(event DecisionEvent, err error) Notification {
	reason := "try_again"
	if errors.Is(err, submissions.ErrNotFound) {
		reason = "not_found"
	} else if errors.Is(err, submissions.ErrInvalidTransition) {
		reason = "already_reviewed"
	} else {
		e.logger.Error("moderator decision failed",
			zap.Int64("submission_id", event.SubmissionID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
	return Notification{
		Kind:         NotificationFailed,
		SubmissionID: event.SubmissionID,
		Reason:       reason,
	}
}

func (e *Engine) transientFailure(submitterID int64, stage string, err error) Notification {
	e.logger.Error("submission attempt failed",
		zap.Int64("submitter_id", submitterID),
		zap.String("stage", stage),
		zap.Error(err))
	return Notification{
		Kind:        NotificationFailed,
		SubmitterID: submitterID,
		Reason:      "try_again",
	}
}

func (e *Engine) record(actorID int64, action string, targetID int64, detail string) {
	if e.audit == nil {
		return
	}
	e.audit.Record(actorID, action, targetID, detail)
}

func (e *Engine) emit(ctx context.Context, notification Notification) {
	select {
	case e.notifications <- notification:
	case <-ctx.Done():
	}
}
