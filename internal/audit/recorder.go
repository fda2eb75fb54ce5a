package audit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBufferSize = 256

// Event is one fire-and-forget action record: who did what to which target.
type Event struct {
	ID               string `gorm:"column:id;primaryKey;size:36;not null"`
	ActorID          int64  `gorm:"column:actor_id;not null"`
	Action           string `gorm:"column:action;size:64;not null;index:idx_audit_action"`
	TargetID         int64  `gorm:"column:target_id;not null;default:0"`
	Detail           string `gorm:"column:detail;size:500;not null;default:''"`
	TimestampSeconds int64  `gorm:"column:timestamp_s;not null;index:idx_audit_time"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "audit_events"
}

// RecorderConfig describes the dependencies of the audit recorder.
type RecorderConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	BufferSize int
}

// Recorder persists audit events from a background goroutine. Record never
// blocks and never fails the caller: a full buffer drops the event and the
// drop is counted and logged instead of propagated.
type Recorder struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	events  chan Event
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewRecorder constructs the recorder and starts its writer goroutine.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("audit: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	recorder := &Recorder{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		events: make(chan Event, buffer),
	}
	recorder.wg.Add(1)
	go recorder.drain()
	return recorder, nil
}

// Record enqueues an action event. Non-blocking by contract.
func (r *Recorder) Record(actorID int64, action string, targetID int64, detail string) {
	event := Event{
		ID:               uuid.NewString(),
		ActorID:          actorID,
		Action:           action,
		TargetID:         targetID,
		Detail:           detail,
		TimestampSeconds: r.clock().UTC().Unix(),
	}
	select {
	case r.events <- event:
	default:
		r.dropped.Add(1)
		r.logger.Debug("audit event dropped, buffer full", zap.String("action", action))
	}
}

// Dropped reports how many events were lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains the buffer and stops the writer.
func (r *Recorder) Close() {
	close(r.events)
	r.wg.Wait()
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for event := range r.events {
		if err := r.db.Create(&event).Error; err != nil {
			r.logger.Warn("audit event write failed",
				zap.String("action", event.Action),
				zap.Error(err))
		}
	}
}
