package volatile

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Health tracks whether the volatile tier is currently degraded. It logs one
// warning when the tier goes down and one notice when it recovers, so an
// outage does not turn every denied request into a log line. Relaxed hourly
// enforcement during an outage is an accepted trade-off, but it must be
// visible to operators.
type Health struct {
	logger   *zap.Logger
	degraded atomic.Bool
}

// NewHealth constructs a tracker. A nil logger disables logging.
func NewHealth(logger *zap.Logger) *Health {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Health{logger: logger}
}

// ReportFailure marks the tier degraded, logging only on the transition.
func (h *Health) ReportFailure(operation string, err error) {
	if h == nil {
		return
	}
	if !h.degraded.Swap(true) {
		h.logger.Warn("volatile tier degraded; hourly limit enforcement relaxed",
			zap.String("operation", operation),
			zap.Error(err))
	}
}

// ReportSuccess marks the tier healthy, logging only on the transition.
func (h *Health) ReportSuccess() {
	if h == nil {
		return
	}
	if h.degraded.Swap(false) {
		h.logger.Info("volatile tier recovered")
	}
}

// Degraded reports the current state for operator-facing surfaces.
func (h *Health) Degraded() bool {
	if h == nil {
		return false
	}
	return h.degraded.Load()
}
