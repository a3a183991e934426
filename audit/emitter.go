package audit

import (
	"context"
	"log/slog"
	"time"

	"agentmesh/core/events"
	"agentmesh/observability/metrics"
)

// Emitter persists engine and gate events into the audit trail. Emission is
// fire-and-forget: a failed insert is logged and dropped, never surfaced to
// the operation that produced the event.
type Emitter struct {
	store  *Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewEmitter wraps the store as an event sink.
func NewEmitter(store *Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: store, logger: logger, nowFn: time.Now}
}

// SetNowFunc overrides the clock for deterministic tests.
func (e *Emitter) SetNowFunc(now func() time.Time) {
	if now != nil {
		e.nowFn = now
	}
}

// Emit writes the event to the audit trail.
func (e *Emitter) Emit(evt *events.Event) {
	if evt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.store.InsertEvent(ctx, evt.Type, evt.Attributes, e.nowFn()); err != nil {
		metrics.Mesh().ObserveAuditDropped()
		e.logger.Warn("audit event dropped", "type", evt.Type, "error", err)
	}
}

var _ events.Emitter = (*Emitter)(nil)
