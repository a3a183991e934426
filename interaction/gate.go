package interaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentmesh/core/events"
	"agentmesh/core/fault"
	"agentmesh/identity"
	"agentmesh/trust"
)

// DefaultThreshold is the minimum counterpart trust score admitted by the
// gate when no threshold is configured.
const DefaultThreshold = 40.0

// ErrTrustTooLow is the sentinel matched by errors.Is for gate denials; the
// concrete error is always a *TrustTooLowError carrying the scores.
var ErrTrustTooLow = fault.New(fault.KindUnauthorized, "TRUST_TOO_LOW", "counterpart trust below threshold")

// TrustTooLowError reports a gate denial with the threshold that applied and
// the score that fell short of it.
type TrustTooLowError struct {
	AgentID  string
	Required float64
	Actual   float64
}

func (e *TrustTooLowError) Error() string {
	return fmt.Sprintf("trust too low for %s: required %.1f, scored %.1f", e.AgentID, e.Required, e.Actual)
}

func (e *TrustTooLowError) Unwrap() error { return ErrTrustTooLow }

// Event types emitted by the gate.
const (
	EventTypeInitiated = "interaction.initiated"
	EventTypeCompleted = "interaction.completed"
	EventTypeDenied    = "interaction.denied"
)

// Gate admits interactions only when the counterpart's hybrid trust score
// clears the threshold. A denial leaves no interaction record behind.
type Gate struct {
	store     *Store
	resolver  *identity.Reconciler
	scores    *trust.Aggregator
	threshold float64
	emitter   events.Emitter
	nowFn     func() time.Time
}

// NewGate wires the gate over its resolver, scorer and record store.
func NewGate(store *Store, resolver *identity.Reconciler, scores *trust.Aggregator) *Gate {
	return &Gate{
		store:     store,
		resolver:  resolver,
		scores:    scores,
		threshold: DefaultThreshold,
		emitter:   events.NoopEmitter{},
		nowFn:     time.Now,
	}
}

// SetThreshold overrides the admission threshold. Values outside [0, 100]
// are ignored.
func (g *Gate) SetThreshold(threshold float64) {
	if threshold >= 0 && threshold <= 100 {
		g.threshold = threshold
	}
}

// Threshold returns the active admission threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// SetEmitter installs the audit event sink.
func (g *Gate) SetEmitter(emitter events.Emitter) {
	if emitter != nil {
		g.emitter = emitter
	}
}

// SetNowFunc overrides the clock for deterministic tests.
func (g *Gate) SetNowFunc(now func() time.Time) {
	if now != nil {
		g.nowFn = now
	}
}

// Initiate resolves both parties, scores the counterpart and, if the score
// clears the threshold, records a new open interaction. A counterpart below
// the threshold yields a *TrustTooLowError and no record.
func (g *Gate) Initiate(ctx context.Context, initiatorKey, counterpartKey string) (*Interaction, error) {
	initiator, err := g.resolver.Resolve(ctx, initiatorKey)
	if err != nil {
		return nil, err
	}
	counterpart, err := g.resolver.Resolve(ctx, counterpartKey)
	if err != nil {
		return nil, err
	}
	score, err := g.scores.Score(ctx, counterpart)
	if err != nil {
		return nil, err
	}
	if score.Overall < g.threshold {
		g.emitter.Emit(&events.Event{Type: EventTypeDenied, Attributes: map[string]string{
			"initiator":   initiator.AgentID,
			"counterpart": counterpart.AgentID,
			"required":    fmt.Sprintf("%.1f", g.threshold),
			"scored":      fmt.Sprintf("%.1f", score.Overall),
		}})
		return nil, &TrustTooLowError{AgentID: counterpart.AgentID, Required: g.threshold, Actual: score.Overall}
	}

	rec := Interaction{
		ID:            uuid.New(),
		InitiatorID:   initiator.AgentID,
		CounterpartID: counterpart.AgentID,
		Status:        StatusInitiated,
		InitiatedAt:   g.nowFn().UTC(),
	}
	if err := g.store.Put(rec); err != nil {
		return nil, err
	}
	g.emitter.Emit(&events.Event{Type: EventTypeInitiated, Attributes: map[string]string{
		"id":          rec.ID.String(),
		"initiator":   rec.InitiatorID,
		"counterpart": rec.CounterpartID,
	}})
	return &rec, nil
}

// Complete closes an open interaction and nudges both parties' local trust
// upward. Completing a closed interaction is a state conflict.
func (g *Gate) Complete(ctx context.Context, id uuid.UUID) (*Interaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := g.store.Mutate(id, func(rec *Interaction) error {
		if rec.Status != StatusInitiated {
			return fault.Wrapf(ErrNotOpen, "%s is %s", rec.ID, rec.Status)
		}
		rec.Status = StatusCompleted
		rec.CompletedAt = g.nowFn().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.scores.RecordSuccess(rec.InitiatorID, rec.CounterpartID)
	g.emitter.Emit(&events.Event{Type: EventTypeCompleted, Attributes: map[string]string{
		"id":          rec.ID.String(),
		"initiator":   rec.InitiatorID,
		"counterpart": rec.CounterpartID,
	}})
	return &rec, nil
}

// Get returns an interaction record by id.
func (g *Gate) Get(ctx context.Context, id uuid.UUID) (*Interaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := g.store.Get(id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
