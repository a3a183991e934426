package escrow

import (
	"encoding/hex"
	"strconv"

	"agentmesh/core/events"
)

const (
	EventTypeCreated  = "escrow.created"
	EventTypeReleased = "escrow.released"
	EventTypeRefunded = "escrow.refunded"
	EventTypeDisputed = "escrow.disputed"
	EventTypeExpired  = "escrow.expired"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeCreated, e) }

// NewReleasedEvent returns the canonical event payload for a release of
// escrow funds to the payee.
func NewReleasedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeReleased, e) }

// NewRefundedEvent returns the canonical event payload for an escrow refund
// to the payer.
func NewRefundedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeRefunded, e) }

// NewDisputedEvent returns the canonical event payload emitted when an
// escrow is flagged as disputed.
func NewDisputedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeDisputed, e) }

// NewExpiredEvent returns the canonical event payload emitted when an
// expiration claim refunds the payer.
func NewExpiredEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeExpired, e) }

func newEscrowEvent(eventType string, e *Escrow) *events.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &events.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(e.ID[:])
	attrs["payer"] = hex.EncodeToString(e.Payer[:])
	attrs["payee"] = hex.EncodeToString(e.Payee[:])
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	attrs["status"] = e.Status.String()
	attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	attrs["expiresAt"] = strconv.FormatInt(e.ExpiresAt, 10)
	if e.CompletedAt > 0 {
		attrs["completedAt"] = strconv.FormatInt(e.CompletedAt, 10)
	}
	if e.DisputeReason != "" {
		attrs["disputeReason"] = e.DisputeReason
	}
	return &events.Event{Type: eventType, Attributes: attrs}
}
