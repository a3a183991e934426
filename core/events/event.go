package events

// Event represents a structured state change emitted by the settlement and
// interaction engines. Attributes are flat string pairs so downstream
// collectors can index them without schema knowledge.
type Event struct {
	Type       string
	Attributes map[string]string
}

// EventType returns the event discriminator, tolerating nil receivers.
func (e *Event) EventType() string {
	if e == nil {
		return ""
	}
	return e.Type
}

// Emitter broadcasts events to downstream subscribers (audit trail,
// indexers). Emission is fire-and-forget: a failing subscriber must never
// roll back the transition that produced the event.
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter satisfies Emitter while discarding all events. Useful for
// components that expose events optionally.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*Event) {}
