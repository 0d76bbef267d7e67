package engine

import "time"

// CreatedEvent is emitted once per successful deposit.
type CreatedEvent struct {
	VaultID    uint64
	Owner      Identity
	Amount     Amount
	UnlockTime time.Time
	TokenID    uint64
}

// WithdrawnEvent is emitted once per successful withdrawal.
type WithdrawnEvent struct {
	VaultID uint64
	Owner   Identity
	Amount  Amount
}

// InvalidatedEvent is emitted once per successful proof invalidation.
type InvalidatedEvent struct {
	TokenID uint64
	VaultID uint64
	Owner   Identity
}

// EventSink receives audit events. Sinks are called after the operation has
// committed, outside the state lock; they must not call back into mutating
// engine operations.
type EventSink interface {
	VaultCreated(CreatedEvent)
	VaultWithdrawn(WithdrawnEvent)
	ProofInvalidated(InvalidatedEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) VaultCreated(CreatedEvent)         {}
func (NopSink) VaultWithdrawn(WithdrawnEvent)     {}
func (NopSink) ProofInvalidated(InvalidatedEvent) {}
