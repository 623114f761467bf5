package webhook

import (
	"context"
	"time"
)

// EventStore persists webhook event records and arbitrates idempotent
// processing. The claim is the only shared state between concurrent
// deliveries of the same event: a single-row conditional update
// ("process only if processed_at IS NULL") decides which delivery applies
// the event and which ones no-op.
type EventStore interface {
	// Insert stores the event record if no row with the same external ID
	// exists yet. Returns false when the event was already recorded.
	Insert(ctx context.Context, event *Event) (created bool, err error)

	// Claim marks the event processed if and only if it is not already.
	// Returns false when another delivery holds or completed the claim.
	Claim(ctx context.Context, externalID string) (claimed bool, err error)

	// Release un-claims an event after a transient processing failure so
	// the processor's redelivery can claim it again. Records the error.
	Release(ctx context.Context, externalID string, processingError string) error

	// ListUnprocessed returns events that were received but never
	// successfully processed, oldest first. Consumed by the reprocessor.
	ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]Event, error)
}
