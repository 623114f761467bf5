package webhook

import (
	"time"

	"github.com/cataloghq/billing/pkg/subscription"
)

// Event is the persisted record of one processor webhook delivery. The
// external ID is the idempotency key: an event ID is processed at most once,
// replays are detected against this record and no-op'd. The normalized
// fields are stored alongside the raw payload so released events can be
// reprocessed without re-verifying a signature we no longer have.
type Event struct {
	ExternalID       string
	Provider         string
	Type             string
	ProviderSubID    string
	TransactionID    string
	OccurredAt       time.Time
	FailureReason    string
	HasPaymentMethod bool
	PeriodStart      *time.Time
	PeriodEnd        *time.Time
	Payload          []byte
	ReceivedAt       time.Time
	ProcessedAt      *time.Time
	ProcessingError  *string
}

func newEvent(e *subscription.ProviderEvent, receivedAt time.Time) *Event {
	return &Event{
		ExternalID:       e.ExternalID,
		Provider:         e.Provider,
		Type:             string(e.Type),
		ProviderSubID:    e.SubscriptionID,
		TransactionID:    e.TransactionID,
		OccurredAt:       e.OccurredAt,
		FailureReason:    e.FailureReason,
		HasPaymentMethod: e.HasPaymentMethod,
		PeriodStart:      e.PeriodStart,
		PeriodEnd:        e.PeriodEnd,
		Payload:          e.Raw,
		ReceivedAt:       receivedAt,
	}
}

// providerEvent reconstructs the normalized event for reprocessing.
func (ev *Event) providerEvent() *subscription.ProviderEvent {
	return &subscription.ProviderEvent{
		ExternalID:       ev.ExternalID,
		Provider:         ev.Provider,
		Type:             subscription.EventType(ev.Type),
		SubscriptionID:   ev.ProviderSubID,
		TransactionID:    ev.TransactionID,
		OccurredAt:       ev.OccurredAt,
		FailureReason:    ev.FailureReason,
		HasPaymentMethod: ev.HasPaymentMethod,
		PeriodStart:      ev.PeriodStart,
		PeriodEnd:        ev.PeriodEnd,
		Raw:              ev.Payload,
	}
}
