package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cataloghq/billing/pkg/subscription"
)

// DevParser is a Parser for local development and end-to-end tests: events
// are plain JSON signed with the shared-secret HMAC scheme above, so a full
// webhook pipeline can be driven without a processor account.
type DevParser struct {
	secret string
	maxAge time.Duration
}

// NewDevParser creates the dev parser. Deliveries older than five minutes
// are rejected as replays.
func NewDevParser(secret string) *DevParser {
	if secret == "" {
		panic("webhook: dev signing secret is required")
	}
	return &DevParser{secret: secret, maxAge: 5 * time.Minute}
}

type devEvent struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	SubscriptionID   string     `json:"subscription_id"`
	OccurredAt       time.Time  `json:"occurred_at"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	HasPaymentMethod bool       `json:"has_payment_method,omitempty"`
	PeriodStart      *time.Time `json:"period_start,omitempty"`
	PeriodEnd        *time.Time `json:"period_end,omitempty"`
}

func (p *DevParser) ParseWebhook(payload []byte, signature string) (*subscription.ProviderEvent, error) {
	if err := VerifySignature(p.secret, payload, signature, p.maxAge); err != nil {
		return nil, err
	}

	var ev devEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidPayload)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	return &subscription.ProviderEvent{
		ExternalID:       ev.ID,
		Provider:         "dev",
		Type:             subscription.EventType(ev.Type),
		ProviderEvent:    ev.Type,
		SubscriptionID:   ev.SubscriptionID,
		OccurredAt:       ev.OccurredAt.UTC(),
		FailureReason:    ev.FailureReason,
		HasPaymentMethod: ev.HasPaymentMethod,
		PeriodStart:      ev.PeriodStart,
		PeriodEnd:        ev.PeriodEnd,
		Raw:              payload,
	}, nil
}
