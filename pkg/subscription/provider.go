package subscription

import (
	"context"
	"time"
)

// BillingProvider is the port to the payment processor (Stripe, Paddle).
// The lifecycle manager only issues intents through it; whether money
// actually moved is learned exclusively from webhook events. Implementations
// use the official provider SDK and keep provider quirks internal.
type BillingProvider interface {
	// CreateSubscription asks the processor to open a subscription for the
	// given price. WithTrial controls whether the processor applies the
	// plan's trial period; recovery paths always pass false.
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ProviderSubscription, error)

	// CancelSubscription cancels immediately or at period end.
	CancelSubscription(ctx context.Context, providerSubID string, immediate bool) error

	// ResumeSubscription clears a pending at-period-end cancellation.
	ResumeSubscription(ctx context.Context, providerSubID string) error

	// ChangePlan moves the subscription to a new price. Proration is
	// computed by the processor, never locally.
	ChangePlan(ctx context.Context, providerSubID, priceID string) error

	// RetryPayment re-requests payment on the open invoice of the
	// subscription. Returns ErrPaymentUpdateRequired when the processor
	// reports no usable payment method.
	RetryPayment(ctx context.Context, providerSubID string) error

	// ParseWebhook verifies the event signature and normalizes the payload.
	// Must reject spoofed or tampered payloads.
	ParseWebhook(payload []byte, signature string) (*ProviderEvent, error)
}

// CreateSubscriptionRequest carries the intent to open a subscription.
type CreateSubscriptionRequest struct {
	AccountID string // internal account ID, echoed back in webhook metadata
	Email     string
	PriceID   string // processor's price identifier from the plan catalog
	WithTrial bool
	TrialDays int
}

// ProviderSubscription is the processor's view of a freshly created
// subscription.
type ProviderSubscription struct {
	ID                 string // processor subscription ID
	CustomerID         string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// EventType is the normalized webhook event type. Each provider adapter maps
// its own event names onto these.
type EventType string

const (
	EventInvoicePaid          EventType = "invoice_paid"
	EventInvoicePaymentFailed EventType = "invoice_payment_failed"
	EventTrialWillEnd         EventType = "trial_will_end"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionDeleted  EventType = "subscription_deleted"
)

// ProviderEvent is a verified, normalized webhook event.
type ProviderEvent struct {
	ExternalID     string    // processor's event ID, the idempotency key
	Provider       string    // "stripe", "paddle", "dev"
	Type           EventType
	ProviderEvent  string // original provider event name
	SubscriptionID string // processor's subscription ID
	// TransactionID references the checkout transaction for processors that
	// open subscriptions through hosted checkout (Paddle). Until the first
	// subscription-scoped event arrives, the local row knows the
	// subscription only by this reference; ApplyEvent relinks it to the
	// durable subscription ID.
	TransactionID string
	OccurredAt    time.Time
	FailureReason  string // set on payment failures
	// HasPaymentMethod reports whether the processor has a usable default
	// payment method on file. A trial_will_end with one on file is
	// informational; without one the trial is headed for past_due.
	HasPaymentMethod bool
	// PeriodStart/PeriodEnd carry the renewed billing period on paid
	// invoices so the local row tracks the processor's cycle.
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Raw         []byte // full verified payload, retained for the archive
}

// TriggerFor maps the normalized event type to its lifecycle trigger.
// The bool is false for event types that never move state.
func (e *ProviderEvent) TriggerFor() (Trigger, bool) {
	switch e.Type {
	case EventInvoicePaid:
		return TriggerInvoicePaid, true
	case EventInvoicePaymentFailed:
		return TriggerPaymentFailed, true
	case EventTrialWillEnd:
		return TriggerTrialWillEnd, true
	case EventSubscriptionDeleted:
		return TriggerPeriodEnded, true
	default:
		return "", false
	}
}
