package subscription

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// RetryResult reports the outcome of a payment retry request. The retry only
// asks the processor to collect again; the actual state change arrives later
// through the invoice webhook.
type RetryResult struct {
	SubscriptionID uuid.UUID
	Requested      bool
	// PaymentUpdateRequired means the processor has no usable payment
	// method; the customer must update it before any retry can succeed.
	PaymentUpdateRequired bool
}

// Recovery surfaces subscriptions stuck in failure states and offers the two
// ways out: retry payment on the same processor subscription, or supersede
// it with a brand-new subscription on the same (or another) plan.
type Recovery struct {
	svc   *Service
	store Store
}

// NewRecovery creates the recovery manager over the lifecycle service.
func NewRecovery(svc *Service) *Recovery {
	if svc == nil {
		panic("subscription: service is required")
	}
	return &Recovery{svc: svc, store: svc.store}
}

// ListIncomplete returns the account's subscriptions in a failure state that
// still offer a recovery path.
func (r *Recovery) ListIncomplete(ctx context.Context, accountID uuid.UUID) ([]Subscription, error) {
	return r.store.ListIncomplete(ctx, accountID)
}

// Retry re-requests payment on the same processor subscription. Suitable
// when the decline was transient; the subscription's state is not touched
// here, confirmation or failure arrives via webhook.
func (r *Recovery) Retry(ctx context.Context, subscriptionID uuid.UUID) (*RetryResult, error) {
	sub, err := r.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusPastDue && sub.Status != StatusUnpaid {
		return nil, newInvalidTransition(sub.Status, TriggerInvoicePaid,
			"there is no failed payment to retry on this subscription")
	}

	if err := r.svc.provider.RetryPayment(ctx, sub.ProviderSubID); err != nil {
		if errors.Is(err, ErrPaymentUpdateRequired) {
			return &RetryResult{SubscriptionID: sub.ID, PaymentUpdateRequired: true}, nil
		}
		return nil, err
	}
	return &RetryResult{SubscriptionID: sub.ID, Requested: true}, nil
}

// CreateNewAfterFailure supersedes a failed subscription with a brand-new
// one on the given plan. The new subscription is always created without a
// trial, regardless of what was requested: the trial is either already
// consumed or deliberately skipped, and eligibility logic is not re-entered.
// This is the path that lets a customer who failed payment still subscribe
// directly.
func (r *Recovery) CreateNewAfterFailure(ctx context.Context, accountID uuid.UUID, planID string) (*Subscription, error) {
	p, err := r.svc.catalog.GetPlan(planID)
	if err != nil {
		return nil, err
	}

	old, err := r.store.GetCurrent(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !old.IsIncomplete(r.svc.now()) && !old.Status.IsTerminal() {
		return nil, newInvalidTransition(old.Status, TriggerSuperseded,
			"your current subscription has not failed; cancel it instead")
	}

	// Finalize the failed row so the account frees its one non-terminal
	// slot. past_due past grace folds through unpaid semantics directly.
	if !old.Status.IsTerminal() {
		from := old.Status
		data := &transitionData{sub: old, now: r.svc.now(), graceWindow: r.svc.graceWindow}
		if err := r.svc.resolve(ctx, old, TriggerSuperseded, data); err != nil {
			return nil, err
		}
		old.UpdatedAt = r.svc.now()
		if err := r.store.UpdateFrom(ctx, old, from); err != nil {
			return nil, err
		}
		r.svc.log.InfoContext(ctx, "failed subscription superseded",
			"subscription_id", old.ID, "account_id", accountID)
	}

	return r.svc.create(ctx, accountID, p, false)
}
