package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cataloghq/billing/pkg/plan"
	"github.com/cataloghq/billing/pkg/statemachine"
)

// ErrStaleEvent marks a webhook event whose processor timestamp is older
// than the last fact already applied to the subscription. Stale events are
// discarded: last-provider-timestamp-wins.
var ErrStaleEvent = errors.New("stale webhook event")

const defaultGraceWindow = 7 * 24 * time.Hour

// Service owns every subscription state transition. Commands validate
// against the current state, issue an intent to the processor, and apply the
// local transition; money facts arrive through ApplyEvent. All writes go
// through the store's conditional update so commands and webhooks race
// safely.
type Service struct {
	catalog     *plan.Catalog
	store       Store
	accounts    AccountStore
	provider    BillingProvider
	table       *statemachine.Machine
	graceWindow time.Duration
	notifier    Notifier
	log         *slog.Logger
	now         func() time.Time
}

// Notifier observes transitions the service makes on its own, without a
// webhook behind them: the grace sweeper's promotions. Webhook-driven
// transitions are announced by the webhook processor instead, so the same
// notifier can back both without double sends. e is nil for sweeper
// transitions.
type Notifier interface {
	NotifyTransition(ctx context.Context, result *ApplyResult, e *ProviderEvent) error
}

// Option configures optional Service settings.
type Option func(*Service)

// WithGraceWindow overrides how long a past_due subscription may linger
// before the sweeper promotes it to unpaid.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.graceWindow = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithNotifier sets the observer for sweeper-originated transitions.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the lifecycle service. Panics if required dependencies
// are nil to fail fast during initialization.
func NewService(catalog *plan.Catalog, store Store, accounts AccountStore, provider BillingProvider, opts ...Option) *Service {
	if catalog == nil {
		panic("subscription: plan catalog is required")
	}
	if store == nil {
		panic("subscription: store is required")
	}
	if accounts == nil {
		panic("subscription: account store is required")
	}
	if provider == nil {
		panic("subscription: billing provider is required")
	}

	s := &Service{
		catalog:     catalog,
		store:       store,
		accounts:    accounts,
		provider:    provider,
		table:       newTransitionTable(),
		graceWindow: defaultGraceWindow,
		log:         slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a new subscription for the account. With withTrial the
// server-side eligibility rule is re-verified regardless of what the client
// believes; the client's eligibility flag is advisory UI state only.
func (s *Service) Create(ctx context.Context, accountID uuid.UUID, planID string, withTrial bool) (*Subscription, error) {
	p, err := s.catalog.GetPlan(planID)
	if err != nil {
		return nil, err
	}

	withTrial = withTrial && p.HasTrial()
	trigger := TriggerCreateDirect
	if withTrial {
		trigger = TriggerCreateTrial
	}

	if current, err := s.store.GetCurrent(ctx, accountID); err == nil && current.IsCurrent() {
		return nil, newInvalidTransition(current.Status, trigger,
			"you already have a subscription; cancel it before starting a new one")
	} else if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	if withTrial {
		elig, err := s.CheckEligibility(ctx, accountID, planID)
		if err != nil {
			return nil, err
		}
		if !elig.Eligible {
			return nil, &NotEligibleError{Reason: elig.Reason}
		}
	}

	return s.create(ctx, accountID, p, withTrial)
}

// create opens the subscription with the processor and persists the row.
// Shared by Create and the recovery manager's new-after-failure path.
func (s *Service) create(ctx context.Context, accountID uuid.UUID, p plan.Plan, withTrial bool) (*Subscription, error) {
	now := s.now()
	sub := &Subscription{
		ID:        uuid.New(),
		AccountID: accountID,
		PlanID:    p.ID,
		Status:    StatusNone,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Free plans bypass the processor entirely.
	if p.IsFree() {
		sub.Status = StatusActive
		if err := s.store.Create(ctx, sub); err != nil {
			return nil, err
		}
		return sub, nil
	}

	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ps, err := s.provider.CreateSubscription(ctx, CreateSubscriptionRequest{
		AccountID: accountID.String(),
		Email:     account.Email,
		PriceID:   p.ProviderPriceID,
		WithTrial: withTrial,
		TrialDays: p.TrialDays,
	})
	if err != nil {
		return nil, err
	}

	trigger := TriggerCreateDirect
	if withTrial {
		trigger = TriggerCreateTrial
	}
	if err := s.resolve(ctx, sub, trigger, &transitionData{
		sub: sub, now: now, trialDays: p.TrialDays, graceWindow: s.graceWindow,
	}); err != nil {
		return nil, err
	}

	sub.ProviderSubID = ps.ID
	sub.ProviderCustomerID = ps.CustomerID
	sub.CurrentPeriodStart = ps.CurrentPeriodStart
	sub.CurrentPeriodEnd = ps.CurrentPeriodEnd

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "subscription created",
		"subscription_id", sub.ID, "account_id", accountID, "plan", p.ID, "status", sub.Status)
	return sub, nil
}

// Cancel cancels the account's current subscription, immediately or at
// period end.
func (s *Service) Cancel(ctx context.Context, accountID uuid.UUID, immediate bool) (*Subscription, error) {
	trigger := TriggerCancelAtPeriodEnd
	if immediate {
		trigger = TriggerCancelNow
	}

	return s.command(ctx, accountID, trigger, func(ctx context.Context, sub *Subscription) error {
		if sub.ProviderSubID == "" {
			return nil // free plan, nothing to tell the processor
		}
		return s.provider.CancelSubscription(ctx, sub.ProviderSubID, immediate)
	})
}

// Reactivate clears a scheduled cancellation, restoring the state the
// subscription was in before the cancel was requested.
func (s *Service) Reactivate(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	return s.command(ctx, accountID, TriggerReactivate, func(ctx context.Context, sub *Subscription) error {
		if sub.ProviderSubID == "" {
			return nil
		}
		return s.provider.ResumeSubscription(ctx, sub.ProviderSubID)
	})
}

// ChangePlan moves an active subscription to another plan. The processor
// computes proration; locally only the plan reference changes.
func (s *Service) ChangePlan(ctx context.Context, accountID uuid.UUID, planID string) (*Subscription, error) {
	p, err := s.catalog.GetPlan(planID)
	if err != nil {
		return nil, err
	}

	return s.command(ctx, accountID, TriggerChangePlan, func(ctx context.Context, sub *Subscription) error {
		if sub.PlanID == p.ID {
			return newInvalidTransition(sub.Status, TriggerChangePlan, "you are already on this plan")
		}
		if err := s.provider.ChangePlan(ctx, sub.ProviderSubID, p.ProviderPriceID); err != nil {
			return err
		}
		sub.PlanID = p.ID
		return nil
	})
}

// Status returns the account's current subscription row. The UI is a view
// over this read, never a cache of truth.
func (s *Service) Status(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	return s.store.GetCurrent(ctx, accountID)
}

// command loads the current subscription, validates the trigger against the
// transition table, runs the processor intent, applies the local transition
// and persists it under the conditional write.
func (s *Service) command(ctx context.Context, accountID uuid.UUID, trigger Trigger, intent func(context.Context, *Subscription) error) (*Subscription, error) {
	sub, err := s.store.GetCurrent(ctx, accountID)
	if err != nil {
		return nil, err
	}

	from := sub.Status
	data := &transitionData{sub: sub, now: s.now(), graceWindow: s.graceWindow}

	// Synchronous local check before touching the processor. Independent of
	// the webhook processor's authority over money-fact transitions.
	if !s.table.CanResolve(ctx, from, trigger, data) {
		return nil, newInvalidTransition(from, trigger, reasonFor(from, trigger))
	}

	if intent != nil {
		if err := intent(ctx, sub); err != nil {
			return nil, err
		}
	}

	if err := s.resolve(ctx, sub, trigger, data); err != nil {
		return nil, err
	}
	sub.UpdatedAt = s.now()

	if err := s.store.UpdateFrom(ctx, sub, from); err != nil {
		// A webhook moved the row first; processor state is authoritative,
		// so the command loses the race.
		return nil, err
	}

	s.log.InfoContext(ctx, "subscription command applied",
		"subscription_id", sub.ID, "trigger", trigger, "from", from, "to", sub.Status)
	return sub, nil
}

// ApplyResult reports what an applied webhook event did.
type ApplyResult struct {
	Sub     *Subscription
	From    Status
	To      Status
	Applied bool
}

// ApplyEvent applies a verified provider event to the subscription it
// references. The caller (webhook processor) has already de-duplicated the
// event by external ID; ApplyEvent enforces ordering and table semantics:
//
//   - unknown subscription reference -> ErrUnknownSubscription
//   - event older than the last applied fact -> ErrStaleEvent
//   - event with no effect in the current state (e.g. a late failure after
//     the cycle already resolved) -> discarded, Applied=false
//
// Conflicting concurrent writers are retried: transitions are a function of
// current-state-plus-event, so re-reading and re-resolving is always safe.
func (s *Service) ApplyEvent(ctx context.Context, e *ProviderEvent) (*ApplyResult, error) {
	trigger, moves := e.TriggerFor()
	if !moves {
		return &ApplyResult{Applied: false}, nil
	}
	// A trial_will_end with a payment method on file is informational: the
	// processor will simply charge at trial end.
	if e.Type == EventTrialWillEnd && e.HasPaymentMethod {
		return &ApplyResult{Applied: false}, nil
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sub, err := s.lookup(ctx, e)
		if err != nil {
			if errors.Is(err, ErrSubscriptionNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, e.SubscriptionID)
			}
			return nil, err
		}

		if e.OccurredAt.Before(sub.LastEventAt) {
			return nil, fmt.Errorf("%w: event %s occurred %s, last applied %s",
				ErrStaleEvent, e.ExternalID, e.OccurredAt, sub.LastEventAt)
		}

		from := sub.Status
		data := &transitionData{
			sub: sub, now: s.now(), reason: e.FailureReason, graceWindow: s.graceWindow,
		}
		if err := s.resolve(ctx, sub, trigger, data); err != nil {
			// No transition from the current state: the event contradicts an
			// already-applied, more specific fact. Discard, keep 200 to the
			// processor.
			if statemachine.IsNoTransitionAvailableError(err) ||
				statemachine.IsTransitionRejectedError(err) || IsInvalidTransition(err) {
				s.log.InfoContext(ctx, "webhook event has no effect in current state",
					"event_id", e.ExternalID, "type", e.Type, "state", from)
				return &ApplyResult{Sub: sub, From: from, To: from, Applied: false}, nil
			}
			return nil, err
		}

		if e.PeriodStart != nil {
			sub.CurrentPeriodStart = *e.PeriodStart
		}
		if e.PeriodEnd != nil {
			sub.CurrentPeriodEnd = *e.PeriodEnd
		}
		sub.LastEventAt = e.OccurredAt
		sub.UpdatedAt = s.now()

		if err := s.store.UpdateFrom(ctx, sub, from); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}

		s.log.InfoContext(ctx, "webhook event applied",
			"event_id", e.ExternalID, "subscription_id", sub.ID, "from", from, "to", sub.Status)
		return &ApplyResult{Sub: sub, From: from, To: sub.Status, Applied: true}, nil
	}
	return nil, lastErr
}

// lookup resolves the event's subscription reference. Processors that open
// subscriptions through hosted checkout (Paddle) reference the checkout
// transaction until the first subscription-scoped event arrives; rows still
// holding that reference are found by the event's transaction link and
// relinked to the durable subscription ID, which UpdateFrom then persists.
func (s *Service) lookup(ctx context.Context, e *ProviderEvent) (*Subscription, error) {
	sub, err := s.store.GetByProviderSubID(ctx, e.SubscriptionID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) || e.TransactionID == "" {
		return nil, err
	}

	sub, err = s.store.GetByProviderSubID(ctx, e.TransactionID)
	if err != nil {
		return nil, err
	}
	if e.SubscriptionID != "" {
		s.log.InfoContext(ctx, "relinked subscription to processor ID",
			"subscription_id", sub.ID, "transaction_id", e.TransactionID, "provider_sub_id", e.SubscriptionID)
		sub.ProviderSubID = e.SubscriptionID
	}
	return sub, nil
}

// resolve runs the transition table and moves sub to the resolved target.
func (s *Service) resolve(ctx context.Context, sub *Subscription, trigger Trigger, data *transitionData) error {
	target, err := s.table.Resolve(ctx, sub.Status, trigger, data)
	if err != nil {
		return err
	}
	sub.Status = Status(target.Name())
	return nil
}

// reasonFor produces user-facing copy for rejected commands.
func reasonFor(from Status, trigger Trigger) string {
	switch trigger {
	case TriggerReactivate:
		if from == StatusActive || from == StatusTrialing {
			return "your subscription is not scheduled for cancellation"
		}
		return "this subscription can no longer be reactivated"
	case TriggerCancelNow, TriggerCancelAtPeriodEnd:
		if from.IsTerminal() {
			return "this subscription is already canceled"
		}
		return "your subscription cannot be canceled in its current state"
	case TriggerChangePlan:
		return "plan changes require an active subscription"
	default:
		return fmt.Sprintf("operation not allowed while subscription is %s", from)
	}
}
