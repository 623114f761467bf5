package subscription

import "github.com/cataloghq/billing/pkg/statemachine"

// Status represents the lifecycle state of a subscription.
type Status string

const (
	// StatusNone is the virtual state of an account with no current
	// subscription. It is never persisted; it exists so creation commands
	// resolve through the same transition table as everything else.
	StatusNone Status = "none"

	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	// StatusUnpaid marks a subscription whose grace window elapsed while
	// payment kept failing. No automatic retries remain.
	StatusUnpaid Status = "unpaid"
	// StatusIncompleteExpired is terminal: the subscription failed before
	// ever (re)activating and is unrecoverable in place. The recovery
	// manager offers a new-subscription path instead.
	StatusIncompleteExpired Status = "incomplete_expired"
	// StatusCanceledScheduled means cancellation takes effect at period end;
	// the subscription can still be reactivated until then.
	StatusCanceledScheduled Status = "canceled_scheduled"
	StatusCanceled          Status = "canceled"
)

func (s Status) Name() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// Trigger identifies the command or webhook fact that causes a transition.
// Every state change is caused by exactly one trigger; state is never
// inferred from polling.
type Trigger string

const (
	// Commands issued by the account holder through the API.
	TriggerCreateTrial       Trigger = "cmd_create_trial"
	TriggerCreateDirect      Trigger = "cmd_create_direct"
	TriggerCancelNow         Trigger = "cmd_cancel_now"
	TriggerCancelAtPeriodEnd Trigger = "cmd_cancel_at_period_end"
	TriggerReactivate        Trigger = "cmd_reactivate"
	TriggerChangePlan        Trigger = "cmd_change_plan"

	// Facts delivered by the payment processor via webhook.
	TriggerTrialWillEnd  Trigger = "evt_trial_will_end"
	TriggerInvoicePaid   Trigger = "evt_invoice_paid"
	TriggerPaymentFailed Trigger = "evt_payment_failed"
	TriggerPeriodEnded   Trigger = "evt_period_ended"

	// Internal facts produced by the grace sweeper.
	TriggerGraceElapsed Trigger = "grace_elapsed"
	TriggerExpired      Trigger = "expired"
	// TriggerSuperseded finalizes a failed subscription when the account
	// starts a fresh one through the recovery path.
	TriggerSuperseded Trigger = "superseded"
)

func (t Trigger) Name() string { return string(t) }

var (
	_ statemachine.State = StatusNone
	_ statemachine.Event = TriggerCreateTrial
)
