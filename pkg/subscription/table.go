package subscription

import (
	"context"
	"time"

	"github.com/cataloghq/billing/pkg/statemachine"
)

// transitionData is the payload threaded through guards and actions. Actions
// mutate the in-memory subscription; the caller persists the result under a
// conditional write so racing writers cannot corrupt state.
type transitionData struct {
	sub         *Subscription
	now         time.Time
	reason      string        // failure reason for payment-failure triggers
	graceWindow time.Duration // how long past_due may linger before unpaid
	trialDays   int           // trial length for creation triggers
}

// newTransitionTable builds the authoritative lifecycle table. Commands only
// ever request intents from the processor; whether a charge succeeded is a
// fact that arrives exclusively through webhook triggers, so the table is the
// single place where both kinds of causes meet.
func newTransitionTable() *statemachine.Machine {
	return statemachine.MustNew(
		// Creation.
		statemachine.Transition{
			From: StatusNone, To: StatusTrialing, Event: TriggerCreateTrial,
			Actions: []statemachine.Action{startTrial},
		},
		statemachine.Transition{
			From: StatusNone, To: StatusActive, Event: TriggerCreateDirect,
		},

		// Payment facts.
		statemachine.Transition{
			From: StatusTrialing, To: StatusPastDue, Event: TriggerTrialWillEnd,
			Actions: []statemachine.Action{recordFailure},
		},
		statemachine.Transition{
			From: StatusTrialing, To: StatusActive, Event: TriggerInvoicePaid,
			Actions: []statemachine.Action{clearFailure},
		},
		statemachine.Transition{
			From: StatusActive, To: StatusActive, Event: TriggerInvoicePaid,
			Actions: []statemachine.Action{clearFailure},
		},
		statemachine.Transition{
			From: StatusActive, To: StatusPastDue, Event: TriggerPaymentFailed,
			Actions: []statemachine.Action{recordFailure},
		},
		statemachine.Transition{
			From: StatusPastDue, To: StatusActive, Event: TriggerInvoicePaid,
			Actions: []statemachine.Action{clearFailure},
		},
		statemachine.Transition{
			From: StatusPastDue, To: StatusPastDue, Event: TriggerPaymentFailed,
			Actions: []statemachine.Action{recordFailure},
		},

		// Grace exhaustion.
		statemachine.Transition{
			From: StatusPastDue, To: StatusUnpaid, Event: TriggerGraceElapsed,
			Guards: []statemachine.Guard{graceElapsed},
		},
		statemachine.Transition{
			From: StatusUnpaid, To: StatusIncompleteExpired, Event: TriggerExpired,
		},

		// Cancellation.
		statemachine.Transition{
			From: StatusActive, To: StatusCanceled, Event: TriggerCancelNow,
			Actions: []statemachine.Action{finalizeCancel},
		},
		statemachine.Transition{
			From: StatusTrialing, To: StatusCanceled, Event: TriggerCancelNow,
			Actions: []statemachine.Action{finalizeCancel},
		},
		statemachine.Transition{
			From: StatusPastDue, To: StatusCanceled, Event: TriggerCancelNow,
			Actions: []statemachine.Action{finalizeCancel},
		},
		statemachine.Transition{
			From: StatusActive, To: StatusCanceledScheduled, Event: TriggerCancelAtPeriodEnd,
			Actions: []statemachine.Action{scheduleCancel},
		},
		statemachine.Transition{
			From: StatusTrialing, To: StatusCanceledScheduled, Event: TriggerCancelAtPeriodEnd,
			Actions: []statemachine.Action{scheduleCancel},
		},
		statemachine.Transition{
			From: StatusPastDue, To: StatusCanceledScheduled, Event: TriggerCancelAtPeriodEnd,
			Actions: []statemachine.Action{scheduleCancel},
		},
		statemachine.Transition{
			From: StatusCanceledScheduled, To: StatusCanceled, Event: TriggerPeriodEnded,
			Actions: []statemachine.Action{finalizeCancel},
		},

		// Reactivation restores whatever state the scheduled cancel came
		// from; guard-based branching selects the matching target.
		statemachine.Transition{
			From: StatusCanceledScheduled, To: StatusTrialing, Event: TriggerReactivate,
			Guards:  []statemachine.Guard{priorStatusIs(StatusTrialing)},
			Actions: []statemachine.Action{clearScheduledCancel},
		},
		statemachine.Transition{
			From: StatusCanceledScheduled, To: StatusPastDue, Event: TriggerReactivate,
			Guards:  []statemachine.Guard{priorStatusIs(StatusPastDue)},
			Actions: []statemachine.Action{clearScheduledCancel},
		},
		statemachine.Transition{
			From: StatusCanceledScheduled, To: StatusActive, Event: TriggerReactivate,
			Actions: []statemachine.Action{clearScheduledCancel},
		},

		// Plan change keeps the subscription active; proration is the
		// processor's business.
		statemachine.Transition{
			From: StatusActive, To: StatusActive, Event: TriggerChangePlan,
		},

		// Recovery: a replacement subscription finalizes the failed one.
		statemachine.Transition{
			From: StatusPastDue, To: StatusIncompleteExpired, Event: TriggerSuperseded,
		},
		statemachine.Transition{
			From: StatusUnpaid, To: StatusIncompleteExpired, Event: TriggerSuperseded,
		},
	)
}

func startTrial(_ context.Context, _, _ statemachine.State, _ statemachine.Event, data any) error {
	d := data.(*transitionData)
	start := d.now
	end := start.AddDate(0, 0, d.trialDays)
	d.sub.TrialStartsAt = &start
	d.sub.TrialEndsAt = &end
	d.sub.TrialUsed = true
	return nil
}

func recordFailure(_ context.Context, _, _ statemachine.State, _ statemachine.Event, data any) error {
	d := data.(*transitionData)
	reason := d.reason
	if reason == "" {
		reason = "payment failed"
	}
	d.sub.LastFailureReason = &reason
	// The grace deadline is anchored at the first failure of the cycle and
	// not pushed out by repeated declines.
	if d.sub.GraceDeadline == nil {
		deadline := d.now.Add(d.graceWindow)
		d.sub.GraceDeadline = &deadline
	}
	return nil
}

func clearFailure(_ context.Context, _, _ statemachine.State, _ statemachine.Event, data any) error {
	d := data.(*transitionData)
	d.sub.LastFailureReason = nil
	d.sub.GraceDeadline = nil
	return nil
}

func scheduleCancel(_ context.Context, from, _ statemachine.State, _ statemachine.Event, data any) error {
	d := data.(*transitionData)
	prior := Status(from.Name())
	d.sub.CancelAtPeriodEnd = true
	d.sub.PriorStatus = &prior
	return nil
}

func clearScheduledCancel(_ context.Context, _, _ statemachine.State, _ statemachine.Event, data any) error {
	d := data.(*transitionData)
	d.sub.CancelAtPeriodEnd = false
	d.sub.PriorStatus = nil
	return nil
}

func finalizeCancel(_ context.Context, _, _ statemachine.State, _ statemachine.Event, data any) error {
	d := data.(*transitionData)
	d.sub.CancelAtPeriodEnd = false
	d.sub.PriorStatus = nil
	return nil
}

func graceElapsed(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
	d := data.(*transitionData)
	return d.sub.GraceDeadline != nil && d.now.After(*d.sub.GraceDeadline)
}

func priorStatusIs(want Status) statemachine.Guard {
	return func(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
		d := data.(*transitionData)
		return d.sub.PriorStatus != nil && *d.sub.PriorStatus == want
	}
}
