package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the authoritative billing state for one account+plan.
// It is mutated only through the transition table, in response to exactly
// one command or one webhook event, never directly by callers.
type Subscription struct {
	ID                 uuid.UUID
	AccountID          uuid.UUID
	PlanID             string
	Status             Status
	ProviderSubID      string // processor's subscription ID (empty for free plans)
	ProviderCustomerID string // processor's customer ID (cus_xxx, ctm_xxx)

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	// PriorStatus remembers the state a scheduled cancellation came from so
	// reactivation restores it exactly.
	PriorStatus *Status

	TrialStartsAt *time.Time
	TrialEndsAt   *time.Time
	// TrialUsed is sticky: it flips false->true exactly once, when the
	// account first enters trialing, and is never cleared. Eligibility
	// checks read it across the account's whole subscription history.
	TrialUsed bool

	LastFailureReason *string
	// GraceDeadline is set when payment fails; once it elapses with payment
	// still failing the subscription is promoted to unpaid.
	GraceDeadline *time.Time
	// LastEventAt records the processor timestamp of the last applied
	// webhook event. Events older than this are stale and discarded.
	LastEventAt time.Time

	// Version implements the optimistic lock: every conditional write
	// expects the loaded version and bumps it. Racing writers whose
	// precondition no longer matches lose and retry or reject.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Subscription) IsTrialing() bool { return s.Status == StatusTrialing }
func (s *Subscription) IsActive() bool   { return s.Status == StatusActive }

// IsCurrent reports whether this row still owns the account's billing state.
func (s *Subscription) IsCurrent() bool {
	return !s.Status.IsTerminal()
}

// IsIncomplete reports whether the subscription sits in a failure state the
// recovery manager should surface: terminally expired, unpaid, or past due
// with its grace window already elapsed.
func (s *Subscription) IsIncomplete(now time.Time) bool {
	switch s.Status {
	case StatusIncompleteExpired, StatusUnpaid:
		return true
	case StatusPastDue:
		return s.GraceDeadline != nil && now.After(*s.GraceDeadline)
	default:
		return false
	}
}

// TrialDaysRemainingAt returns whole days left in the trial at a given time,
// rounded up so "0.5 days" reads as 1 to the customer. Zero when not trialing.
func (s *Subscription) TrialDaysRemainingAt(now time.Time) int {
	if !s.IsTrialing() || s.TrialEndsAt == nil {
		return 0
	}
	remaining := s.TrialEndsAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Hours()/24 + 0.5)
}

// Account identifies a customer. Accounts are created at signup and never
// deleted, only deactivated; billing keeps them for dunning contact.
type Account struct {
	ID          uuid.UUID
	Email       string
	Deactivated bool
	CreatedAt   time.Time
}
