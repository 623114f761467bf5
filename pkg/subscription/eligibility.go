package subscription

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// EligibilityReason is a machine-readable reason a trial was refused. The UI
// maps it to copy and may offer the direct-subscribe fallback.
type EligibilityReason string

const (
	ReasonAlreadyUsed               EligibilityReason = "already_used"
	ReasonHasActiveSubscription     EligibilityReason = "has_active_subscription"
	ReasonHasIncompleteSubscription EligibilityReason = "has_incomplete_subscription"
	ReasonPlanHasNoTrial            EligibilityReason = "plan_has_no_trial"
)

// Eligibility is the server-side answer to "can this account start a trial
// of this plan". It is computed from persisted history and never trusted
// from client input; privileged commands re-verify it regardless of what the
// client already checked.
type Eligibility struct {
	Eligible bool
	Reason   EligibilityReason
}

// CheckEligibility applies the trial rule: eligible iff the plan offers a
// trial, no subscription of this account ever consumed one, and the account
// has no current (non-terminal) subscription.
func (s *Service) CheckEligibility(ctx context.Context, accountID uuid.UUID, planID string) (Eligibility, error) {
	p, err := s.catalog.GetPlan(planID)
	if err != nil {
		return Eligibility{}, err
	}
	if !p.HasTrial() {
		return Eligibility{Eligible: false, Reason: ReasonPlanHasNoTrial}, nil
	}

	used, err := s.store.HasTrialUsed(ctx, accountID)
	if err != nil {
		return Eligibility{}, err
	}
	if used {
		return Eligibility{Eligible: false, Reason: ReasonAlreadyUsed}, nil
	}

	current, err := s.store.GetCurrent(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return Eligibility{Eligible: true}, nil
		}
		return Eligibility{}, err
	}
	if current.IsCurrent() {
		if current.IsIncomplete(s.now()) {
			return Eligibility{Eligible: false, Reason: ReasonHasIncompleteSubscription}, nil
		}
		return Eligibility{Eligible: false, Reason: ReasonHasActiveSubscription}, nil
	}
	return Eligibility{Eligible: true}, nil
}
