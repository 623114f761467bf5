package subscription

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAlreadySubscribed    = errors.New("account already has a current subscription")
	// ErrConflict means a conditional write lost a race against a concurrent
	// writer (usually a webhook). The caller should re-read and retry or
	// reject; state is never partially applied.
	ErrConflict = errors.New("subscription was modified concurrently")
	// ErrUnknownSubscription marks webhook events referencing a provider
	// subscription this service has no record of. Logged and discarded, not
	// an error path: it happens during migrations and backfills.
	ErrUnknownSubscription = errors.New("unknown provider subscription reference")
	// ErrProcessorUnavailable is transient: the payment processor call
	// failed or the circuit breaker is open. Callers may retry.
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
	// ErrPaymentUpdateRequired means a retry cannot succeed until the
	// customer updates their payment method with the processor.
	ErrPaymentUpdateRequired = errors.New("payment method update required")
)

// InvalidTransitionError rejects a command issued from a state the
// transition table does not allow. The Reason string is written to be usable
// directly as user-facing copy.
type InvalidTransitionError struct {
	From    Status
	Trigger Trigger
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition from %s: %s", e.From, e.Reason)
	}
	return fmt.Sprintf("invalid transition: %s not allowed from %s", e.Trigger, e.From)
}

func newInvalidTransition(from Status, trigger Trigger, reason string) *InvalidTransitionError {
	return &InvalidTransitionError{From: from, Trigger: trigger, Reason: reason}
}

// IsInvalidTransition reports whether err rejects a disallowed command.
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// NotEligibleError rejects a trial request with a machine-readable reason so
// the UI can offer the direct-subscribe fallback.
type NotEligibleError struct {
	Reason EligibilityReason
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("not eligible for trial: %s", e.Reason)
}

// IsNotEligible reports whether err is a trial eligibility rejection.
func IsNotEligible(err error) bool {
	var e *NotEligibleError
	return errors.As(err, &e)
}
