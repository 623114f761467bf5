package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines subscription persistence. Implementations must make
// UpdateFrom an atomic conditional write: all transitions for one
// subscription serialize through its row, and a writer whose precondition no
// longer matches loses with ErrConflict instead of corrupting state.
type Store interface {
	// Create inserts a new subscription. Returns ErrAlreadySubscribed when
	// the account already owns a non-terminal subscription.
	Create(ctx context.Context, sub *Subscription) error

	// GetByID returns a subscription by its internal ID.
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// GetCurrent returns the account's most recent subscription, terminal or
	// not. Returns ErrSubscriptionNotFound when the account has none at all.
	GetCurrent(ctx context.Context, accountID uuid.UUID) (*Subscription, error)

	// GetByProviderSubID locates a subscription by the processor's
	// subscription ID. Webhook events reference subscriptions this way so
	// historical rows of the same account stay addressable.
	GetByProviderSubID(ctx context.Context, providerSubID string) (*Subscription, error)

	// UpdateFrom persists sub only if the stored row still has the expected
	// status and sub's loaded version. Bumps Version on success; returns
	// ErrConflict when the precondition no longer holds.
	UpdateFrom(ctx context.Context, sub *Subscription, expected Status) error

	// HasTrialUsed reports whether any subscription in the account's history
	// ever consumed the trial.
	HasTrialUsed(ctx context.Context, accountID uuid.UUID) (bool, error)

	// ListIncomplete returns the account's subscriptions sitting in a
	// failure state the recovery manager should surface.
	ListIncomplete(ctx context.Context, accountID uuid.UUID) ([]Subscription, error)

	// ListPastDueBefore returns past_due subscriptions whose grace deadline
	// elapsed before cutoff. Consumed by the grace sweeper.
	ListPastDueBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error)

	// ListUnpaid returns all subscriptions in unpaid state.
	ListUnpaid(ctx context.Context) ([]Subscription, error)
}

// AccountStore provides the minimal account directory billing needs: a
// contact address for dunning email. Account management itself lives
// upstream.
type AccountStore interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
}
