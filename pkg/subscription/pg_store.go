package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cataloghq/billing/pkg/pg"
)

// PGStore implements Store on PostgreSQL. The one-current-subscription
// invariant is enforced by a partial unique index on account_id over
// non-terminal statuses, and UpdateFrom is a single conditional UPDATE so a
// losing writer observes zero affected rows instead of partial state.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed subscription store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	if pool == nil {
		panic("subscription: pgx pool is required")
	}
	return &PGStore{pool: pool}
}

const subscriptionColumns = `
	id, account_id, plan_id, status, provider_sub_id, provider_customer_id,
	current_period_start, current_period_end, cancel_at_period_end, prior_status,
	trial_starts_at, trial_ends_at, trial_used,
	last_failure_reason, grace_deadline, last_event_at,
	version, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, sub *Subscription) error {
	const q = `
		INSERT INTO subscriptions (
			id, account_id, plan_id, status, provider_sub_id, provider_customer_id,
			current_period_start, current_period_end, cancel_at_period_end, prior_status,
			trial_starts_at, trial_ends_at, trial_used,
			last_failure_reason, grace_deadline, last_event_at,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1,$17,$18)`

	_, err := s.pool.Exec(ctx, q,
		sub.ID, sub.AccountID, sub.PlanID, sub.Status, sub.ProviderSubID, sub.ProviderCustomerID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.PriorStatus,
		sub.TrialStartsAt, sub.TrialEndsAt, sub.TrialUsed,
		sub.LastFailureReason, sub.GraceDeadline, sub.LastEventAt,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrAlreadySubscribed
		}
		return err
	}
	sub.Version = 1
	return nil
}

func (s *PGStore) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return s.one(ctx, q, id)
}

func (s *PGStore) GetCurrent(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	// Non-terminal row wins; among terminal ones the most recent.
	const q = `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE account_id = $1
		ORDER BY (status NOT IN ('canceled','incomplete_expired')) DESC, updated_at DESC
		LIMIT 1`
	return s.one(ctx, q, accountID)
}

func (s *PGStore) GetByProviderSubID(ctx context.Context, providerSubID string) (*Subscription, error) {
	if providerSubID == "" {
		return nil, ErrSubscriptionNotFound
	}
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider_sub_id = $1`
	return s.one(ctx, q, providerSubID)
}

func (s *PGStore) UpdateFrom(ctx context.Context, sub *Subscription, expected Status) error {
	const q = `
		UPDATE subscriptions SET
			plan_id = $1, status = $2, provider_sub_id = $3, provider_customer_id = $4,
			current_period_start = $5, current_period_end = $6,
			cancel_at_period_end = $7, prior_status = $8,
			trial_starts_at = $9, trial_ends_at = $10, trial_used = $11,
			last_failure_reason = $12, grace_deadline = $13, last_event_at = $14,
			version = version + 1, updated_at = $15
		WHERE id = $16 AND status = $17 AND version = $18`

	tag, err := s.pool.Exec(ctx, q,
		sub.PlanID, sub.Status, sub.ProviderSubID, sub.ProviderCustomerID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.PriorStatus,
		sub.TrialStartsAt, sub.TrialEndsAt, sub.TrialUsed,
		sub.LastFailureReason, sub.GraceDeadline, sub.LastEventAt,
		sub.UpdatedAt,
		sub.ID, expected, sub.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	sub.Version++
	return nil
}

func (s *PGStore) HasTrialUsed(ctx context.Context, accountID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE account_id = $1 AND trial_used)`
	var used bool
	if err := s.pool.QueryRow(ctx, q, accountID).Scan(&used); err != nil {
		return false, err
	}
	return used, nil
}

func (s *PGStore) ListIncomplete(ctx context.Context, accountID uuid.UUID) ([]Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE account_id = $1 AND (
			status IN ('incomplete_expired','unpaid')
			OR (status = 'past_due' AND grace_deadline IS NOT NULL AND grace_deadline < now())
		)
		ORDER BY updated_at DESC`
	return s.list(ctx, q, accountID)
}

func (s *PGStore) ListPastDueBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'past_due' AND grace_deadline IS NOT NULL AND grace_deadline < $1
		ORDER BY updated_at DESC`
	return s.list(ctx, q, cutoff)
}

func (s *PGStore) ListUnpaid(ctx context.Context) ([]Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + `
		FROM subscriptions WHERE status = 'unpaid' ORDER BY updated_at DESC`
	return s.list(ctx, q)
}

func (s *PGStore) one(ctx context.Context, q string, args ...any) (*Subscription, error) {
	row := s.pool.QueryRow(ctx, q, args...)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

func (s *PGStore) list(ctx context.Context, q string, args ...any) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.ID, &sub.AccountID, &sub.PlanID, &sub.Status, &sub.ProviderSubID, &sub.ProviderCustomerID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.PriorStatus,
		&sub.TrialStartsAt, &sub.TrialEndsAt, &sub.TrialUsed,
		&sub.LastFailureReason, &sub.GraceDeadline, &sub.LastEventAt,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// PGAccountStore implements AccountStore on the accounts table.
type PGAccountStore struct {
	pool *pgxpool.Pool
}

func NewPGAccountStore(pool *pgxpool.Pool) *PGAccountStore {
	if pool == nil {
		panic("subscription: pgx pool is required")
	}
	return &PGAccountStore{pool: pool}
}

func (s *PGAccountStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	const q = `SELECT id, email, deactivated, created_at FROM accounts WHERE id = $1`
	var a Account
	err := s.pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.Email, &a.Deactivated, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}
