package webhook

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGEventStore implements EventStore on PostgreSQL. The unique constraint on
// external_id is the durable idempotency barrier; Claim and Release are
// single-row conditional updates on processed_at.
type PGEventStore struct {
	pool *pgxpool.Pool
}

// NewPGEventStore creates a Postgres-backed webhook event store.
func NewPGEventStore(pool *pgxpool.Pool) *PGEventStore {
	if pool == nil {
		panic("webhook: pgx pool is required")
	}
	return &PGEventStore{pool: pool}
}

func (s *PGEventStore) Insert(ctx context.Context, event *Event) (bool, error) {
	const q = `
		INSERT INTO webhook_events (
			external_id, provider, type, provider_sub_id, transaction_id,
			occurred_at, failure_reason, has_payment_method, period_start,
			period_end, payload, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (external_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q,
		event.ExternalID, event.Provider, event.Type, event.ProviderSubID, event.TransactionID,
		event.OccurredAt, event.FailureReason, event.HasPaymentMethod, event.PeriodStart,
		event.PeriodEnd, event.Payload, event.ReceivedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGEventStore) Claim(ctx context.Context, externalID string) (bool, error) {
	const q = `
		UPDATE webhook_events
		SET processed_at = now(), processing_error = NULL
		WHERE external_id = $1 AND processed_at IS NULL`

	tag, err := s.pool.Exec(ctx, q, externalID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGEventStore) Release(ctx context.Context, externalID string, processingError string) error {
	const q = `
		UPDATE webhook_events
		SET processed_at = NULL, processing_error = $2
		WHERE external_id = $1`

	_, err := s.pool.Exec(ctx, q, externalID, processingError)
	return err
}

func (s *PGEventStore) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]Event, error) {
	const q = `
		SELECT external_id, provider, type, provider_sub_id, transaction_id,
			occurred_at, failure_reason, has_payment_method, period_start,
			period_end, payload, received_at, processed_at, processing_error
		FROM webhook_events
		WHERE processed_at IS NULL AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.ExternalID, &ev.Provider, &ev.Type, &ev.ProviderSubID, &ev.TransactionID,
			&ev.OccurredAt, &ev.FailureReason, &ev.HasPaymentMethod, &ev.PeriodStart,
			&ev.PeriodEnd, &ev.Payload, &ev.ReceivedAt, &ev.ProcessedAt, &ev.ProcessingError,
		); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
