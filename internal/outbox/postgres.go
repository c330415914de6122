package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

// Insert writes an event inside the caller's transaction.
func Insert(ctx context.Context, tx pgx.Tx, ev Event) error {
	const q = `
INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, status)
VALUES ($1, $2, $3, $4, $5, 'pending')
`
	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := tx.Exec(ctx, q, ev.AggregateType, ev.AggregateID, ev.Type, ev.Payload, headers)
	return err
}

func (s *postgresStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const q = `
SELECT id, aggregate_type, aggregate_id, type, payload, headers, retry_count, created_at
FROM outbox
WHERE status = 'pending'
   OR (status = 'in_progress' AND lease_until < now())
ORDER BY id
FOR UPDATE SKIP LOCKED
LIMIT $1
`
	rows, err := tx.Query(ctx, q, batchSize)
	if err != nil {
		return nil, err
	}
	var events []Event
	for rows.Next() {
		var ev Event
		var headers map[string]string
		if err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.Type, &ev.Payload, &headers, &ev.RetryCount, &ev.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		ev.Headers = headers
		ev.Status = StatusInProgress
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	if _, err := tx.Exec(ctx, `
UPDATE outbox
SET status = 'in_progress', relay_id = $1, lease_until = now() + make_interval(secs => $2)
WHERE id = ANY($3)
`, relayID, lease.Seconds(), ids); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *postgresStore) MarkSent(ctx context.Context, ids []int64) error {
	ct, err := s.pool.Exec(ctx, `UPDATE outbox SET status = 'sent', lease_until = NULL WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errors.New("outbox: no rows marked sent")
	}
	return nil
}

// MarkFailed puts the event back in the queue until maxRetries is reached.
func (s *postgresStore) MarkFailed(ctx context.Context, id int64, errMsg string, maxRetries int) error {
	const q = `
UPDATE outbox
SET retry_count = retry_count + 1,
    last_error = $2,
    lease_until = NULL,
    status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END
WHERE id = $1
`
	_, err := s.pool.Exec(ctx, q, id, errMsg, maxRetries)
	return err
}
