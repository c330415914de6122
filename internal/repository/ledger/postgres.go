package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"marketplace-checkout/internal/domain"
)

const (
	inFlightConstraint  = "payment_transactions_inflight_key"
	referenceConstraint = "payment_transactions_reference_key"
)

type postgresRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &postgresRepo{pool: pool, logger: logger.Named("ledger_repo")}
}

const txColumns = `
id::text, order_id::text, provider, reference, amount_cents, currency, status, kind, action,
failure_reason, created_at, expires_at, resolved_at, projected_at`

func (r *postgresRepo) Create(ctx context.Context, t domain.PaymentTransaction) error {
	const q = `
INSERT INTO payment_transactions (id, order_id, provider, reference, amount_cents, currency, status, kind,
    action, failure_reason, created_at, expires_at, resolved_at, projected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`
	_, err := r.pool.Exec(ctx, q, t.ID, t.OrderID, t.Provider, t.Reference, t.AmountCents, t.Currency, t.Status,
		t.Kind, t.Action, t.FailureReason, t.CreatedAt, t.ExpiresAt, t.ResolvedAt, t.ProjectedAt)
	if err != nil {
		return mapUniqueViolation(err)
	}
	r.logger.Debug("transaction_created", zap.String("transaction_id", t.ID), zap.String("order_id", t.OrderID),
		zap.String("status", string(t.Status)))
	return nil
}

func (r *postgresRepo) GetByID(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	return r.fetchOne(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE id = $1`, id)
}

func (r *postgresRepo) GetByReference(ctx context.Context, provider domain.ProviderName, reference string) (*domain.PaymentTransaction, error) {
	return r.fetchOne(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE provider = $1 AND reference = $2`, provider, reference)
}

func (r *postgresRepo) FindInFlight(ctx context.Context, orderID string) (*domain.PaymentTransaction, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, domain.ErrNotFound
	}
	const q = `SELECT ` + txColumns + `
FROM payment_transactions
WHERE order_id = $1 AND kind = 'payment' AND status IN ('initiated', 'pending_confirmation')`
	return r.fetchOne(ctx, q, orderID)
}

func (r *postgresRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentTransaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *postgresRepo) SetReference(ctx context.Context, id, reference string) error {
	const q = `
UPDATE payment_transactions
SET reference = $2
WHERE id = $1 AND (reference IS NULL OR reference = $2)
`
	cmd, err := r.pool.Exec(ctx, q, id, reference)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if cmd.RowsAffected() == 0 {
		return r.missingOr(ctx, id, domain.ErrDuplicateReference)
	}
	return nil
}

func (r *postgresRepo) SetAction(ctx context.Context, id, reference string, action domain.PaymentAction) error {
	const q = `
UPDATE payment_transactions
SET reference = COALESCE(NULLIF($2, ''), reference),
    action = $3,
    status = CASE WHEN status = 'initiated' THEN 'pending_confirmation' ELSE status END
WHERE id = $1
`
	cmd, err := r.pool.Exec(ctx, q, id, reference, action)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *postgresRepo) Resolve(ctx context.Context, id string, res domain.TxResolution) error {
	const q = `
UPDATE payment_transactions
SET status = $3,
    amount_cents = CASE WHEN $4::bigint > 0 THEN $4::bigint ELSE amount_cents END,
    failure_reason = $5,
    resolved_at = $6
WHERE id = $1 AND status = $2
`
	cmd, err := r.pool.Exec(ctx, q, id, res.From, res.To, res.AmountCents, res.FailureReason, res.At)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return r.missingOr(ctx, id, domain.ErrStaleStatus)
	}
	r.logger.Debug("transaction_resolved", zap.String("transaction_id", id),
		zap.String("from", string(res.From)), zap.String("to", string(res.To)))
	return nil
}

func (r *postgresRepo) MarkProjected(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE payment_transactions SET projected_at = $2 WHERE id = $1 AND projected_at IS NULL`, id, at)
	return err
}

func (r *postgresRepo) fetchOne(ctx context.Context, q string, args ...any) (*domain.PaymentTransaction, error) {
	t, err := scanTx(r.pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *postgresRepo) missingOr(ctx context.Context, id string, err error) error {
	var exists bool
	if qErr := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE id = $1)`, id).Scan(&exists); qErr != nil {
		return qErr
	}
	if !exists {
		return domain.ErrNotFound
	}
	return err
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case referenceConstraint:
			return domain.ErrDuplicateReference
		case inFlightConstraint:
			return domain.ErrAlreadyExists
		}
		return domain.ErrAlreadyExists
	}
	return err
}

func scanTx(row pgx.Row) (domain.PaymentTransaction, error) {
	var t domain.PaymentTransaction
	err := row.Scan(&t.ID, &t.OrderID, &t.Provider, &t.Reference, &t.AmountCents, &t.Currency, &t.Status, &t.Kind,
		&t.Action, &t.FailureReason, &t.CreatedAt, &t.ExpiresAt, &t.ResolvedAt, &t.ProjectedAt)
	return t, err
}
