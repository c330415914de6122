package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/outbox"
)

type postgresRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &postgresRepo{pool: pool, logger: logger.Named("order_repo")}
}

const orderColumns = `
id::text, number, total_cents, currency, status, payment_status, captured_cents, refunded_cents,
shipping_address, COALESCE(buyer_user_id, ''), COALESCE(guest_name, ''), COALESCE(guest_email, ''),
COALESCE(guest_phone, ''), admin_notes, review_reason, version, created_at, updated_at`

func (r *postgresRepo) Create(ctx context.Context, o domain.Order) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const q = `
INSERT INTO orders (id, number, total_cents, currency, status, payment_status, captured_cents, refunded_cents,
    shipping_address, buyer_user_id, guest_name, guest_email, guest_phone, admin_notes, review_reason,
    version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''),
    $14, $15, $16, $17, $18)
`
	_, err = tx.Exec(ctx, q,
		o.ID, o.Number, o.TotalCents, o.Currency, o.Status, o.PaymentStatus, o.CapturedCents, o.RefundedCents,
		o.ShippingAddress, o.Buyer.UserID, o.Buyer.GuestName, o.Buyer.GuestEmail, o.Buyer.GuestPhone,
		o.AdminNotes, o.ReviewReason, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			r.logger.Debug("order_number_collision", zap.String("number", o.Number))
			return domain.ErrAlreadyExists
		}
		return err
	}

	batch := &pgx.Batch{}
	for i, l := range o.Lines {
		batch.Queue(`
INSERT INTO order_lines (order_id, position, product_id, title, unit_price_cents, quantity, subtotal_cents)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, o.ID, i, l.ProductID, l.Title, l.UnitPriceCents, l.Quantity, l.SubtotalCents)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order lines: %w", err)
	}

	ev, err := outbox.NewOrderEvent(ctx, o, nil)
	if err != nil {
		return err
	}
	if err := outbox.Insert(ctx, tx, ev); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	r.logger.Info("order_created", zap.String("order_id", o.ID), zap.String("number", o.Number))
	return nil
}

func (r *postgresRepo) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	return r.fetch(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *postgresRepo) GetByNumber(ctx context.Context, number string) (*domain.Order, error) {
	return r.fetch(ctx, `SELECT `+orderColumns+` FROM orders WHERE number = $1`, number)
}

func (r *postgresRepo) fetch(ctx context.Context, q string, arg string) (*domain.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	lines, err := r.lines(ctx, []string{o.ID})
	if err != nil {
		return nil, err
	}
	o.Lines = lines[o.ID]
	return &o, nil
}

func (r *postgresRepo) List(ctx context.Context, filter domain.OrderFilter, page domain.Page) ([]domain.Order, int, error) {
	page = page.Normalize()
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.PaymentStatus != "" {
		add("payment_status = $%d", filter.PaymentStatus)
	}
	if filter.ReviewOnly {
		where = append(where, "review_reason <> ''")
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+q+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(number ILIKE $%d OR guest_email ILIKE $%d OR guest_name ILIKE $%d)", n, n, n))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Size, page.Offset())
	q := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		orderColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []domain.Order
	var ids []string
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return result, total, nil
	}

	lines, err := r.lines(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range result {
		result[i].Lines = lines[result[i].ID]
	}
	return result, total, nil
}

func (r *postgresRepo) Update(ctx context.Context, o domain.Order, expectedVersion int64, audit domain.AuditEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE orders
SET status = $3,
    payment_status = $4,
    captured_cents = $5,
    refunded_cents = $6,
    admin_notes = $7,
    review_reason = $8,
    version = $9,
    updated_at = $10
WHERE id = $1 AND version = $2
`
	cmd, err := tx.Exec(ctx, q, o.ID, expectedVersion, o.Status, o.PaymentStatus, o.CapturedCents, o.RefundedCents,
		o.AdminNotes, o.ReviewReason, o.Version, o.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		r.logger.Debug("order_stale_version", zap.String("order_id", o.ID), zap.Int64("expected_version", expectedVersion))
		return domain.ErrStaleVersion
	}

	const auditQ = `
INSERT INTO order_audit (order_id, version, event, actor, old_status, new_status, old_payment_status,
    new_payment_status, note, override, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	if _, err := tx.Exec(ctx, auditQ, audit.OrderID, audit.Version, audit.Event, audit.Actor, audit.OldStatus,
		audit.NewStatus, audit.OldPaymentStatus, audit.NewPaymentStatus, audit.Note, audit.Override, audit.At); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}

	ev, err := outbox.NewOrderEvent(ctx, o, &audit)
	if err != nil {
		return err
	}
	if err := outbox.Insert(ctx, tx, ev); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *postgresRepo) Audit(ctx context.Context, orderID string) ([]domain.AuditEntry, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, domain.ErrNotFound
	}
	const q = `
SELECT order_id::text, version, event, actor, old_status, new_status, old_payment_status, new_payment_status,
    note, override, created_at
FROM order_audit
WHERE order_id = $1
ORDER BY version
`
	rows, err := r.pool.Query(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		if err := rows.Scan(&a.OrderID, &a.Version, &a.Event, &a.Actor, &a.OldStatus, &a.NewStatus,
			&a.OldPaymentStatus, &a.NewPaymentStatus, &a.Note, &a.Override, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *postgresRepo) lines(ctx context.Context, orderIDs []string) (map[string][]domain.LineItem, error) {
	const q = `
SELECT order_id::text, product_id, title, unit_price_cents, quantity, subtotal_cents
FROM order_lines
WHERE order_id = ANY($1::uuid[])
ORDER BY order_id, position
`
	rows, err := r.pool.Query(ctx, q, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.LineItem, len(orderIDs))
	for rows.Next() {
		var id string
		var l domain.LineItem
		if err := rows.Scan(&id, &l.ProductID, &l.Title, &l.UnitPriceCents, &l.Quantity, &l.SubtotalCents); err != nil {
			return nil, err
		}
		out[id] = append(out[id], l)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID, &o.Number, &o.TotalCents, &o.Currency, &o.Status, &o.PaymentStatus, &o.CapturedCents, &o.RefundedCents,
		&o.ShippingAddress, &o.Buyer.UserID, &o.Buyer.GuestName, &o.Buyer.GuestEmail, &o.Buyer.GuestPhone,
		&o.AdminNotes, &o.ReviewReason, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}
