package order

import (
	"context"

	"marketplace-checkout/internal/domain"
)

// Repository persists order aggregates. Every state change goes through
// Update, a compare-and-set on the version that writes the audit entry and
// the outbox event atomically with the order row.
type Repository interface {
	// Create inserts a version 0 order. A number collision returns ErrAlreadyExists.
	Create(ctx context.Context, o domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	GetByNumber(ctx context.Context, number string) (*domain.Order, error)
	List(ctx context.Context, filter domain.OrderFilter, page domain.Page) ([]domain.Order, int, error)
	// Update stores o when the stored version still equals expectedVersion,
	// otherwise it returns ErrStaleVersion.
	Update(ctx context.Context, o domain.Order, expectedVersion int64, audit domain.AuditEntry) error
	Audit(ctx context.Context, orderID string) ([]domain.AuditEntry, error)
}
