package ledger

import (
	"context"
	"time"

	"marketplace-checkout/internal/domain"
)

// Repository is the payment transaction ledger. Rows are never deleted;
// status moves only through compare-and-set updates.
type Repository interface {
	// Create inserts a transaction. A second in-flight payment for the same
	// order returns ErrAlreadyExists; a bound reference returns ErrDuplicateReference.
	Create(ctx context.Context, tx domain.PaymentTransaction) error
	GetByID(ctx context.Context, id string) (*domain.PaymentTransaction, error)
	GetByReference(ctx context.Context, provider domain.ProviderName, reference string) (*domain.PaymentTransaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error)
	// FindInFlight returns the order's initiated or pending_confirmation payment.
	FindInFlight(ctx context.Context, orderID string) (*domain.PaymentTransaction, error)
	// SetReference binds a provider reference to a transaction that has none.
	SetReference(ctx context.Context, id, reference string) error
	// SetAction stores the provider reference and client action and moves an
	// initiated transaction to pending_confirmation.
	SetAction(ctx context.Context, id, reference string, action domain.PaymentAction) error
	// Resolve applies res when the stored status still equals res.From,
	// otherwise it returns ErrStaleStatus.
	Resolve(ctx context.Context, id string, res domain.TxResolution) error
	// MarkProjected records that the outcome was applied to the order.
	MarkProjected(ctx context.Context, id string, at time.Time) error
}
