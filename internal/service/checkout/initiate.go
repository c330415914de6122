package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/payment"
)

const claimAttempts = 3

// InitiatePayment starts, or returns the already started, payment attempt for
// an order. The ledger row is written before the provider is called so that a
// second request for the same order can never open a second attempt.
func (s *Service) InitiatePayment(ctx context.Context, orderID string, provider domain.ProviderName) (*ProviderAction, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.InitiatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("payment.provider", string(provider)))

	p, err := s.providers.Get(provider)
	if err != nil {
		return nil, spanErr(span, err)
	}

	for i := 0; i < claimAttempts; i++ {
		o, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, spanErr(span, err)
		}
		if err := payable(o); err != nil {
			return nil, spanErr(span, err)
		}

		existing, err := s.ledger.FindInFlight(ctx, orderID)
		switch {
		case err == nil:
			action, err := s.reuse(ctx, existing, provider)
			if errors.Is(err, domain.ErrStaleStatus) {
				continue
			}
			if err != nil {
				return nil, spanErr(span, err)
			}
			if action != nil {
				s.metrics.PaymentInitiation(string(provider), "reused")
				return action, nil
			}
		case !errors.Is(err, domain.ErrNotFound):
			return nil, spanErr(span, fmt.Errorf("find in-flight payment: %w", err))
		}

		now := s.now()
		tx := domain.PaymentTransaction{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			Provider:    provider,
			AmountCents: o.OutstandingCents(),
			Currency:    o.Currency,
			Status:      domain.TxInitiated,
			Kind:        domain.TxKindPayment,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.opts.AttemptTTL),
		}
		if err := s.ledger.Create(ctx, tx); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			return nil, spanErr(span, fmt.Errorf("record payment attempt: %w", err))
		}

		action, err := s.initiate(ctx, p, *o, tx)
		if err != nil {
			return nil, spanErr(span, err)
		}
		return action, nil
	}
	return nil, spanErr(span, domain.ErrAttemptInProgress)
}

// reuse decides what to do with an in-flight attempt. A nil action with a nil
// error means the attempt was expired and a new one may be claimed.
func (s *Service) reuse(ctx context.Context, tx *domain.PaymentTransaction, provider domain.ProviderName) (*ProviderAction, error) {
	now := s.now()
	if tx.Expired(now) {
		err := s.ledger.Resolve(ctx, tx.ID, domain.TxResolution{
			From:          tx.Status,
			To:            domain.TxFailed,
			FailureReason: "expired",
			At:            now,
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("payment_attempt_expired", zap.String("order_id", tx.OrderID), zap.String("transaction_id", tx.ID))
		return nil, nil
	}
	if tx.Provider != provider || tx.Action == nil {
		return nil, fmt.Errorf("%w: %s attempt %s is still open", domain.ErrAttemptInProgress, tx.Provider, tx.ID)
	}
	return toAction(*tx), nil
}

func (s *Service) initiate(ctx context.Context, p payment.Provider, o domain.Order, tx domain.PaymentTransaction) (*ProviderAction, error) {
	base := s.opts.PublicBaseURL + "/api/payments/" + string(p.Name())
	req := payment.InitiateRequest{
		TransactionID: tx.ID,
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		AmountCents:   tx.AmountCents,
		Currency:      tx.Currency,
		ReturnURL:     base + "/return",
		CancelURL:     base + "/return",
	}

	var (
		res payment.InitiationResult
		err error
	)
	for attempt := 0; attempt < s.opts.ProviderMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.opts.BackoffBase << (attempt - 1)
			s.logger.Warn("provider_initiate_retry",
				zap.String("provider", string(p.Name())),
				zap.String("transaction_id", tx.ID),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if serr := s.sleep(ctx, delay); serr != nil {
				err = serr
				break
			}
		}
		res, err = p.Initiate(ctx, req)
		if err == nil || !errors.Is(err, domain.ErrProviderUnavailable) {
			break
		}
	}
	if err == nil {
		err = s.ledger.SetAction(ctx, tx.ID, res.Reference, res.Action)
		if errors.Is(err, domain.ErrDuplicateReference) {
			err = fmt.Errorf("%w: %s reused reference %s", domain.ErrProviderRejected, p.Name(), res.Reference)
		}
	}
	if err != nil {
		s.fail(ctx, tx, err)
		return nil, err
	}

	s.metrics.PaymentInitiation(string(p.Name()), "initiated")
	s.logger.Info("payment_initiated",
		zap.String("order_id", o.ID),
		zap.String("transaction_id", tx.ID),
		zap.String("provider", string(p.Name())),
		zap.String("reference", res.Reference),
		zap.Int64("amount_cents", tx.AmountCents),
	)
	ref := res.Reference
	tx.Reference = &ref
	tx.Action = &res.Action
	tx.Status = domain.TxPendingConfirmation
	return toAction(tx), nil
}

// fail closes an attempt whose initiation did not complete so the buyer can
// retry right away.
func (s *Service) fail(ctx context.Context, tx domain.PaymentTransaction, cause error) {
	outcome := "rejected"
	if errors.Is(cause, domain.ErrProviderUnavailable) || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		outcome = "unavailable"
	}
	s.metrics.PaymentInitiation(string(tx.Provider), outcome)
	s.logger.Warn("payment_initiation_failed",
		zap.String("order_id", tx.OrderID),
		zap.String("transaction_id", tx.ID),
		zap.String("provider", string(tx.Provider)),
		zap.Error(cause),
	)

	// The request context may already be gone; the ledger row must still close.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.ledger.Resolve(ctx, tx.ID, domain.TxResolution{
		From:          domain.TxInitiated,
		To:            domain.TxFailed,
		FailureReason: "initiation_" + outcome,
		At:            s.now(),
	})
	if err != nil {
		s.logger.Error("close_failed_attempt", zap.String("transaction_id", tx.ID), zap.Error(err))
	}
}

func payable(o *domain.Order) error {
	if o.Status != domain.StatusAwaitingPayment {
		return fmt.Errorf("%w: order is %s", domain.ErrOrderNotPayable, o.Status)
	}
	if o.PaymentStatus == domain.PaymentPaid || o.PaymentStatus == domain.PaymentRefunded || o.OutstandingCents() == 0 {
		return fmt.Errorf("%w: payment is %s", domain.ErrOrderNotPayable, o.PaymentStatus)
	}
	return nil
}

func toAction(tx domain.PaymentTransaction) *ProviderAction {
	a := &ProviderAction{
		TransactionID: tx.ID,
		Provider:      tx.Provider,
		Reference:     tx.ReferenceValue(),
		ExpiresAt:     tx.ExpiresAt,
	}
	if tx.Action != nil {
		a.Kind = tx.Action.Kind
		a.RedirectURL = tx.Action.RedirectURL
		a.Form = tx.Action.Form
	}
	return a
}
