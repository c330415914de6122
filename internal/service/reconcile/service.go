// Package reconcile turns verified provider events into ledger updates and
// order transitions. Every step is safe to repeat: providers deliver events
// at least once and in any order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/idempotency"
	"marketplace-checkout/internal/lifecycle"
	"marketplace-checkout/internal/metrics"
	"marketplace-checkout/internal/payment"
)

// Outcomes reported by Reconcile.
const (
	OutcomeApplied          = "applied"
	OutcomeDuplicate        = "duplicate"
	OutcomeIgnored          = "ignored"
	OutcomePending          = "pending"
	OutcomeOutOfOrder       = "out_of_order"
	OutcomeUnknownReference = "unknown_reference"
	OutcomeNotProjected     = "not_projected"
)

type Orders interface {
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	Update(ctx context.Context, o domain.Order, expectedVersion int64, audit domain.AuditEntry) error
	Audit(ctx context.Context, orderID string) ([]domain.AuditEntry, error)
}

type Ledger interface {
	Create(ctx context.Context, tx domain.PaymentTransaction) error
	GetByID(ctx context.Context, id string) (*domain.PaymentTransaction, error)
	GetByReference(ctx context.Context, provider domain.ProviderName, reference string) (*domain.PaymentTransaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error)
	FindInFlight(ctx context.Context, orderID string) (*domain.PaymentTransaction, error)
	SetReference(ctx context.Context, id, reference string) error
	Resolve(ctx context.Context, id string, res domain.TxResolution) error
	MarkProjected(ctx context.Context, id string, at time.Time) error
}

type Options struct {
	// MaxRetries bounds projection attempts that lose the version race.
	MaxRetries int
}

type Service struct {
	orders     Orders
	ledger     Ledger
	providers  *payment.Registry
	dedup      idempotency.Store
	machine    lifecycle.Machine
	maxRetries int
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// New builds the handler. dedup may be nil, in which case only the ledger
// detects replays.
func New(orders Orders, ledger Ledger, providers *payment.Registry, dedup idempotency.Store, machine lifecycle.Machine, opts Options, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Service{
		orders:     orders,
		ledger:     ledger,
		providers:  providers,
		dedup:      dedup,
		machine:    machine,
		maxRetries: opts.MaxRetries,
		logger:     logger.Named("reconcile"),
		metrics:    m,
		tracer:     otel.Tracer("marketplace-checkout/reconcile"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Result tells the caller what happened to an event.
type Result struct {
	Outcome       string
	OrderID       string
	TransactionID string
}

// Reconcile verifies one provider event and applies it. Duplicate,
// out-of-order and unknown events return a nil error; an error means the
// event was rejected (ErrProviderRejected) or should be redelivered.
func (s *Service) Reconcile(ctx context.Context, provider domain.ProviderName, raw payment.RawEvent) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", string(provider)), attribute.String("event.source", string(raw.Source)))
	defer func() {
		outcome := res.Outcome
		if err != nil {
			outcome = "error"
			if errors.Is(err, domain.ErrProviderRejected) {
				outcome = "rejected"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("reconcile.outcome", outcome))
		s.metrics.ReconcileEvent(string(provider), outcome)
	}()

	p, err := s.providers.Get(provider)
	if err != nil {
		return Result{}, err
	}
	n, err := p.ParseEvent(ctx, raw)
	if err != nil {
		s.logger.Warn("provider_event_rejected", zap.String("provider", string(provider)), zap.String("source", string(raw.Source)), zap.Error(err))
		return Result{}, err
	}
	if n.Outcome == payment.OutcomeIgnored {
		s.logger.Debug("provider_event_ignored", zap.String("provider", string(provider)), zap.String("event_id", n.EventID))
		return Result{Outcome: OutcomeIgnored}, nil
	}

	if raw.Source == payment.SourceWebhook && n.EventID != "" && s.dedup != nil {
		key := idempotency.Key(string(provider), n.EventID)
		claimed, cerr := s.dedup.Claim(ctx, key)
		switch {
		case cerr != nil:
			s.logger.Warn("dedup_claim_failed", zap.String("key", key), zap.Error(cerr))
		case !claimed:
			s.logger.Info("provider_event_duplicate", zap.String("provider", string(provider)), zap.String("event_id", n.EventID))
			return Result{Outcome: OutcomeDuplicate}, nil
		default:
			defer func() {
				if err == nil {
					return
				}
				if rerr := s.dedup.Release(context.WithoutCancel(ctx), key); rerr != nil {
					s.logger.Warn("dedup_release_failed", zap.String("key", key), zap.Error(rerr))
				}
			}()
		}
	}

	log := s.logger.With(
		zap.String("provider", string(provider)),
		zap.String("event_id", n.EventID),
		zap.String("reference", n.Reference),
		zap.String("outcome", string(n.Outcome)),
	)

	tx, err := s.locate(ctx, provider, n)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("provider_event_unknown_reference", zap.String("transaction_id", n.TransactionID), zap.String("order_id", n.OrderID))
		return Result{Outcome: OutcomeUnknownReference}, nil
	}
	if err != nil {
		return Result{}, err
	}
	res = Result{OrderID: tx.OrderID, TransactionID: tx.ID}
	log = log.With(zap.String("order_id", tx.OrderID), zap.String("transaction_id", tx.ID))
	span.SetAttributes(attribute.String("order.id", tx.OrderID), attribute.String("transaction.id", tx.ID))

	if n.Currency != "" && !strings.EqualFold(n.Currency, tx.Currency) {
		log.Error("provider_currency_mismatch", zap.String("event_currency", n.Currency), zap.String("currency", tx.Currency))
		return res, fmt.Errorf("%w: %s event in %s for a %s transaction", domain.ErrProviderRejected, provider, n.Currency, tx.Currency)
	}

	if n.RequiresConfirm {
		if tx.Status == domain.TxCaptured && tx.ProjectedAt != nil {
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		if n, err = s.confirm(ctx, p, tx, n); err != nil {
			return res, err
		}
	}

	switch n.Outcome {
	case payment.OutcomeCaptured:
		res.Outcome, err = s.captured(ctx, log, tx, n)
	case payment.OutcomeFailed:
		res.Outcome, err = s.failed(ctx, log, tx, n)
	case payment.OutcomeRefunded:
		res.Outcome, err = s.refunded(ctx, log, tx, n)
	default:
		log.Info("provider_event_pending")
		res.Outcome = OutcomePending
	}
	return res, err
}

// locate finds the ledger entry an event belongs to and binds a first-seen
// provider reference to it.
func (s *Service) locate(ctx context.Context, provider domain.ProviderName, n payment.Notification) (*domain.PaymentTransaction, error) {
	if n.Reference != "" {
		tx, err := s.ledger.GetByReference(ctx, provider, n.Reference)
		if err == nil || !errors.Is(err, domain.ErrNotFound) {
			return tx, err
		}
	}

	var (
		tx  *domain.PaymentTransaction
		err error
	)
	switch {
	case n.TransactionID != "":
		tx, err = s.ledger.GetByID(ctx, n.TransactionID)
		if err == nil && (tx.Provider != provider || tx.Kind != domain.TxKindPayment) {
			err = domain.ErrNotFound
		}
	case n.OrderID != "":
		tx, err = s.ledger.FindInFlight(ctx, n.OrderID)
		if err == nil && tx.Provider != provider {
			err = domain.ErrNotFound
		}
	default:
		err = domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if n.Reference != "" && tx.ReferenceValue() != n.Reference {
		err := s.ledger.SetReference(ctx, tx.ID, n.Reference)
		switch {
		case errors.Is(err, domain.ErrDuplicateReference):
			// Bound elsewhere meanwhile, or the entry already carries another reference.
			if bound, gerr := s.ledger.GetByReference(ctx, provider, n.Reference); gerr == nil {
				return bound, nil
			}
			s.logger.Warn("reference_conflict",
				zap.String("transaction_id", tx.ID),
				zap.String("bound_reference", tx.ReferenceValue()),
				zap.String("event_reference", n.Reference),
			)
			return nil, domain.ErrNotFound
		case err != nil:
			return nil, fmt.Errorf("attach reference: %w", err)
		}
		ref := n.Reference
		tx.Reference = &ref
	}
	return tx, nil
}

// confirm asks the provider for the authoritative outcome, capturing
// two-phase payments.
func (s *Service) confirm(ctx context.Context, p payment.Provider, tx *domain.PaymentTransaction, n payment.Notification) (payment.Notification, error) {
	ref := tx.ReferenceValue()
	if ref == "" {
		ref = n.Reference
	}
	cr, err := p.Confirm(ctx, payment.ConfirmRequest{
		Reference:     ref,
		TransactionID: tx.ID,
		AmountCents:   tx.AmountCents,
		Currency:      tx.Currency,
	})
	switch {
	case errors.Is(err, domain.ErrProviderRejected):
		n.Outcome = payment.OutcomeFailed
		n.FailureReason = err.Error()
		return n, nil
	case err != nil:
		return n, err
	}
	n.Outcome = cr.Outcome
	n.AmountCents = cr.AmountCents
	n.FailureReason = cr.FailureReason
	if cr.Currency != "" && !strings.EqualFold(cr.Currency, tx.Currency) {
		return n, fmt.Errorf("%w: %s confirmed %s for a %s transaction", domain.ErrProviderRejected, p.Name(), cr.Currency, tx.Currency)
	}
	return n, nil
}

func (s *Service) captured(ctx context.Context, log *zap.Logger, tx *domain.PaymentTransaction, n payment.Notification) (string, error) {
	amount := n.AmountCents
	if amount <= 0 {
		amount = tx.AmountCents
	}
	for {
		switch tx.Status {
		case domain.TxCaptured:
			if tx.ProjectedAt != nil {
				log.Info("provider_event_duplicate")
				return OutcomeDuplicate, nil
			}
			// Captured but the order projection did not finish.
			return s.project(ctx, log, tx, lifecycle.PaymentCaptured{AmountCents: tx.AmountCents, TransactionID: tx.ID})
		case domain.TxRefunded:
			log.Info("provider_event_duplicate")
			return OutcomeDuplicate, nil
		case domain.TxFailed:
			log.Warn("late_capture_after_failure", zap.String("failure_reason", tx.FailureReason))
		}

		if amount != tx.AmountCents {
			log.Warn("captured_amount_differs", zap.Int64("expected_cents", tx.AmountCents), zap.Int64("captured_cents", amount))
		}
		err := s.ledger.Resolve(ctx, tx.ID, domain.TxResolution{From: tx.Status, To: domain.TxCaptured, AmountCents: amount, At: s.now()})
		if errors.Is(err, domain.ErrStaleStatus) {
			if tx, err = s.ledger.GetByID(ctx, tx.ID); err != nil {
				return "", err
			}
			continue
		}
		if err != nil {
			return "", fmt.Errorf("resolve captured: %w", err)
		}
		log.Info("payment_captured", zap.Int64("amount_cents", amount))
		tx.Status = domain.TxCaptured
		tx.AmountCents = amount
		return s.project(ctx, log, tx, lifecycle.PaymentCaptured{AmountCents: amount, TransactionID: tx.ID})
	}
}

func (s *Service) failed(ctx context.Context, log *zap.Logger, tx *domain.PaymentTransaction, n payment.Notification) (string, error) {
	reason := n.FailureReason
	if reason == "" {
		reason = "declined"
	}
	for {
		switch tx.Status {
		case domain.TxCaptured, domain.TxRefunded:
			log.Warn("failure_after_capture_ignored", zap.String("failure_reason", reason))
			return OutcomeOutOfOrder, nil
		case domain.TxFailed:
			return OutcomeDuplicate, nil
		}

		err := s.ledger.Resolve(ctx, tx.ID, domain.TxResolution{From: tx.Status, To: domain.TxFailed, FailureReason: reason, At: s.now()})
		if errors.Is(err, domain.ErrStaleStatus) {
			if tx, err = s.ledger.GetByID(ctx, tx.ID); err != nil {
				return "", err
			}
			continue
		}
		if err != nil {
			return "", fmt.Errorf("resolve failed: %w", err)
		}
		log.Info("payment_failed", zap.String("failure_reason", reason))
		s.metrics.Transition(lifecycle.PaymentFailed{}.Name(), "no_change")
		if err := s.ledger.MarkProjected(ctx, tx.ID, s.now()); err != nil {
			log.Warn("mark_projected_failed", zap.Error(err))
		}
		return OutcomeApplied, nil
	}
}

// refunded appends a refund entry for the captured payment tx and projects it.
func (s *Service) refunded(ctx context.Context, log *zap.Logger, tx *domain.PaymentTransaction, n payment.Notification) (string, error) {
	amount := n.AmountCents
	if n.RefundCumulative {
		entries, err := s.ledger.ListByOrder(ctx, tx.OrderID)
		if err != nil {
			return "", err
		}
		amount -= refundedOnCharge(entries, tx.Provider, n.ChargeID)
	}

	ref := n.RefundReference
	if ref == "" {
		ref = "refund:" + n.EventID
	}
	if amount <= 0 {
		log.Info("refund_already_recorded", zap.String("refund_reference", ref))
		return OutcomeDuplicate, nil
	}

	now := s.now()
	refund := domain.PaymentTransaction{
		ID:          uuid.NewString(),
		OrderID:     tx.OrderID,
		Provider:    tx.Provider,
		Reference:   &ref,
		AmountCents: amount,
		Currency:    tx.Currency,
		Status:      domain.TxRefunded,
		Kind:        domain.TxKindRefund,
		CreatedAt:   now,
		ResolvedAt:  &now,
	}
	err := s.ledger.Create(ctx, refund)
	if errors.Is(err, domain.ErrDuplicateReference) {
		existing, gerr := s.ledger.GetByReference(ctx, tx.Provider, ref)
		if gerr != nil {
			return "", gerr
		}
		if existing.ProjectedAt != nil {
			return OutcomeDuplicate, nil
		}
		refund = *existing
		err = nil
	}
	if err != nil {
		return "", fmt.Errorf("record refund: %w", err)
	}
	log.Info("payment_refunded", zap.String("refund_id", refund.ID), zap.Int64("amount_cents", refund.AmountCents))
	return s.project(ctx, log, &refund, lifecycle.PaymentRefunded{AmountCents: refund.AmountCents, TransactionID: refund.ID})
}

// refundedOnCharge sums the refund entries already recorded for one charge.
// Without a charge id every refund of the provider on the order counts.
func refundedOnCharge(entries []domain.PaymentTransaction, provider domain.ProviderName, chargeID string) int64 {
	var sum int64
	for _, e := range entries {
		if e.Kind != domain.TxKindRefund || e.Provider != provider {
			continue
		}
		if chargeID != "" && !strings.HasPrefix(e.ReferenceValue(), chargeID+":") {
			continue
		}
		sum += e.AmountCents
	}
	return sum
}

// project applies ev to the order with version compare-and-set, re-reading on
// conflicts, then marks the ledger entry as projected.
func (s *Service) project(ctx context.Context, log *zap.Logger, tx *domain.PaymentTransaction, ev lifecycle.Event) (string, error) {
	done, err := s.alreadyProjected(ctx, tx)
	if err != nil {
		return "", err
	}

	outcome := OutcomeApplied
	if done {
		outcome = OutcomeDuplicate
	}
	for attempt := 0; !done; attempt++ {
		if attempt == s.maxRetries {
			s.metrics.Transition(ev.Name(), "stale")
			return "", fmt.Errorf("project %s on order %s: %w", ev.Name(), tx.OrderID, domain.ErrStaleVersion)
		}
		o, err := s.orders.GetByID(ctx, tx.OrderID)
		if err != nil {
			return "", err
		}
		res, err := s.machine.Apply(*o, ev, "provider:"+string(tx.Provider), s.now())
		if errors.Is(err, domain.ErrNoChange) {
			s.metrics.Transition(ev.Name(), "no_change")
			break
		}
		if errors.Is(err, domain.ErrIllegalTransition) {
			s.metrics.Transition(ev.Name(), "illegal")
			log.Error("projection_refused", zap.String("order_status", string(o.Status)), zap.String("payment_status", string(o.PaymentStatus)), zap.Error(err))
			return OutcomeNotProjected, nil
		}
		if err != nil {
			return "", err
		}
		err = s.orders.Update(ctx, res.Order, o.Version, res.Audit)
		if errors.Is(err, domain.ErrStaleVersion) {
			log.Debug("projection_version_conflict", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return "", fmt.Errorf("update order: %w", err)
		}
		s.metrics.Transition(ev.Name(), "applied")
		log.Info("order_projected",
			zap.String("event", ev.Name()),
			zap.Int64("version", res.Order.Version),
			zap.String("status", string(res.Order.Status)),
			zap.String("payment_status", string(res.Order.PaymentStatus)),
			zap.String("review_reason", res.Order.ReviewReason),
		)
		break
	}

	if err := s.ledger.MarkProjected(ctx, tx.ID, s.now()); err != nil {
		return "", fmt.Errorf("mark projected: %w", err)
	}
	return outcome, nil
}

// alreadyProjected detects a projection whose MarkProjected never ran by
// looking for the transaction in the order's audit trail.
func (s *Service) alreadyProjected(ctx context.Context, tx *domain.PaymentTransaction) (bool, error) {
	entries, err := s.orders.Audit(ctx, tx.OrderID)
	if err != nil {
		return false, fmt.Errorf("load audit: %w", err)
	}
	marker := " tx " + tx.ID
	for _, e := range entries {
		if strings.HasSuffix(e.Note, marker) {
			return true, nil
		}
	}
	return false, nil
}
