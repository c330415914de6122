// Package lifecycle holds the order transition function. It performs no I/O:
// callers load the order, apply an event and persist the result with a
// version compare-and-set.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"marketplace-checkout/internal/domain"
)

// Machine carries the guard table options.
type Machine struct {
	// HoldForFulfillment parks fully paid orders in paid_pending_fulfillment
	// until a StartFulfillment event instead of moving them to processing.
	HoldForFulfillment bool
}

// Result is the next order state plus its audit entry.
type Result struct {
	Order domain.Order
	Audit domain.AuditEntry
}

// Apply computes the order that results from ev. It returns ErrNoChange when
// the event is accepted but leaves the order untouched, and
// ErrIllegalTransition when the guard table refuses it.
func (m Machine) Apply(o domain.Order, ev Event, actor string, now time.Time) (Result, error) {
	next := o.Clone()
	audit := domain.AuditEntry{
		OrderID:          o.ID,
		Event:            ev.Name(),
		Actor:            actor,
		OldStatus:        o.Status,
		OldPaymentStatus: o.PaymentStatus,
		At:               now,
	}

	switch e := ev.(type) {
	case PaymentCaptured:
		if e.AmountCents <= 0 {
			return Result{}, domain.Validationf("captured amount must be positive")
		}
		next.CapturedCents += e.AmountCents
		next.PaymentStatus = paymentStatusFor(next)
		audit.Note = MoneyNote("captured", e.AmountCents, o.Currency, e.TransactionID)
		if next.CapturedCents > next.TotalCents {
			next.ReviewReason = domain.ReviewOvercapture
		}
		switch {
		case o.Status == domain.StatusCancelled:
			next.ReviewReason = domain.ReviewLateCapture
		case o.Status == domain.StatusAwaitingPayment && next.PaymentStatus == domain.PaymentPaid:
			next.Status = m.paidStatus()
		}

	case PaymentFailed:
		return Result{}, domain.ErrNoChange

	case PaymentRefunded:
		if e.AmountCents <= 0 {
			return Result{}, domain.Validationf("refunded amount must be positive")
		}
		if o.PaymentStatus != domain.PaymentPaid {
			return Result{}, fmt.Errorf("%w: refund while payment is %s", domain.ErrIllegalTransition, o.PaymentStatus)
		}
		next.RefundedCents += e.AmountCents
		if next.RefundedCents >= next.CapturedCents {
			next.PaymentStatus = domain.PaymentRefunded
		}
		audit.Note = MoneyNote("refunded", e.AmountCents, o.Currency, e.TransactionID)

	case AdminSetStatus:
		if err := requireAdmin(actor, e.Note); err != nil {
			return Result{}, err
		}
		if !e.Status.Valid() {
			return Result{}, domain.Validationf("unknown status %q", e.Status)
		}
		if e.Status == o.Status {
			return Result{}, domain.ErrNoChange
		}
		audit.Override = !m.statusAllowed(o, e.Status)
		next.Status = e.Status
		audit.Note = e.Note
		next.AdminNotes = appendNote(o.AdminNotes, actor, e.Note, now)

	case AdminSetPaymentStatus:
		if err := requireAdmin(actor, e.Note); err != nil {
			return Result{}, err
		}
		if !e.PaymentStatus.Valid() {
			return Result{}, domain.Validationf("unknown payment status %q", e.PaymentStatus)
		}
		if e.PaymentStatus == o.PaymentStatus {
			return Result{}, domain.ErrNoChange
		}
		audit.Override = !paymentAllowed(o.PaymentStatus, e.PaymentStatus)
		next.PaymentStatus = e.PaymentStatus
		audit.Note = e.Note
		next.AdminNotes = appendNote(o.AdminNotes, actor, e.Note, now)

	case StartFulfillment:
		if o.Status != domain.StatusPaidPendingFulfillment {
			return Result{}, illegal(o, domain.StatusProcessing)
		}
		next.Status = domain.StatusProcessing

	case MarkShipped:
		if !m.statusAllowed(o, domain.StatusShipped) {
			return Result{}, illegal(o, domain.StatusShipped)
		}
		next.Status = domain.StatusShipped

	case MarkDelivered:
		if !m.statusAllowed(o, domain.StatusDelivered) {
			return Result{}, illegal(o, domain.StatusDelivered)
		}
		next.Status = domain.StatusDelivered

	case Cancel:
		if o.Status.Terminal() {
			return Result{}, illegal(o, domain.StatusCancelled)
		}
		next.Status = domain.StatusCancelled
		audit.Note = e.Reason

	default:
		return Result{}, fmt.Errorf("%w: unsupported event %T", domain.ErrIllegalTransition, ev)
	}

	next.Version = o.Version + 1
	next.UpdatedAt = now
	audit.Version = next.Version
	audit.NewStatus = next.Status
	audit.NewPaymentStatus = next.PaymentStatus
	return Result{Order: next, Audit: audit}, nil
}

func (m Machine) paidStatus() domain.OrderStatus {
	if m.HoldForFulfillment {
		return domain.StatusPaidPendingFulfillment
	}
	return domain.StatusProcessing
}

// statusAllowed is the automatic guard table for the fulfillment track.
func (m Machine) statusAllowed(o domain.Order, to domain.OrderStatus) bool {
	paid := o.PaymentStatus == domain.PaymentPaid
	switch to {
	case domain.StatusCancelled:
		return !o.Status.Terminal()
	case domain.StatusPaidPendingFulfillment:
		return o.Status == domain.StatusAwaitingPayment && paid
	case domain.StatusProcessing:
		return (o.Status == domain.StatusAwaitingPayment && paid) || o.Status == domain.StatusPaidPendingFulfillment
	case domain.StatusShipped:
		if o.PaymentStatus == domain.PaymentUnpaid || o.PaymentStatus == domain.PaymentRefunded {
			return false
		}
		return o.Status == domain.StatusProcessing
	case domain.StatusDelivered:
		return o.Status == domain.StatusShipped
	}
	return false
}

// paymentAllowed is the automatic guard table for the payment track.
func paymentAllowed(from, to domain.PaymentStatus) bool {
	switch to {
	case domain.PaymentPartial:
		return from == domain.PaymentUnpaid
	case domain.PaymentPaid:
		return from == domain.PaymentUnpaid || from == domain.PaymentPartial
	case domain.PaymentRefunded:
		return from == domain.PaymentPaid
	}
	return false
}

func paymentStatusFor(o domain.Order) domain.PaymentStatus {
	if o.PaymentStatus == domain.PaymentRefunded && o.RefundedCents >= o.CapturedCents {
		return domain.PaymentRefunded
	}
	if o.CapturedCents >= o.TotalCents {
		return domain.PaymentPaid
	}
	return domain.PaymentPartial
}

func requireAdmin(actor, note string) error {
	if strings.TrimSpace(actor) == "" {
		return domain.Validationf("actor required")
	}
	if strings.TrimSpace(note) == "" {
		return domain.Validationf("note required")
	}
	return nil
}

func appendNote(existing, actor, note string, now time.Time) string {
	line := fmt.Sprintf("[%s %s] %s", now.UTC().Format(time.RFC3339), actor, strings.TrimSpace(note))
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}

// MoneyNote renders the audit note of a provider money event. The trailing
// "tx <id>" marks which ledger entry the transition projected.
func MoneyNote(verb string, amount int64, currency, txID string) string {
	note := fmt.Sprintf("%s %d %s", verb, amount, currency)
	if txID != "" {
		note += " tx " + txID
	}
	return note
}

func illegal(o domain.Order, to domain.OrderStatus) error {
	return fmt.Errorf("%w: %s -> %s (payment %s)", domain.ErrIllegalTransition, o.Status, to, o.PaymentStatus)
}
