package lifecycle

import "marketplace-checkout/internal/domain"

// Event is one input to the transition function. The set is closed.
type Event interface {
	Name() string
	isEvent()
}

// PaymentCaptured reports funds collected by a provider.
type PaymentCaptured struct {
	AmountCents   int64
	TransactionID string
}

// PaymentFailed reports a failed attempt. It never changes the order.
type PaymentFailed struct {
	Reason string
}

// PaymentRefunded reports funds returned to the buyer.
type PaymentRefunded struct {
	AmountCents   int64
	TransactionID string
}

// AdminSetStatus forces the fulfillment status. Always permitted, always audited.
type AdminSetStatus struct {
	Status domain.OrderStatus
	Note   string
}

// AdminSetPaymentStatus forces the payment status. Always permitted, always audited.
type AdminSetPaymentStatus struct {
	PaymentStatus domain.PaymentStatus
	Note          string
}

// StartFulfillment moves a paid order out of the fulfillment hold.
type StartFulfillment struct{}

// MarkShipped is emitted by the seller when the parcel leaves.
type MarkShipped struct{}

// MarkDelivered is emitted when the carrier confirms delivery.
type MarkDelivered struct{}

// Cancel stops a non-terminal order.
type Cancel struct {
	Reason string
}

func (PaymentCaptured) Name() string       { return "payment_captured" }
func (PaymentFailed) Name() string         { return "payment_failed" }
func (PaymentRefunded) Name() string       { return "payment_refunded" }
func (AdminSetStatus) Name() string        { return "admin_set_status" }
func (AdminSetPaymentStatus) Name() string { return "admin_set_payment_status" }
func (StartFulfillment) Name() string      { return "start_fulfillment" }
func (MarkShipped) Name() string           { return "mark_shipped" }
func (MarkDelivered) Name() string         { return "mark_delivered" }
func (Cancel) Name() string                { return "cancel" }

func (PaymentCaptured) isEvent()       {}
func (PaymentFailed) isEvent()         {}
func (PaymentRefunded) isEvent()       {}
func (AdminSetStatus) isEvent()        {}
func (AdminSetPaymentStatus) isEvent() {}
func (StartFulfillment) isEvent()      {}
func (MarkShipped) isEvent()           {}
func (MarkDelivered) isEvent()         {}
func (Cancel) isEvent()                {}

// FulfillmentEvent maps an action name from the seller boundary to its event.
func FulfillmentEvent(action, reason string) (Event, bool) {
	switch action {
	case "start":
		return StartFulfillment{}, true
	case "ship":
		return MarkShipped{}, true
	case "deliver":
		return MarkDelivered{}, true
	case "cancel":
		return Cancel{Reason: reason}, true
	}
	return nil, false
}
