package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderStatus is the fulfillment track of an order.
type OrderStatus string

const (
	StatusAwaitingPayment        OrderStatus = "awaiting_payment"
	StatusPaidPendingFulfillment OrderStatus = "paid_pending_fulfillment"
	StatusProcessing             OrderStatus = "processing"
	StatusShipped                OrderStatus = "shipped"
	StatusDelivered              OrderStatus = "delivered"
	StatusCancelled              OrderStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusAwaitingPayment, StatusPaidPendingFulfillment, StatusProcessing,
		StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no automatic event may move the order any further.
func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// PaymentStatus is the money track of an order.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPartial  PaymentStatus = "partial"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentUnpaid, PaymentPartial, PaymentPaid, PaymentRefunded:
		return true
	}
	return false
}

// Review reasons set when an order needs manual refund reconciliation.
const (
	ReviewLateCapture = "late_capture_on_cancelled_order"
	ReviewOvercapture = "overcapture"
)

// Address is the shipping destination copied onto the order.
type Address struct {
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	Country    string `json:"country"`
	City       string `json:"city"`
	StreetName string `json:"streetName"`
	PostalCode string `json:"postalCode,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// BuyerRef points at a registered user or carries guest contact fields.
type BuyerRef struct {
	UserID     string `json:"userId,omitempty"`
	GuestName  string `json:"guestName,omitempty"`
	GuestEmail string `json:"guestEmail,omitempty"`
	GuestPhone string `json:"guestPhone,omitempty"`
}

// IsGuest reports whether the buyer checked out without an account.
func (b BuyerRef) IsGuest() bool { return strings.TrimSpace(b.UserID) == "" }

// LineItem is a frozen snapshot of a cart line taken at order creation.
type LineItem struct {
	ProductID      string `json:"productId"`
	Title          string `json:"title"`
	UnitPriceCents int64  `json:"unitPriceCents"`
	Quantity       int    `json:"quantity"`
	SubtotalCents  int64  `json:"subtotalCents"`
}

type Order struct {
	ID              string        `json:"id"`
	Number          string        `json:"orderNumber"`
	Lines           []LineItem    `json:"lineItems"`
	TotalCents      int64         `json:"totalCents"`
	Currency        string        `json:"currency"`
	Status          OrderStatus   `json:"status"`
	PaymentStatus   PaymentStatus `json:"paymentStatus"`
	CapturedCents   int64         `json:"capturedCents"`
	RefundedCents   int64         `json:"refundedCents"`
	ShippingAddress Address       `json:"shippingAddress"`
	Buyer           BuyerRef      `json:"buyer"`
	AdminNotes      string        `json:"adminNotes,omitempty"`
	ReviewReason    string        `json:"reviewReason,omitempty"`
	Version         int64         `json:"version"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// OutstandingCents is the amount still to be collected.
func (o Order) OutstandingCents() int64 {
	left := o.TotalCents - o.CapturedCents
	if left < 0 {
		return 0
	}
	return left
}

// CheckTotal verifies the order total against its line snapshot.
func (o Order) CheckTotal() error {
	var sum int64
	for _, l := range o.Lines {
		if l.SubtotalCents != l.UnitPriceCents*int64(l.Quantity) {
			return fmt.Errorf("line %s: subtotal %d does not match %d x %d", l.ProductID, l.SubtotalCents, l.UnitPriceCents, l.Quantity)
		}
		sum += l.SubtotalCents
	}
	if sum != o.TotalCents {
		return fmt.Errorf("order total %d does not match line sum %d", o.TotalCents, sum)
	}
	return nil
}

// Clone returns a deep copy so stores never share line slices with callers.
func (o Order) Clone() Order {
	out := o
	out.Lines = append([]LineItem(nil), o.Lines...)
	return out
}

// AuditEntry records one accepted transition.
type AuditEntry struct {
	OrderID          string        `json:"orderId"`
	Version          int64         `json:"version"`
	Event            string        `json:"event"`
	Actor            string        `json:"actor"`
	OldStatus        OrderStatus   `json:"oldStatus"`
	NewStatus        OrderStatus   `json:"newStatus"`
	OldPaymentStatus PaymentStatus `json:"oldPaymentStatus"`
	NewPaymentStatus PaymentStatus `json:"newPaymentStatus"`
	Note             string        `json:"note,omitempty"`
	Override         bool          `json:"override"`
	At               time.Time     `json:"at"`
}

// OrderFilter narrows admin order listings.
type OrderFilter struct {
	Status        OrderStatus
	PaymentStatus PaymentStatus
	ReviewOnly    bool
	Query         string
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Size > 100 {
		p.Size = 100
	}
	return p
}

// Offset returns the row offset for the page.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}
