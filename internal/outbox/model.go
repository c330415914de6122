// Package outbox relays order events written alongside order updates to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"marketplace-checkout/internal/domain"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Event types published for orders.
const (
	TypeOrderCreated       = "order.created"
	TypeOrderStatusChanged = "order.status_changed"
)

const aggregateOrder = "order"

type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Headers       map[string]string
	CreatedAt     time.Time
	Status        Status
	RetryCount    int
	LastError     *string
}

// OrderPayload is the JSON body of every order event.
type OrderPayload struct {
	OrderID          string               `json:"orderId"`
	Number           string               `json:"orderNumber"`
	Version          int64                `json:"version"`
	Event            string               `json:"event"`
	Actor            string               `json:"actor,omitempty"`
	Status           domain.OrderStatus   `json:"status"`
	PaymentStatus    domain.PaymentStatus `json:"paymentStatus"`
	OldStatus        domain.OrderStatus   `json:"oldStatus,omitempty"`
	OldPaymentStatus domain.PaymentStatus `json:"oldPaymentStatus,omitempty"`
	TotalCents       int64                `json:"totalCents"`
	CapturedCents    int64                `json:"capturedCents"`
	Currency         string               `json:"currency"`
	Override         bool                 `json:"override,omitempty"`
	ReviewReason     string               `json:"reviewReason,omitempty"`
	At               time.Time            `json:"at"`
}

// NewOrderEvent builds the outbox row for an order write. audit is nil on
// creation. The current trace context travels in the headers.
func NewOrderEvent(ctx context.Context, o domain.Order, audit *domain.AuditEntry) (Event, error) {
	p := OrderPayload{
		OrderID:       o.ID,
		Number:        o.Number,
		Version:       o.Version,
		Event:         "created",
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		TotalCents:    o.TotalCents,
		CapturedCents: o.CapturedCents,
		Currency:      o.Currency,
		ReviewReason:  o.ReviewReason,
		At:            o.CreatedAt,
	}
	typ := TypeOrderCreated
	if audit != nil {
		typ = TypeOrderStatusChanged
		p.Event = audit.Event
		p.Actor = audit.Actor
		p.OldStatus = audit.OldStatus
		p.OldPaymentStatus = audit.OldPaymentStatus
		p.Override = audit.Override
		p.At = audit.At
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return Event{
		AggregateType: aggregateOrder,
		AggregateID:   o.ID,
		Type:          typ,
		Payload:       body,
		Headers:       map[string]string(carrier),
		Status:        StatusPending,
	}, nil
}
