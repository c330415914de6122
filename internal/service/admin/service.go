package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/lifecycle"
	"marketplace-checkout/internal/metrics"
	"marketplace-checkout/internal/repository/order"
)

// Service is the operator path into the order lifecycle. Writes carry the
// version the operator looked at; a conflict is reported, never retried.
type Service struct {
	orders  order.Repository
	machine lifecycle.Machine
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func New(orders order.Repository, machine lifecycle.Machine, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		orders:  orders,
		machine: machine,
		logger:  logger.Named("admin"),
		metrics: m,
		tracer:  otel.Tracer("marketplace-checkout/admin"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type SetStatusInput struct {
	OrderID string             `json:"-"`
	Status  domain.OrderStatus `json:"status"`
	Note    string             `json:"note"`
	Version int64              `json:"version"`
	Actor   string             `json:"-"`
}

type SetPaymentStatusInput struct {
	OrderID       string               `json:"-"`
	PaymentStatus domain.PaymentStatus `json:"paymentStatus"`
	Note          string               `json:"note"`
	Version       int64                `json:"version"`
	Actor         string               `json:"-"`
}

type FulfillmentInput struct {
	OrderID string `json:"-"`
	// Action is one of start, ship, deliver, cancel.
	Action  string `json:"action"`
	Reason  string `json:"reason,omitempty"`
	Version int64  `json:"version"`
	Actor   string `json:"-"`
}

type OrderPage struct {
	Items []domain.Order `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}

func (s *Service) SetOrderStatus(ctx context.Context, in SetStatusInput) (*domain.Order, error) {
	return s.apply(ctx, in.OrderID, in.Version, in.Actor, lifecycle.AdminSetStatus{Status: in.Status, Note: in.Note})
}

func (s *Service) SetPaymentStatus(ctx context.Context, in SetPaymentStatusInput) (*domain.Order, error) {
	return s.apply(ctx, in.OrderID, in.Version, in.Actor, lifecycle.AdminSetPaymentStatus{PaymentStatus: in.PaymentStatus, Note: in.Note})
}

// Fulfill feeds a seller fulfillment event through the guard table.
func (s *Service) Fulfill(ctx context.Context, in FulfillmentInput) (*domain.Order, error) {
	ev, ok := lifecycle.FulfillmentEvent(strings.ToLower(strings.TrimSpace(in.Action)), in.Reason)
	if !ok {
		return nil, domain.Validationf("unknown fulfillment action %q", in.Action)
	}
	if strings.TrimSpace(in.Actor) == "" {
		return nil, domain.Validationf("actor required")
	}
	return s.apply(ctx, in.OrderID, in.Version, in.Actor, ev)
}

func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter, page domain.Page) (*OrderPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Validationf("unknown status %q", filter.Status)
	}
	if filter.PaymentStatus != "" && !filter.PaymentStatus.Valid() {
		return nil, domain.Validationf("unknown payment status %q", filter.PaymentStatus)
	}
	page = page.Normalize()
	items, total, err := s.orders.List(ctx, filter, page)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Order{}
	}
	return &OrderPage{Items: items, Total: total, Page: page.Number, Size: page.Size}, nil
}

func (s *Service) OrderAudit(ctx context.Context, orderID string) ([]domain.AuditEntry, error) {
	return s.orders.Audit(ctx, orderID)
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.GetByID(ctx, orderID)
}

func (s *Service) apply(ctx context.Context, orderID string, version int64, actor string, ev lifecycle.Event) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "admin."+ev.Name())
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("actor", actor))

	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, fail(span, err)
	}
	if o.Version != version {
		s.metrics.Transition(ev.Name(), "stale")
		return nil, fail(span, fmt.Errorf("%w: order is at version %d, request was for %d", domain.ErrStaleVersion, o.Version, version))
	}

	res, err := s.machine.Apply(*o, ev, strings.TrimSpace(actor), s.now())
	switch {
	case errors.Is(err, domain.ErrNoChange):
		s.metrics.Transition(ev.Name(), "no_change")
		return o, nil
	case errors.Is(err, domain.ErrIllegalTransition):
		s.metrics.Transition(ev.Name(), "illegal")
		return nil, fail(span, err)
	case err != nil:
		return nil, fail(span, err)
	}

	if err := s.orders.Update(ctx, res.Order, version, res.Audit); err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			s.metrics.Transition(ev.Name(), "stale")
		}
		return nil, fail(span, err)
	}
	s.metrics.Transition(ev.Name(), "applied")

	fields := []zap.Field{
		zap.String("order_id", orderID),
		zap.String("event", ev.Name()),
		zap.String("actor", res.Audit.Actor),
		zap.String("old_status", string(res.Audit.OldStatus)),
		zap.String("new_status", string(res.Audit.NewStatus)),
		zap.String("old_payment_status", string(res.Audit.OldPaymentStatus)),
		zap.String("new_payment_status", string(res.Audit.NewPaymentStatus)),
		zap.Int64("version", res.Order.Version),
	}
	if res.Audit.Override {
		s.logger.Warn("admin_override", fields...)
	} else {
		s.logger.Info("order_transition", fields...)
	}
	return &res.Order, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
