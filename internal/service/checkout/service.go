package checkout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/metrics"
	"marketplace-checkout/internal/payment"
)

const (
	numberAttempts  = 5
	maxLineQuantity = 10000
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type OrderStore interface {
	Create(ctx context.Context, o domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	GetByNumber(ctx context.Context, number string) (*domain.Order, error)
}

type Ledger interface {
	Create(ctx context.Context, tx domain.PaymentTransaction) error
	FindInFlight(ctx context.Context, orderID string) (*domain.PaymentTransaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error)
	SetAction(ctx context.Context, id, reference string, action domain.PaymentAction) error
	Resolve(ctx context.Context, id string, res domain.TxResolution) error
}

type PriceSource interface {
	PricesByIDs(ctx context.Context, ids []string) (map[string]domain.CatalogPrice, error)
}

type Options struct {
	// PublicBaseURL is where providers send the buyer back, without trailing slash.
	PublicBaseURL string
	// AttemptTTL is how long an in-flight payment blocks a new attempt.
	AttemptTTL time.Duration
	// PriceToleranceCents is the accepted drift between cart and catalog prices.
	PriceToleranceCents int64
	// ProviderMaxAttempts bounds calls to Initiate on transient failures.
	ProviderMaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.AttemptTTL <= 0 {
		o.AttemptTTL = 30 * time.Minute
	}
	if o.ProviderMaxAttempts <= 0 {
		o.ProviderMaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	o.PublicBaseURL = strings.TrimRight(o.PublicBaseURL, "/")
	return o
}

// Service turns cart snapshots into orders and starts payment attempts.
type Service struct {
	orders    OrderStore
	ledger    Ledger
	prices    PriceSource
	providers *payment.Registry
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(orders OrderStore, ledger Ledger, prices PriceSource, providers *payment.Registry, opts Options, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		orders:    orders,
		ledger:    ledger,
		prices:    prices,
		providers: providers,
		opts:      opts.withDefaults(),
		logger:    logger.Named("checkout"),
		metrics:   m,
		tracer:    otel.Tracer("marketplace-checkout/checkout"),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
	}
}

type CreateOrderInput struct {
	Cart            domain.CartSnapshot `json:"cart"`
	Buyer           domain.BuyerRef     `json:"buyer"`
	ShippingAddress domain.Address      `json:"shippingAddress"`
}

// ProviderAction is what the client needs to continue a payment.
type ProviderAction struct {
	TransactionID string                 `json:"transactionId"`
	Provider      domain.ProviderName    `json:"provider"`
	Kind          domain.ActionKind      `json:"kind"`
	RedirectURL   string                 `json:"redirectUrl,omitempty"`
	Form          *domain.FormDescriptor `json:"form,omitempty"`
	Reference     string                 `json:"reference,omitempty"`
	ExpiresAt     time.Time              `json:"expiresAt"`
}

// CreateOrder validates the cart against the catalog and persists an order
// awaiting payment.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.CreateOrder")
	defer span.End()

	in.Cart.Currency = strings.ToUpper(strings.TrimSpace(in.Cart.Currency))
	if err := validateInput(in); err != nil {
		return nil, spanErr(span, err)
	}

	lines, total, err := s.priceLines(ctx, in.Cart)
	if err != nil {
		return nil, spanErr(span, err)
	}

	now := s.now()
	o := domain.Order{
		ID:              uuid.NewString(),
		Lines:           lines,
		TotalCents:      total,
		Currency:        in.Cart.Currency,
		Status:          domain.StatusAwaitingPayment,
		PaymentStatus:   domain.PaymentUnpaid,
		ShippingAddress: in.ShippingAddress,
		Buyer:           in.Buyer,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.CheckTotal(); err != nil {
		return nil, spanErr(span, domain.Validationf("%v", err))
	}

	for i := 0; i < numberAttempts; i++ {
		number, err := newOrderNumber(now)
		if err != nil {
			return nil, spanErr(span, err)
		}
		o.Number = number
		err = s.orders.Create(ctx, o)
		if err == nil {
			span.SetAttributes(attribute.String("order.id", o.ID), attribute.String("order.number", o.Number))
			s.metrics.OrderCreated()
			s.logger.Info("order_created",
				zap.String("order_id", o.ID),
				zap.String("number", o.Number),
				zap.Int64("total_cents", o.TotalCents),
				zap.String("currency", o.Currency),
				zap.Int("lines", len(o.Lines)),
			)
			return &o, nil
		}
		if errors.Is(err, domain.ErrAlreadyExists) {
			s.logger.Warn("order_number_collision", zap.String("number", number), zap.Int("attempt", i+1))
			continue
		}
		return nil, spanErr(span, fmt.Errorf("create order: %w", err))
	}
	return nil, spanErr(span, errors.New("order number collision"))
}

func (s *Service) priceLines(ctx context.Context, cart domain.CartSnapshot) ([]domain.LineItem, int64, error) {
	ids := make([]string, 0, len(cart.Items))
	seen := make(map[string]bool, len(cart.Items))
	for _, it := range cart.Items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	catalog, err := s.prices.PricesByIDs(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("load catalog prices: %w", err)
	}

	var corrections []domain.PriceCorrection
	lines := make([]domain.LineItem, 0, len(cart.Items))
	var total int64
	for _, it := range cart.Items {
		price, ok := catalog[it.ProductID]
		if !ok {
			return nil, 0, domain.Validationf("unknown product %s", it.ProductID)
		}
		if !strings.EqualFold(price.Currency, cart.Currency) {
			return nil, 0, domain.Validationf("product %s is priced in %s, cart is in %s", it.ProductID, price.Currency, cart.Currency)
		}
		diff := it.UnitPriceCents - price.PriceCents
		if diff < 0 {
			diff = -diff
		}
		if diff > s.opts.PriceToleranceCents {
			corrections = append(corrections, domain.PriceCorrection{
				ProductID:      it.ProductID,
				SubmittedCents: it.UnitPriceCents,
				CurrentCents:   price.PriceCents,
			})
			continue
		}
		title := strings.TrimSpace(it.Title)
		if title == "" {
			title = price.Name
		}
		if it.UnitPriceCents > math.MaxInt64/int64(it.Quantity) {
			return nil, 0, domain.Validationf("item %s subtotal is out of range", it.ProductID)
		}
		subtotal := it.UnitPriceCents * int64(it.Quantity)
		if total > math.MaxInt64-subtotal {
			return nil, 0, domain.Validationf("order total is out of range")
		}
		lines = append(lines, domain.LineItem{
			ProductID:      it.ProductID,
			Title:          title,
			UnitPriceCents: it.UnitPriceCents,
			Quantity:       it.Quantity,
			SubtotalCents:  subtotal,
		})
		total += subtotal
	}
	if len(corrections) > 0 {
		return nil, 0, &domain.PriceMismatchError{Corrections: corrections}
	}
	return lines, total, nil
}

func validateInput(in CreateOrderInput) error {
	if len(in.Cart.Items) == 0 {
		return domain.Validationf("cart has no items")
	}
	if !currencyPattern.MatchString(in.Cart.Currency) {
		return domain.Validationf("unknown currency %q", in.Cart.Currency)
	}
	for i, it := range in.Cart.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return domain.Validationf("item %d has no product id", i)
		}
		if it.Quantity < 1 {
			return domain.Validationf("item %s quantity must be at least 1", it.ProductID)
		}
		if it.Quantity > maxLineQuantity {
			return domain.Validationf("item %s quantity exceeds %d", it.ProductID, maxLineQuantity)
		}
		if it.UnitPriceCents < 0 {
			return domain.Validationf("item %s has a negative price", it.ProductID)
		}
	}
	b := in.Buyer
	if strings.TrimSpace(b.UserID) == "" && strings.TrimSpace(b.GuestEmail) == "" && strings.TrimSpace(b.GuestPhone) == "" {
		return domain.Validationf("buyer needs a user id or guest email or phone")
	}
	a := in.ShippingAddress
	if strings.TrimSpace(a.Country) == "" || strings.TrimSpace(a.City) == "" || strings.TrimSpace(a.StreetName) == "" {
		return domain.Validationf("shipping address needs country, city and street")
	}
	return nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) GetOrderByNumber(ctx context.Context, number string) (*domain.Order, error) {
	return s.orders.GetByNumber(ctx, strings.ToUpper(strings.TrimSpace(number)))
}

// ListTransactions returns the ledger entries of an existing order.
func (s *Service) ListTransactions(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error) {
	if _, err := s.orders.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.ledger.ListByOrder(ctx, orderID)
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
