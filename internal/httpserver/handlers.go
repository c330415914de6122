package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/payment"
	"marketplace-checkout/internal/service/admin"
	"marketplace-checkout/internal/service/checkout"
)

const maxCallbackBody = 1 << 20

type handlers struct {
	logger     *zap.Logger
	checkout   CheckoutService
	reconciler ReconcileService
	admin      AdminService
}

type initiatePaymentRequest struct {
	Provider domain.ProviderName `json:"provider"`
}

type returnResponse struct {
	Outcome string        `json:"outcome"`
	Order   *domain.Order `json:"order,omitempty"`
}

func (h *handlers) createOrder(c *gin.Context) {
	var in checkout.CreateOrderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, h.logger, domain.Validationf("invalid body: %v", err))
		return
	}
	o, err := h.checkout.CreateOrder(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (h *handlers) getOrder(c *gin.Context) {
	o, err := h.checkout.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// findOrder looks an order up by its human-readable number.
func (h *handlers) findOrder(c *gin.Context) {
	number := strings.TrimSpace(c.Query("number"))
	if number == "" {
		writeError(c, h.logger, domain.Validationf("number query parameter required"))
		return
	}
	o, err := h.checkout.GetOrderByNumber(c.Request.Context(), number)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *handlers) initiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, domain.Validationf("invalid body: %v", err))
		return
	}
	action, err := h.checkout.InitiatePayment(c.Request.Context(), c.Param("orderId"), domain.ProviderName(strings.ToLower(string(req.Provider))))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (h *handlers) listTransactions(c *gin.Context) {
	txs, err := h.checkout.ListTransactions(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if txs == nil {
		txs = []domain.PaymentTransaction{}
	}
	c.JSON(http.StatusOK, gin.H{"items": txs})
}

// paymentReturn handles the buyer's browser coming back from a provider and
// answers with the current order view.
func (h *handlers) paymentReturn(c *gin.Context) {
	raw := payment.RawEvent{
		Source:  payment.SourceReturn,
		Headers: c.Request.Header,
		Query:   c.Request.URL.Query(),
	}
	if c.Request.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
		if err != nil {
			writeError(c, h.logger, domain.Validationf("read body: %v", err))
			return
		}
		raw.Body = body
	}
	res, err := h.reconciler.Reconcile(c.Request.Context(), providerParam(c), raw)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	out := returnResponse{Outcome: res.Outcome}
	if res.OrderID != "" {
		o, err := h.checkout.GetOrder(c.Request.Context(), res.OrderID)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		out.Order = o
	}
	c.JSON(http.StatusOK, out)
}

// paymentCallback handles server-to-server provider notifications. Any
// non-2xx answer except 400 makes the provider redeliver.
func (h *handlers) paymentCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Code: "bad_request", Message: "unreadable body"})
		return
	}
	res, err := h.reconciler.Reconcile(c.Request.Context(), providerParam(c), payment.RawEvent{
		Source:  payment.SourceWebhook,
		Headers: c.Request.Header,
		Query:   c.Request.URL.Query(),
		Body:    body,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": res.Outcome})
	case errors.Is(err, domain.ErrProviderRejected):
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Code: "rejected", Message: "event rejected"})
	case errors.Is(err, domain.ErrValidation):
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{Code: "unknown_provider", Message: err.Error()})
	default:
		h.logger.Warn("callback_retry_requested", zap.String("provider", c.Param("provider")), zap.Error(err))
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: "try again later", Action: actionRetry})
	}
}

func (h *handlers) adminListOrders(c *gin.Context) {
	filter := domain.OrderFilter{
		Status:        domain.OrderStatus(c.Query("status")),
		PaymentStatus: domain.PaymentStatus(c.Query("paymentStatus")),
		Query:         c.Query("q"),
	}
	if v := c.Query("review"); v != "" {
		review, err := strconv.ParseBool(v)
		if err != nil {
			writeError(c, h.logger, domain.Validationf("review must be a boolean"))
			return
		}
		filter.ReviewOnly = review
	}
	page := domain.Page{}
	var err error
	if page.Number, err = intQuery(c, "page"); err != nil {
		writeError(c, h.logger, err)
		return
	}
	if page.Size, err = intQuery(c, "size"); err != nil {
		writeError(c, h.logger, err)
		return
	}
	out, err := h.admin.ListOrders(c.Request.Context(), filter, page)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) adminGetOrder(c *gin.Context) {
	o, err := h.admin.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *handlers) adminAudit(c *gin.Context) {
	entries, err := h.admin.OrderAudit(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"items": entries})
}

func (h *handlers) adminSetStatus(c *gin.Context) {
	var in admin.SetStatusInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, h.logger, domain.Validationf("invalid body: %v", err))
		return
	}
	in.OrderID = c.Param("orderId")
	in.Actor = actor(c)
	o, err := h.admin.SetOrderStatus(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *handlers) adminSetPaymentStatus(c *gin.Context) {
	var in admin.SetPaymentStatusInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, h.logger, domain.Validationf("invalid body: %v", err))
		return
	}
	in.OrderID = c.Param("orderId")
	in.Actor = actor(c)
	o, err := h.admin.SetPaymentStatus(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *handlers) adminFulfillment(c *gin.Context) {
	var in admin.FulfillmentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, h.logger, domain.Validationf("invalid body: %v", err))
		return
	}
	in.OrderID = c.Param("orderId")
	in.Actor = actor(c)
	o, err := h.admin.Fulfill(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func providerParam(c *gin.Context) domain.ProviderName {
	return domain.ProviderName(strings.ToLower(c.Param("provider")))
}

func intQuery(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domain.Validationf("%s must be an integer", name)
	}
	return n, nil
}
