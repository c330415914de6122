package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/metrics"
	"marketplace-checkout/internal/payment"
	"marketplace-checkout/internal/service/admin"
	"marketplace-checkout/internal/service/checkout"
	"marketplace-checkout/internal/service/reconcile"
)

type CheckoutService interface {
	CreateOrder(ctx context.Context, in checkout.CreateOrderInput) (*domain.Order, error)
	InitiatePayment(ctx context.Context, orderID string, provider domain.ProviderName) (*checkout.ProviderAction, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*domain.Order, error)
	ListTransactions(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error)
}

type ReconcileService interface {
	Reconcile(ctx context.Context, provider domain.ProviderName, raw payment.RawEvent) (reconcile.Result, error)
}

type AdminService interface {
	SetOrderStatus(ctx context.Context, in admin.SetStatusInput) (*domain.Order, error)
	SetPaymentStatus(ctx context.Context, in admin.SetPaymentStatusInput) (*domain.Order, error)
	Fulfill(ctx context.Context, in admin.FulfillmentInput) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter, page domain.Page) (*admin.OrderPage, error)
	OrderAudit(ctx context.Context, orderID string) ([]domain.AuditEntry, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

// Deps holds the services and infrastructure the router needs.
type Deps struct {
	Checkout   CheckoutService
	Reconciler ReconcileService
	Admin      AdminService
	// AdminCredentials maps operator names to bcrypt password hashes.
	AdminCredentials map[string][]byte
	CORSOrigins      []string
	DB               Pinger
	// Dedup is the webhook claim cache. Optional; it never fails readiness.
	Dedup    Pinger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// buildRouter wires routes for the API.
func buildRouter(logger *zap.Logger, deps Deps) (*gin.Engine, error) {
	if deps.Checkout == nil || deps.Reconciler == nil || deps.Admin == nil {
		return nil, errors.New("httpserver: checkout, reconcile and admin services are required")
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(accessLog(logger, deps.Metrics), recovery(logger))
	if len(deps.CORSOrigins) > 0 {
		router.Use(corsMiddleware(deps.CORSOrigins))
	}

	router.GET("/healthz", healthHandler)
	router.GET("/readyz", readyHandler(
		readinessCheck{name: "db", pinger: deps.DB, required: true},
		readinessCheck{name: "dedup", pinger: deps.Dedup},
	))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	h := &handlers{logger: logger, checkout: deps.Checkout, reconciler: deps.Reconciler, admin: deps.Admin}

	api := router.Group("/api")
	api.POST("/orders", h.createOrder)
	api.GET("/orders", h.findOrder)
	api.GET("/orders/:orderId", h.getOrder)
	api.POST("/orders/:orderId/payments", h.initiatePayment)
	api.GET("/orders/:orderId/transactions", h.listTransactions)
	api.GET("/payments/:provider/return", h.paymentReturn)
	api.POST("/payments/:provider/return", h.paymentReturn)
	api.POST("/payments/:provider/callback", h.paymentCallback)

	adm := api.Group("/admin", adminAuth(deps.AdminCredentials))
	adm.GET("/orders", h.adminListOrders)
	adm.GET("/orders/:orderId", h.adminGetOrder)
	adm.GET("/orders/:orderId/audit", h.adminAudit)
	adm.POST("/orders/:orderId/status", h.adminSetStatus)
	adm.POST("/orders/:orderId/payment-status", h.adminSetPaymentStatus)
	adm.POST("/orders/:orderId/fulfillment", h.adminFulfillment)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// accessLog writes one structured line per request and records its latency.
func accessLog(logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		latency := time.Since(start)
		m.HTTPRequest(c.Request.Method, route, strconv.Itoa(status), latency.Seconds())

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", strings.TrimSpace(c.Errors.String())))
		}
		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

func recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		logger.Error("http_panic", zap.Any("panic", rec), zap.String("path", c.Request.URL.Path), zap.Stack("stack"))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
			Code:    "internal_error",
			Message: "internal error",
			Action:  actionContactSupport,
		})
	})
}
