package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketplace-checkout/internal/domain"
)

// Actions tell the client what to do next.
const (
	actionRetry                 = "retry"
	actionChooseAnotherProvider = "choose_another_provider"
	actionContactSupport        = "contact_support"
	actionRefreshCart           = "refresh_cart"
	actionReload                = "reload"
)

type errorBody struct {
	Code        string                   `json:"code"`
	Message     string                   `json:"message"`
	Action      string                   `json:"action,omitempty"`
	Corrections []domain.PriceCorrection `json:"corrections,omitempty"`
}

// writeError maps a domain error to its HTTP status and body.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.Error("request_failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func classify(err error) (int, errorBody) {
	var pm *domain.PriceMismatchError
	switch {
	case errors.As(err, &pm):
		return http.StatusConflict, errorBody{
			Code:        "price_mismatch",
			Message:     "some prices changed, review your cart",
			Action:      actionRefreshCart,
			Corrections: pm.Corrections,
		}
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, errorBody{Code: "validation_error", Message: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: "not found"}
	case errors.Is(err, domain.ErrStaleVersion):
		return http.StatusConflict, errorBody{
			Code:    "stale_version",
			Message: "someone else just updated this order, reload and retry",
			Action:  actionReload,
		}
	case errors.Is(err, domain.ErrOrderNotPayable):
		return http.StatusConflict, errorBody{Code: "order_not_payable", Message: err.Error(), Action: actionReload}
	case errors.Is(err, domain.ErrAttemptInProgress):
		return http.StatusConflict, errorBody{
			Code:    "payment_in_progress",
			Message: "a payment for this order is already in progress",
			Action:  actionRetry,
		}
	case errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict, errorBody{Code: "illegal_transition", Message: err.Error(), Action: actionReload}
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, errorBody{Code: "conflict", Message: "already exists", Action: actionRetry}
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, errorBody{
			Code:    "provider_unavailable",
			Message: "the payment provider is not responding, try again shortly",
			Action:  actionRetry,
		}
	case errors.Is(err, domain.ErrProviderRejected):
		return http.StatusBadGateway, errorBody{
			Code:    "provider_rejected",
			Message: "the payment provider refused this payment",
			Action:  actionChooseAnotherProvider,
		}
	}
	return http.StatusInternalServerError, errorBody{Code: "internal_error", Message: "internal error", Action: actionContactSupport}
}
