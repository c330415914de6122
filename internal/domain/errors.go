package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a unique constraint was hit on insert.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation marks bad input shape; the caller must fix the request.
	ErrValidation = errors.New("validation failed")
	// ErrPriceMismatch marks a cart priced against stale catalog data.
	ErrPriceMismatch = errors.New("price mismatch")
	// ErrOrderNotPayable is returned when the order state forbids a new payment attempt.
	ErrOrderNotPayable = errors.New("order not payable")
	// ErrAttemptInProgress is returned while another request is still talking to the provider.
	ErrAttemptInProgress = errors.New("payment attempt in progress")

	// ErrProviderUnavailable is a transient provider failure (timeout, 5xx, 429).
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrProviderRejected is a terminal provider failure for that transaction.
	ErrProviderRejected = errors.New("payment provider rejected request")

	// ErrStaleVersion is returned when the stored order version moved on.
	ErrStaleVersion = errors.New("stale order version")
	// ErrDuplicateReference is returned when a provider reference is already bound.
	ErrDuplicateReference = errors.New("duplicate provider reference")
	// ErrStaleStatus is returned when a ledger compare-and-set lost the race.
	ErrStaleStatus = errors.New("stale transaction status")

	// ErrIllegalTransition is returned when the guard table refuses an event.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrNoChange is returned when an event is accepted but changes nothing.
	ErrNoChange = errors.New("no change")
)

// Validationf builds an ErrValidation-wrapped error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// PriceCorrection carries the authoritative price for one cart line.
type PriceCorrection struct {
	ProductID      string `json:"productId"`
	SubmittedCents int64  `json:"submittedCents"`
	CurrentCents   int64  `json:"currentCents"`
}

// PriceMismatchError lists every cart line whose price drifted from the catalog.
type PriceMismatchError struct {
	Corrections []PriceCorrection
}

func (e *PriceMismatchError) Error() string {
	ids := make([]string, 0, len(e.Corrections))
	for _, c := range e.Corrections {
		ids = append(ids, c.ProductID)
	}
	return fmt.Sprintf("price mismatch for products %s", strings.Join(ids, ","))
}

func (e *PriceMismatchError) Unwrap() error { return ErrPriceMismatch }
