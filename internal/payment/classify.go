package payment

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	"marketplace-checkout/internal/domain"
)

const maxErrorBody = 512

// classifyTransport maps a failed round trip to a provider error.
func classifyTransport(provider domain.ProviderName, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.Response != nil {
		code := rErr.Response.StatusCode
		if code != http.StatusTooManyRequests && code < 500 {
			return fmt.Errorf("%w: %s token request returned %d", domain.ErrProviderRejected, provider, code)
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrProviderUnavailable, provider, err)
}

// classifyStatus maps a non-2xx response to a provider error. 429 and 5xx are
// transient; every other 4xx is terminal for the transaction.
func classifyStatus(provider domain.ProviderName, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", domain.ErrProviderUnavailable, provider, resp.StatusCode)
	}
	return fmt.Errorf("%w: %s returned %d: %s", domain.ErrProviderRejected, provider, resp.StatusCode, msg)
}

func rejected(provider domain.ProviderName, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", domain.ErrProviderRejected, provider, fmt.Sprintf(format, args...))
}

// toMinor converts a provider decimal amount such as "200.00" to minor units.
func toMinor(amount string) (int64, error) {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(amount), ",", ""))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than two decimals", amount)
	}
	return minor.IntPart(), nil
}

// fromMinor renders minor units as a two-decimal amount string.
func fromMinor(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
