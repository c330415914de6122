package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-checkout/internal/domain"
)

func TestStripeInitiate(t *testing.T) {
	var got url.Values
	var idemKey, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		idemKey = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_1","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`)
	}))
	defer srv.Close()

	s := NewStripe(StripeConfig{BaseURL: srv.URL, SecretKey: "sk_test"}, srv.Client())
	res, err := s.Initiate(context.Background(), InitiateRequest{
		TransactionID: "tx-1",
		OrderID:       "order-1",
		OrderNumber:   "ORD-1",
		AmountCents:   20000,
		Currency:      "USD",
		ReturnURL:     "https://shop.example/api/payments/stripe/return",
		CancelURL:     "https://shop.example/api/payments/stripe/return",
	})
	require.NoError(t, err)

	assert.Equal(t, "cs_test_1", res.Reference)
	assert.Equal(t, domain.ActionRedirect, res.Action.Kind)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", res.Action.RedirectURL)
	assert.Equal(t, "tx-1", idemKey)
	assert.Equal(t, "Bearer sk_test", auth)
	assert.Equal(t, "20000", got.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "usd", got.Get("line_items[0][price_data][currency]"))
	assert.Equal(t, "tx-1", got.Get("client_reference_id"))
	assert.Contains(t, got.Get("success_url"), "session_id={CHECKOUT_SESSION_ID}")
}

func TestStripeInitiateClassifiesErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"error":{"message":"nope"}}`)
	}))
	defer srv.Close()
	s := NewStripe(StripeConfig{BaseURL: srv.URL}, srv.Client())
	req := InitiateRequest{TransactionID: "tx", AmountCents: 100, Currency: "USD"}

	_, err := s.Initiate(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)

	status = http.StatusBadRequest
	_, err = s.Initiate(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
}

func TestStripeInitiateTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	client := srv.Client()
	client.Timeout = 20 * time.Millisecond

	s := NewStripe(StripeConfig{BaseURL: srv.URL}, client)
	_, err := s.Initiate(context.Background(), InitiateRequest{TransactionID: "tx", AmountCents: 100, Currency: "USD"})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestStripeConfirmReadsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
		fmt.Fprint(w, `{"id":"cs_1","status":"complete","payment_status":"paid","amount_total":20000,"currency":"usd","client_reference_id":"tx-1"}`)
	}))
	defer srv.Close()

	s := NewStripe(StripeConfig{BaseURL: srv.URL}, srv.Client())
	res, err := s.Confirm(context.Background(), ConfirmRequest{Reference: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCaptured, res.Outcome)
	assert.Equal(t, int64(20000), res.AmountCents)
	assert.Equal(t, "USD", res.Currency)
}

func signedStripeEvent(secret string, at time.Time, body string) RawEvent {
	sig := StripeSignature(secret, at.Unix(), []byte(body))
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", at.Unix(), sig))
	return RawEvent{Source: SourceWebhook, Headers: h, Body: []byte(body)}
}

func TestStripeParseWebhook(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	s := NewStripe(StripeConfig{WebhookSecret: "whsec_test"}, nil)
	s.now = func() time.Time { return now }

	body := `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","status":"complete","payment_status":"paid","amount_total":20000,"currency":"usd","client_reference_id":"tx-1","metadata":{"order_id":"order-1"}}}}`

	n, err := s.ParseEvent(context.Background(), signedStripeEvent("whsec_test", now.Add(-time.Minute), body))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", n.EventID)
	assert.Equal(t, "cs_1", n.Reference)
	assert.Equal(t, "tx-1", n.TransactionID)
	assert.Equal(t, "order-1", n.OrderID)
	assert.Equal(t, OutcomeCaptured, n.Outcome)
	assert.Equal(t, int64(20000), n.AmountCents)

	_, err = s.ParseEvent(context.Background(), signedStripeEvent("wrong", now, body))
	assert.ErrorIs(t, err, domain.ErrProviderRejected)

	_, err = s.ParseEvent(context.Background(), signedStripeEvent("whsec_test", now.Add(-10*time.Minute), body))
	assert.ErrorIs(t, err, domain.ErrProviderRejected)

	_, err = s.ParseEvent(context.Background(), RawEvent{Source: SourceWebhook, Headers: http.Header{}, Body: []byte(body)})
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
}

func TestStripeParseRefundAndUnknownEvents(t *testing.T) {
	now := time.Now()
	s := NewStripe(StripeConfig{WebhookSecret: "whsec_test"}, nil)

	refund := `{"id":"evt_2","type":"charge.refunded","data":{"object":{"id":"ch_1","amount_refunded":5000,"currency":"usd","metadata":{"transaction_id":"tx-1","order_id":"order-1"}}}}`
	n, err := s.ParseEvent(context.Background(), signedStripeEvent("whsec_test", now, refund))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, n.Outcome)
	assert.True(t, n.RefundCumulative)
	assert.Equal(t, "ch_1:5000", n.RefundReference)
	assert.Equal(t, "ch_1", n.ChargeID)

	other := `{"id":"evt_3","type":"customer.created","data":{"object":{}}}`
	n, err = s.ParseEvent(context.Background(), signedStripeEvent("whsec_test", now, other))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, n.Outcome)
}

func TestStripeParseReturn(t *testing.T) {
	s := NewStripe(StripeConfig{}, nil)

	n, err := s.ParseEvent(context.Background(), RawEvent{Source: SourceReturn, Query: url.Values{"tx": {"tx-1"}, "session_id": {"cs_1"}}})
	require.NoError(t, err)
	assert.True(t, n.RequiresConfirm)
	assert.Equal(t, "cs_1", n.Reference)

	n, err = s.ParseEvent(context.Background(), RawEvent{Source: SourceReturn, Query: url.Values{"tx": {"tx-1"}, "cancelled": {"1"}}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, n.Outcome)

	_, err = s.ParseEvent(context.Background(), RawEvent{Source: SourceReturn, Query: url.Values{}})
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
}
