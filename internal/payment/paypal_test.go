package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-checkout/internal/domain"
)

type fakePayPal struct {
	captureStatus  int
	captureBody    string
	verifyStatus   string
	lastRequestID  string
	lastAuth       string
	lastCreateBody map[string]any
	tokenCalls     int
}

func (f *fakePayPal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"A21","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		f.lastRequestID = r.Header.Get("PayPal-Request-Id")
		f.lastAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&f.lastCreateBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"5O190127TN364715T","status":"CREATED","links":[{"href":"https://api.paypal.com/v2/checkout/orders/5O190127TN364715T","rel":"self"},{"href":"https://www.paypal.com/checkoutnow?token=5O190127TN364715T","rel":"approve"}]}`)
	})
	mux.HandleFunc("/v2/checkout/orders/5O190127TN364715T/capture", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.captureStatus)
		fmt.Fprint(w, f.captureBody)
	})
	mux.HandleFunc("/v2/checkout/orders/5O190127TN364715T", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completedOrder)
	})
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"verification_status":%q}`, f.verifyStatus)
	})
	return mux
}

const completedOrder = `{"id":"5O190127TN364715T","status":"COMPLETED","purchase_units":[{"reference_id":"order-1","payments":{"captures":[{"id":"3C679366HH908993F","status":"COMPLETED","amount":{"currency_code":"USD","value":"200.00"},"custom_id":"tx-1"}]}}]}`

func newPayPalFixture(t *testing.T) (*PayPal, *fakePayPal) {
	fake := &fakePayPal{captureStatus: http.StatusCreated, captureBody: completedOrder, verifyStatus: "SUCCESS"}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	p := NewPayPal(PayPalConfig{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret", WebhookID: "WH-1"}, srv.Client())
	return p, fake
}

func TestPayPalInitiate(t *testing.T) {
	p, fake := newPayPalFixture(t)

	res, err := p.Initiate(context.Background(), InitiateRequest{
		TransactionID: "tx-1", OrderID: "order-1", OrderNumber: "ORD-1",
		AmountCents: 20000, Currency: "USD",
		ReturnURL: "https://shop.example/api/payments/paypal/return",
		CancelURL: "https://shop.example/api/payments/paypal/return",
	})
	require.NoError(t, err)
	assert.Equal(t, "5O190127TN364715T", res.Reference)
	assert.Equal(t, "https://www.paypal.com/checkoutnow?token=5O190127TN364715T", res.Action.RedirectURL)
	assert.Equal(t, "tx-1", fake.lastRequestID)
	assert.Equal(t, "Bearer A21", fake.lastAuth)
	assert.Equal(t, 1, fake.tokenCalls)

	units := fake.lastCreateBody["purchase_units"].([]any)
	amount := units[0].(map[string]any)["amount"].(map[string]any)
	assert.Equal(t, "200.00", amount["value"])
	assert.Equal(t, "USD", amount["currency_code"])
}

func TestPayPalConfirmCaptures(t *testing.T) {
	p, _ := newPayPalFixture(t)

	res, err := p.Confirm(context.Background(), ConfirmRequest{Reference: "5O190127TN364715T"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCaptured, res.Outcome)
	assert.Equal(t, int64(20000), res.AmountCents)
	assert.Equal(t, "USD", res.Currency)
}

func TestPayPalConfirmAlreadyCapturedReReadsOrder(t *testing.T) {
	p, fake := newPayPalFixture(t)
	fake.captureStatus = http.StatusUnprocessableEntity
	fake.captureBody = `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`

	res, err := p.Confirm(context.Background(), ConfirmRequest{Reference: "5O190127TN364715T"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCaptured, res.Outcome)
}

func TestPayPalConfirmDeclined(t *testing.T) {
	p, fake := newPayPalFixture(t)
	fake.captureStatus = http.StatusUnprocessableEntity
	fake.captureBody = `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"INSTRUMENT_DECLINED"}]}`

	_, err := p.Confirm(context.Background(), ConfirmRequest{Reference: "5O190127TN364715T"})
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
}

func TestPayPalParseReturn(t *testing.T) {
	p, _ := newPayPalFixture(t)

	n, err := p.ParseEvent(context.Background(), RawEvent{Source: SourceReturn, Query: url.Values{"tx": {"tx-1"}, "token": {"5O190127TN364715T"}, "PayerID": {"P1"}}})
	require.NoError(t, err)
	assert.True(t, n.RequiresConfirm)
	assert.Equal(t, "5O190127TN364715T", n.Reference)
	assert.Equal(t, "tx-1", n.TransactionID)

	n, err = p.ParseEvent(context.Background(), RawEvent{Source: SourceReturn, Query: url.Values{"tx": {"tx-1"}, "token": {"5O190127TN364715T"}, "cancelled": {"1"}}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, n.Outcome)
	assert.Equal(t, "cancelled_by_buyer", n.FailureReason)
}

func TestPayPalParseWebhook(t *testing.T) {
	p, fake := newPayPalFixture(t)
	body := `{"id":"WH-EVT-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"3C679366HH908993F","status":"COMPLETED","custom_id":"tx-1","amount":{"currency_code":"USD","value":"200.00"},"supplementary_data":{"related_ids":{"order_id":"5O190127TN364715T"}}}}`

	n, err := p.ParseEvent(context.Background(), RawEvent{Source: SourceWebhook, Headers: http.Header{}, Body: []byte(body)})
	require.NoError(t, err)
	assert.Equal(t, "WH-EVT-1", n.EventID)
	assert.Equal(t, "5O190127TN364715T", n.Reference)
	assert.Equal(t, "tx-1", n.TransactionID)
	assert.Equal(t, OutcomeCaptured, n.Outcome)
	assert.Equal(t, int64(20000), n.AmountCents)

	fake.verifyStatus = "FAILURE"
	_, err = p.ParseEvent(context.Background(), RawEvent{Source: SourceWebhook, Headers: http.Header{}, Body: []byte(body)})
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
}

func TestPayPalParseApprovedWebhookRequiresConfirm(t *testing.T) {
	p, _ := newPayPalFixture(t)
	body := `{"id":"WH-EVT-2","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"5O190127TN364715T","status":"APPROVED"}}`

	n, err := p.ParseEvent(context.Background(), RawEvent{Source: SourceWebhook, Headers: http.Header{}, Body: []byte(body)})
	require.NoError(t, err)
	assert.True(t, n.RequiresConfirm)
	assert.Equal(t, "5O190127TN364715T", n.Reference)
}
