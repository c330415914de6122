package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/idempotency"
	"marketplace-checkout/internal/lifecycle"
	"marketplace-checkout/internal/payment"
	"marketplace-checkout/internal/repository/ledger"
	"marketplace-checkout/internal/repository/order"
	"marketplace-checkout/internal/service/admin"
)

type fakeProvider struct {
	name         domain.ProviderName
	next         payment.Notification
	parseErr     error
	confirm      payment.ConfirmationResult
	confirmErr   error
	confirmCalls []payment.ConfirmRequest
}

func (f *fakeProvider) Name() domain.ProviderName { return f.name }

func (f *fakeProvider) Initiate(context.Context, payment.InitiateRequest) (payment.InitiationResult, error) {
	return payment.InitiationResult{}, errors.New("not used")
}

func (f *fakeProvider) Confirm(_ context.Context, req payment.ConfirmRequest) (payment.ConfirmationResult, error) {
	f.confirmCalls = append(f.confirmCalls, req)
	return f.confirm, f.confirmErr
}

func (f *fakeProvider) ParseEvent(context.Context, payment.RawEvent) (payment.Notification, error) {
	return f.next, f.parseErr
}

type fixture struct {
	svc    *Service
	orders *order.Memory
	ledger *ledger.Memory
	dedup  *idempotency.Memory
	paypal *fakeProvider
	stripe *fakeProvider
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders: order.NewMemory(nil),
		ledger: ledger.NewMemory(),
		dedup:  idempotency.NewMemory(time.Hour),
		paypal: &fakeProvider{name: domain.ProviderPayPal},
		stripe: &fakeProvider{name: domain.ProviderStripe},
		now:    time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
	}
	f.svc = New(f.orders, f.ledger, payment.NewRegistry(f.paypal, f.stripe), f.dedup, lifecycle.Machine{}, Options{MaxRetries: 3}, zaptest.NewLogger(t), nil)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) seedOrder(t *testing.T, total int64) domain.Order {
	t.Helper()
	o := domain.Order{
		ID:            fmt.Sprintf("order-%d", total),
		Number:        fmt.Sprintf("ORD-20261019-%08d", total),
		Lines:         []domain.LineItem{{ProductID: "p1", Title: "Mug", UnitPriceCents: total, Quantity: 1, SubtotalCents: total}},
		TotalCents:    total,
		Currency:      "USD",
		Status:        domain.StatusAwaitingPayment,
		PaymentStatus: domain.PaymentUnpaid,
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
	}
	require.NoError(t, f.orders.Create(context.Background(), o))
	return o
}

func (f *fixture) seedTx(t *testing.T, id string, o domain.Order, provider domain.ProviderName, amount int64, ref string) domain.PaymentTransaction {
	t.Helper()
	tx := domain.PaymentTransaction{
		ID:          id,
		OrderID:     o.ID,
		Provider:    provider,
		AmountCents: amount,
		Currency:    o.Currency,
		Status:      domain.TxInitiated,
		Kind:        domain.TxKindPayment,
		CreatedAt:   f.now,
		ExpiresAt:   f.now.Add(30 * time.Minute),
	}
	require.NoError(t, f.ledger.Create(context.Background(), tx))
	if ref != "" {
		require.NoError(t, f.ledger.SetAction(context.Background(), id, ref, domain.PaymentAction{Kind: domain.ActionRedirect, RedirectURL: "https://pay.example/" + ref}))
	}
	got, err := f.ledger.GetByID(context.Background(), id)
	require.NoError(t, err)
	return *got
}

func (f *fixture) order(t *testing.T, id string) domain.Order {
	t.Helper()
	o, err := f.orders.GetByID(context.Background(), id)
	require.NoError(t, err)
	return *o
}

func (f *fixture) tx(t *testing.T, id string) domain.PaymentTransaction {
	t.Helper()
	tx, err := f.ledger.GetByID(context.Background(), id)
	require.NoError(t, err)
	return *tx
}

func returnEvent() payment.RawEvent { return payment.RawEvent{Source: payment.SourceReturn} }

func webhook() payment.RawEvent { return payment.RawEvent{Source: payment.SourceWebhook} }

func TestPayPalReturnCapturesAndProjects(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 5500)
	f.seedTx(t, "tx-1", o, domain.ProviderPayPal, 5500, "PP-1")

	f.paypal.next = payment.Notification{Reference: "PP-1", TransactionID: "tx-1", Outcome: payment.OutcomePending, RequiresConfirm: true}
	f.paypal.confirm = payment.ConfirmationResult{Outcome: payment.OutcomeCaptured, Reference: "PP-1", AmountCents: 5500, Currency: "USD"}

	res, err := f.svc.Reconcile(context.Background(), domain.ProviderPayPal, returnEvent())
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: OutcomeApplied, OrderID: o.ID, TransactionID: "tx-1"}, res)
	require.Len(t, f.paypal.confirmCalls, 1)
	assert.Equal(t, payment.ConfirmRequest{Reference: "PP-1", TransactionID: "tx-1", AmountCents: 5500, Currency: "USD"}, f.paypal.confirmCalls[0])

	got := f.order(t, o.ID)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, int64(1), got.Version)

	tx := f.tx(t, "tx-1")
	assert.Equal(t, domain.TxCaptured, tx.Status)
	assert.NotNil(t, tx.ProjectedAt)

	// the buyer reloads the return page
	res, err = f.svc.Reconcile(context.Background(), domain.ProviderPayPal, returnEvent())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Len(t, f.paypal.confirmCalls, 1)
	assert.Equal(t, int64(1), f.order(t, o.ID).Version)
}

func TestFailureAfterCaptureIsIgnored(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2000, "cs_1")

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 2000, Currency: "USD"}
	_, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)

	f.stripe.next = payment.Notification{EventID: "evt_2", Reference: "cs_1", Outcome: payment.OutcomeFailed, FailureReason: "expired"}
	res, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOutOfOrder, res.Outcome)

	assert.Equal(t, domain.TxCaptured, f.tx(t, "tx-1").Status)
	got := f.order(t, o.ID)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, int64(1), got.Version)
}

func TestDuplicateWebhookIsDropped(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2000, "cs_1")

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 2000, Currency: "USD"}
	for i := 0; i < 3; i++ {
		_, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
		require.NoError(t, err)
	}
	got := f.order(t, o.ID)
	assert.Equal(t, int64(2000), got.CapturedCents)
	assert.Equal(t, int64(1), got.Version)

	// without the fast path the ledger still recognises the replay
	f.svc.dedup = nil
	res, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(2000), f.order(t, o.ID).CapturedCents)
}

type flakyOrders struct {
	*order.Memory
	failUpdates int
	err         error
}

func (f *flakyOrders) Update(ctx context.Context, o domain.Order, expected int64, audit domain.AuditEntry) error {
	if f.failUpdates > 0 {
		f.failUpdates--
		return f.err
	}
	return f.Memory.Update(ctx, o, expected, audit)
}

func TestFailedDeliveryReleasesDedupClaim(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2000, "cs_1")
	f.svc.orders = &flakyOrders{Memory: f.orders, failUpdates: 1, err: errors.New("connection reset")}

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 2000, Currency: "USD"}
	_, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.Error(t, err)

	tx := f.tx(t, "tx-1")
	assert.Equal(t, domain.TxCaptured, tx.Status)
	assert.Nil(t, tx.ProjectedAt)

	res, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.PaymentPaid, f.order(t, o.ID).PaymentStatus)
	assert.NotNil(t, f.tx(t, "tx-1").ProjectedAt)
}

func TestProjectionRetriesStaleVersion(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2000, "cs_1")
	f.svc.orders = &flakyOrders{Memory: f.orders, failUpdates: 2, err: domain.ErrStaleVersion}

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 2000, Currency: "USD"}
	res, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.PaymentPaid, f.order(t, o.ID).PaymentStatus)
}

func TestProjectionGivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2000, "cs_1")
	f.svc.orders = &flakyOrders{Memory: f.orders, failUpdates: 10, err: domain.ErrStaleVersion}

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 2000, Currency: "USD"}
	_, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	assert.ErrorIs(t, err, domain.ErrStaleVersion)

	claimed, err := f.dedup.Claim(context.Background(), idempotency.Key("stripe", "evt_1"))
	require.NoError(t, err)
	assert.True(t, claimed, "claim must be released for redelivery")
}

func TestRecoveredProjectionIsNotCountedTwice(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2000, "cs_1")

	// order updated, process died before MarkProjected
	require.NoError(t, f.ledger.Resolve(context.Background(), "tx-1", domain.TxResolution{From: domain.TxPendingConfirmation, To: domain.TxCaptured, AmountCents: 2000, At: f.now}))
	res, err := lifecycle.Machine{}.Apply(o, lifecycle.PaymentCaptured{AmountCents: 2000, TransactionID: "tx-1"}, "provider:stripe", f.now)
	require.NoError(t, err)
	require.NoError(t, f.orders.Update(context.Background(), res.Order, 0, res.Audit))

	f.stripe.next = payment.Notification{EventID: "evt_9", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 2000, Currency: "USD"}
	out, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Outcome)

	got := f.order(t, o.ID)
	assert.Equal(t, int64(2000), got.CapturedCents)
	assert.Equal(t, int64(1), got.Version)
	assert.NotNil(t, f.tx(t, "tx-1").ProjectedAt)
}

func TestPartialPaymentsAccumulate(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 20000)
	f.seedTx(t, "tx-1", o, domain.ProviderPayPal, 20000, "PP-1")

	f.paypal.next = payment.Notification{EventID: "WH-1", Reference: "PP-1", Outcome: payment.OutcomeCaptured, AmountCents: 15000, Currency: "USD"}
	_, err := f.svc.Reconcile(context.Background(), domain.ProviderPayPal, webhook())
	require.NoError(t, err)
	got := f.order(t, o.ID)
	assert.Equal(t, domain.PaymentPartial, got.PaymentStatus)
	assert.Equal(t, domain.StatusAwaitingPayment, got.Status)
	assert.Equal(t, int64(5000), got.OutstandingCents())

	f.seedTx(t, "tx-2", o, domain.ProviderStripe, 5000, "cs_2")
	f.stripe.next = payment.Notification{EventID: "evt_2", Reference: "cs_2", Outcome: payment.OutcomeCaptured, AmountCents: 5000, Currency: "USD"}
	_, err = f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)

	got = f.order(t, o.ID)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, int64(20000), got.CapturedCents)
}

func TestLateCaptureAfterExpiryIsAccepted(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2000, "cs_1")
	require.NoError(t, f.ledger.Resolve(context.Background(), "tx-1", domain.TxResolution{From: domain.TxPendingConfirmation, To: domain.TxFailed, FailureReason: "expired", At: f.now}))

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 2000, Currency: "USD"}
	res, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.TxCaptured, f.tx(t, "tx-1").Status)
	assert.Equal(t, domain.PaymentPaid, f.order(t, o.ID).PaymentStatus)
}

func TestLateCaptureOnCancelledOrderIsFlagged(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2000, "cs_1")
	cancelled, err := lifecycle.Machine{}.Apply(o, lifecycle.Cancel{Reason: "buyer asked"}, "seller", f.now)
	require.NoError(t, err)
	require.NoError(t, f.orders.Update(context.Background(), cancelled.Order, 0, cancelled.Audit))

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 2000, Currency: "USD"}
	_, err = f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)

	got := f.order(t, o.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.ReviewLateCapture, got.ReviewReason)
	assert.Equal(t, int64(2000), got.CapturedCents)
}

func TestCaptureAfterAdminCancelKeepsOrderCancelled(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2500)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2500, "cs_1")

	ops := admin.New(f.orders, lifecycle.Machine{}, zaptest.NewLogger(t), nil)
	cancelled, err := ops.SetOrderStatus(context.Background(), admin.SetStatusInput{
		OrderID: o.ID, Status: domain.StatusCancelled, Note: "buyer called support", Version: 0, Actor: "ops@shop",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 2500, Currency: "USD"}
	_, err = f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)

	got := f.order(t, o.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, domain.ReviewLateCapture, got.ReviewReason)
	assert.Equal(t, int64(2500), got.CapturedCents)
	assert.Equal(t, domain.TxCaptured, f.tx(t, "tx-1").Status)
	assert.Contains(t, got.AdminNotes, "ops@shop] buyer called support")
}

func TestBuyerCancelFailsAttempt(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderPayPal, 2000, "PP-1")

	f.paypal.next = payment.Notification{Reference: "PP-1", TransactionID: "tx-1", Outcome: payment.OutcomeFailed, FailureReason: "cancelled_by_buyer"}
	res, err := f.svc.Reconcile(context.Background(), domain.ProviderPayPal, returnEvent())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, o.ID, res.OrderID)

	tx := f.tx(t, "tx-1")
	assert.Equal(t, domain.TxFailed, tx.Status)
	assert.Equal(t, "cancelled_by_buyer", tx.FailureReason)
	got := f.order(t, o.ID)
	assert.Equal(t, domain.PaymentUnpaid, got.PaymentStatus)
	assert.Equal(t, int64(0), got.Version)
}

func TestConfirmRejectedFailsAttempt(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderPayPal, 2000, "PP-1")

	f.paypal.next = payment.Notification{Reference: "PP-1", Outcome: payment.OutcomePending, RequiresConfirm: true}
	f.paypal.confirmErr = fmt.Errorf("%w: paypal returned 422: INSTRUMENT_DECLINED", domain.ErrProviderRejected)
	_, err := f.svc.Reconcile(context.Background(), domain.ProviderPayPal, returnEvent())
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, f.tx(t, "tx-1").Status)
}

func TestConfirmUnavailableIsRetryable(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderPayPal, 2000, "PP-1")

	f.paypal.next = payment.Notification{Reference: "PP-1", Outcome: payment.OutcomePending, RequiresConfirm: true}
	f.paypal.confirmErr = fmt.Errorf("%w: paypal returned 503", domain.ErrProviderUnavailable)
	_, err := f.svc.Reconcile(context.Background(), domain.ProviderPayPal, returnEvent())
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, domain.TxPendingConfirmation, f.tx(t, "tx-1").Status)
}

func TestUnknownReferenceIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_nope", Outcome: payment.OutcomeCaptured, AmountCents: 100, Currency: "USD"}

	res, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownReference, res.Outcome)
}

func TestRejectedEventIsReturned(t *testing.T) {
	f := newFixture(t)
	f.stripe.parseErr = fmt.Errorf("%w: stripe: signature mismatch", domain.ErrProviderRejected)

	_, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	assert.ErrorIs(t, err, domain.ErrProviderRejected)

	_, err = f.svc.Reconcile(context.Background(), "bitcoin", webhook())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestIgnoredEvent(t *testing.T) {
	f := newFixture(t)
	f.paypal.next = payment.Notification{EventID: "WH-7", Outcome: payment.OutcomeIgnored}

	res, err := f.svc.Reconcile(context.Background(), domain.ProviderPayPal, webhook())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestCurrencyMismatchIsRejected(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2000, "cs_1")

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 2000, Currency: "EUR"}
	_, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
	assert.Equal(t, domain.TxPendingConfirmation, f.tx(t, "tx-1").Status)
}

func TestFirstSeenReferenceIsAttached(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 2000, "")

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_late", TransactionID: "tx-1", Outcome: payment.OutcomeCaptured, AmountCents: 2000, Currency: "USD"}
	_, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)

	tx, err := f.ledger.GetByReference(context.Background(), domain.ProviderStripe, "cs_late")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)
	assert.Equal(t, domain.TxCaptured, tx.Status)
}

func TestCumulativeRefunds(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 5500)
	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 5500, "cs_1")

	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 5500, Currency: "USD"}
	_, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)

	refund := func(eventID string, total int64) Result {
		f.stripe.next = payment.Notification{
			EventID:          eventID,
			TransactionID:    "tx-1",
			Outcome:          payment.OutcomeRefunded,
			AmountCents:      total,
			Currency:         "USD",
			RefundReference:  fmt.Sprintf("ch_1:%d", total),
			RefundCumulative: true,
			ChargeID:         "ch_1",
		}
		res, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, OutcomeApplied, refund("evt_2", 1000).Outcome)
	got := f.order(t, o.ID)
	assert.Equal(t, int64(1000), got.RefundedCents)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)

	assert.Equal(t, OutcomeApplied, refund("evt_3", 5500).Outcome)
	got = f.order(t, o.ID)
	assert.Equal(t, int64(5500), got.RefundedCents)
	assert.Equal(t, domain.PaymentRefunded, got.PaymentStatus)

	// redelivered under a new event id
	assert.Equal(t, OutcomeDuplicate, refund("evt_4", 5500).Outcome)
	assert.Equal(t, int64(5500), f.order(t, o.ID).RefundedCents)

	txs, err := f.ledger.ListByOrder(context.Background(), o.ID)
	require.NoError(t, err)
	var refunds []int64
	for _, tx := range txs {
		if tx.Kind == domain.TxKindRefund {
			refunds = append(refunds, tx.AmountCents)
		}
	}
	assert.ElementsMatch(t, []int64{1000, 4500}, refunds)
}

func TestCumulativeRefundsAreTrackedPerCharge(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 200)

	f.seedTx(t, "tx-1", o, domain.ProviderStripe, 200, "cs_1")
	f.stripe.next = payment.Notification{EventID: "evt_1", Reference: "cs_1", Outcome: payment.OutcomeCaptured, AmountCents: 150, Currency: "USD"}
	_, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)

	f.seedTx(t, "tx-2", o, domain.ProviderStripe, 50, "cs_2")
	f.stripe.next = payment.Notification{EventID: "evt_2", Reference: "cs_2", Outcome: payment.OutcomeCaptured, AmountCents: 50, Currency: "USD"}
	_, err = f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPaid, f.order(t, o.ID).PaymentStatus)

	refund := func(eventID, txID, chargeID string, total int64) Result {
		f.stripe.next = payment.Notification{
			EventID:          eventID,
			TransactionID:    txID,
			Outcome:          payment.OutcomeRefunded,
			AmountCents:      total,
			Currency:         "USD",
			RefundReference:  fmt.Sprintf("%s:%d", chargeID, total),
			RefundCumulative: true,
			ChargeID:         chargeID,
		}
		res, err := f.svc.Reconcile(context.Background(), domain.ProviderStripe, webhook())
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, OutcomeApplied, refund("evt_3", "tx-1", "ch_1", 100).Outcome)
	assert.Equal(t, int64(100), f.order(t, o.ID).RefundedCents)

	assert.Equal(t, OutcomeApplied, refund("evt_4", "tx-2", "ch_2", 50).Outcome)
	got := f.order(t, o.ID)
	assert.Equal(t, int64(150), got.RefundedCents)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)

	assert.Equal(t, OutcomeApplied, refund("evt_5", "tx-1", "ch_1", 150).Outcome)
	got = f.order(t, o.ID)
	assert.Equal(t, int64(200), got.RefundedCents)
	assert.Equal(t, domain.PaymentRefunded, got.PaymentStatus)
}

func TestRefundBeforeCaptureIsNotProjected(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, 2000)
	f.seedTx(t, "tx-1", o, domain.ProviderPayPal, 2000, "PP-1")

	f.paypal.next = payment.Notification{EventID: "WH-1", Reference: "PP-1", Outcome: payment.OutcomeRefunded, AmountCents: 2000, Currency: "USD", RefundReference: "RF-1"}
	res, err := f.svc.Reconcile(context.Background(), domain.ProviderPayPal, webhook())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotProjected, res.Outcome)
	assert.Equal(t, domain.PaymentUnpaid, f.order(t, o.ID).PaymentStatus)
}
