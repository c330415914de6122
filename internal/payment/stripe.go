package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketplace-checkout/internal/domain"
)

const defaultStripeTolerance = 5 * time.Minute

type StripeConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	// Tolerance bounds the age of a signed webhook; zero means five minutes.
	Tolerance time.Duration
}

// Stripe is the single-phase redirect gateway: a hosted checkout session
// collects the payment and a webhook reports completion.
type Stripe struct {
	cfg    StripeConfig
	client *http.Client
	now    func() time.Time
}

func NewStripe(cfg StripeConfig, client *http.Client) *Stripe {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultStripeTolerance
	}
	return &Stripe{cfg: cfg, client: defaultHTTPClient(client), now: time.Now}
}

func (s *Stripe) Name() domain.ProviderName { return domain.ProviderStripe }

type stripeSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func (s *Stripe) Initiate(ctx context.Context, req InitiateRequest) (InitiationResult, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.ReturnURL+"?tx="+url.QueryEscape(req.TransactionID)+"&session_id={CHECKOUT_SESSION_ID}")
	form.Set("cancel_url", req.CancelURL+"?tx="+url.QueryEscape(req.TransactionID)+"&cancelled=1")
	form.Set("client_reference_id", req.TransactionID)
	form.Set("metadata[order_id]", req.OrderID)
	form.Set("metadata[transaction_id]", req.TransactionID)
	form.Set("payment_intent_data[metadata][order_id]", req.OrderID)
	form.Set("payment_intent_data[metadata][transaction_id]", req.TransactionID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", "Order "+req.OrderNumber)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return InitiationResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", req.TransactionID)

	var out stripeSession
	if err := s.do(httpReq, &out); err != nil {
		return InitiationResult{}, err
	}
	if out.ID == "" || out.URL == "" {
		return InitiationResult{}, rejected(s.Name(), "session response without id or url")
	}
	return InitiationResult{
		Reference: out.ID,
		Action:    domain.PaymentAction{Kind: domain.ActionRedirect, RedirectURL: out.URL},
	}, nil
}

// Confirm reads the checkout session. It never moves money.
func (s *Stripe) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmationResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/v1/checkout/sessions/"+url.PathEscape(req.Reference), nil)
	if err != nil {
		return ConfirmationResult{}, err
	}
	var out stripeSession
	if err := s.do(httpReq, &out); err != nil {
		return ConfirmationResult{}, err
	}
	n := sessionNotification(out)
	return ConfirmationResult{
		Outcome:       n.Outcome,
		Reference:     out.ID,
		AmountCents:   n.AmountCents,
		Currency:      n.Currency,
		FailureReason: n.FailureReason,
	}, nil
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
}

func (s *Stripe) ParseEvent(_ context.Context, ev RawEvent) (Notification, error) {
	if ev.Source == SourceReturn {
		return s.parseReturn(ev.Query)
	}

	if err := s.verifySignature(ev.Headers.Get("Stripe-Signature"), ev.Body); err != nil {
		return Notification{}, err
	}
	var event stripeEvent
	if err := json.Unmarshal(ev.Body, &event); err != nil {
		return Notification{}, rejected(s.Name(), "decode event: %v", err)
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var sess stripeSession
		if err := json.Unmarshal(event.Data.Object, &sess); err != nil {
			return Notification{}, rejected(s.Name(), "decode session: %v", err)
		}
		n := sessionNotification(sess)
		n.EventID = event.ID
		if event.Type == "checkout.session.async_payment_failed" {
			n.Outcome = OutcomeFailed
			n.FailureReason = "async_payment_failed"
		}
		return n, nil
	case "charge.refunded":
		var ch stripeCharge
		if err := json.Unmarshal(event.Data.Object, &ch); err != nil {
			return Notification{}, rejected(s.Name(), "decode charge: %v", err)
		}
		txID := ch.Metadata["transaction_id"]
		if txID == "" {
			return Notification{}, rejected(s.Name(), "refund %s without transaction metadata", ch.ID)
		}
		return Notification{
			EventID:          event.ID,
			TransactionID:    txID,
			OrderID:          ch.Metadata["order_id"],
			Outcome:          OutcomeRefunded,
			AmountCents:      ch.AmountRefunded,
			Currency:         strings.ToUpper(ch.Currency),
			RefundReference:  ch.ID + ":" + strconv.FormatInt(ch.AmountRefunded, 10),
			RefundCumulative: true,
			ChargeID:         ch.ID,
		}, nil
	}
	return Notification{EventID: event.ID, Outcome: OutcomeIgnored}, nil
}

func sessionNotification(sess stripeSession) Notification {
	n := Notification{
		Reference:     sess.ID,
		TransactionID: sess.ClientReferenceID,
		OrderID:       sess.Metadata["order_id"],
		AmountCents:   sess.AmountTotal,
		Currency:      strings.ToUpper(sess.Currency),
		Outcome:       OutcomePending,
	}
	switch {
	case sess.PaymentStatus == "paid":
		n.Outcome = OutcomeCaptured
	case sess.Status == "expired":
		n.Outcome = OutcomeFailed
		n.FailureReason = "expired"
	}
	return n
}

func (s *Stripe) parseReturn(q url.Values) (Notification, error) {
	sessionID := q.Get("session_id")
	tx := q.Get("tx")
	if q.Get("cancelled") == "1" && tx != "" {
		return Notification{TransactionID: tx, Outcome: OutcomeFailed, FailureReason: "cancelled_by_buyer"}, nil
	}
	if sessionID == "" {
		return Notification{}, rejected(s.Name(), "return without session_id")
	}
	return Notification{Reference: sessionID, TransactionID: tx, Outcome: OutcomePending, RequiresConfirm: true}, nil
}

// verifySignature checks a "t=<unix>,v1=<hex>" header against the raw body.
func (s *Stripe) verifySignature(header string, body []byte) error {
	if s.cfg.WebhookSecret == "" {
		return rejected(s.Name(), "webhook secret not configured")
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return rejected(s.Name(), "malformed signature header")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return rejected(s.Name(), "malformed signature timestamp")
	}
	age := s.now().Sub(time.Unix(unix, 0))
	if age > s.cfg.Tolerance || age < -s.cfg.Tolerance {
		return rejected(s.Name(), "signature timestamp outside tolerance")
	}

	expected := StripeSignature(s.cfg.WebhookSecret, unix, body)
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return rejected(s.Name(), "signature mismatch")
}

// StripeSignature computes the v1 signature of body signed at unix.
func StripeSignature(secret string, unix int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unix, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Stripe) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return classifyTransport(s.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return classifyStatus(s.Name(), resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rejected(s.Name(), "decode response: %v", err)
	}
	return nil
}

var _ Provider = (*Stripe)(nil)
