package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"marketplace-checkout/internal/domain"
)

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	BrandName    string
}

// PayPal is the two-phase redirect-and-capture gateway: the buyer approves
// an order on PayPal, then the merchant captures it.
type PayPal struct {
	cfg    PayPalConfig
	client *http.Client
}

// NewPayPal builds an adapter whose client authenticates with OAuth2 client
// credentials. base carries the transport and timeout.
func NewPayPal(cfg PayPalConfig, base *http.Client) *PayPal {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	base = defaultHTTPClient(base)
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := cc.Client(ctx)
	client.Timeout = base.Timeout
	return &PayPal{cfg: cfg, client: client}
}

func (p *PayPal) Name() domain.ProviderName { return domain.ProviderPayPal }

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalCapture struct {
	ID       string       `json:"id"`
	Status   string       `json:"status"`
	Amount   paypalAmount `json:"amount"`
	CustomID string       `json:"custom_id"`
}

type paypalOrder struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		CustomID    string `json:"custom_id"`
		Payments    struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (p *PayPal) Initiate(ctx context.Context, req InitiateRequest) (InitiationResult, error) {
	returnURL := req.ReturnURL + "?" + url.Values{"tx": {req.TransactionID}}.Encode()
	cancelURL := req.CancelURL + "?" + url.Values{"tx": {req.TransactionID}, "cancelled": {"1"}}.Encode()
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.OrderID,
			"custom_id":    req.TransactionID,
			"description":  "Order " + req.OrderNumber,
			"amount":       paypalAmount{CurrencyCode: req.Currency, Value: fromMinor(req.AmountCents)},
		}},
		"application_context": map[string]any{
			"return_url":  returnURL,
			"cancel_url":  cancelURL,
			"user_action": "PAY_NOW",
			"brand_name":  p.cfg.BrandName,
		},
	}

	var out paypalOrder
	if err := p.do(ctx, http.MethodPost, "/v2/checkout/orders", req.TransactionID, body, &out); err != nil {
		return InitiationResult{}, err
	}
	approve := ""
	for _, l := range out.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	if out.ID == "" || approve == "" {
		return InitiationResult{}, rejected(p.Name(), "order response without id or approval link")
	}
	return InitiationResult{
		Reference: out.ID,
		Action:    domain.PaymentAction{Kind: domain.ActionRedirect, RedirectURL: approve},
	}, nil
}

// Confirm captures an approved order. An order captured earlier is re-read
// so replays converge on the same result.
func (p *PayPal) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmationResult, error) {
	var out paypalOrder
	path := "/v2/checkout/orders/" + url.PathEscape(req.Reference)
	err := p.do(ctx, http.MethodPost, path+"/capture", "capture-"+req.Reference, map[string]any{}, &out)
	if err != nil {
		if !strings.Contains(err.Error(), "ORDER_ALREADY_CAPTURED") {
			return ConfirmationResult{}, err
		}
		out = paypalOrder{}
		if err := p.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
			return ConfirmationResult{}, err
		}
	}
	return p.orderResult(out)
}

func (p *PayPal) orderResult(o paypalOrder) (ConfirmationResult, error) {
	res := ConfirmationResult{Reference: o.ID, Outcome: OutcomePending}
	var capture *paypalCapture
	for i := range o.PurchaseUnits {
		if caps := o.PurchaseUnits[i].Payments.Captures; len(caps) > 0 {
			capture = &caps[0]
			break
		}
	}
	if capture == nil {
		if o.Status == "VOIDED" {
			res.Outcome = OutcomeFailed
			res.FailureReason = "voided"
		}
		return res, nil
	}
	amount, err := toMinor(capture.Amount.Value)
	if err != nil {
		return ConfirmationResult{}, rejected(p.Name(), "%v", err)
	}
	res.AmountCents = amount
	res.Currency = capture.Amount.CurrencyCode
	switch capture.Status {
	case "COMPLETED":
		res.Outcome = OutcomeCaptured
	case "DECLINED", "FAILED":
		res.Outcome = OutcomeFailed
		res.FailureReason = strings.ToLower(capture.Status)
	case "REFUNDED", "PARTIALLY_REFUNDED":
		res.Outcome = OutcomeCaptured
	default:
		res.Outcome = OutcomePending
	}
	return res, nil
}

type paypalWebhook struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type paypalResource struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	CustomID      string       `json:"custom_id"`
	Amount        paypalAmount `json:"amount"`
	Supplementary struct {
		RelatedIDs struct {
			OrderID   string `json:"order_id"`
			CaptureID string `json:"capture_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

func (p *PayPal) ParseEvent(ctx context.Context, ev RawEvent) (Notification, error) {
	if ev.Source == SourceReturn {
		return p.parseReturn(ev.Query)
	}

	if err := p.verifyWebhook(ctx, ev); err != nil {
		return Notification{}, err
	}
	var hook paypalWebhook
	if err := json.Unmarshal(ev.Body, &hook); err != nil {
		return Notification{}, rejected(p.Name(), "decode webhook: %v", err)
	}
	var res paypalResource
	if err := json.Unmarshal(hook.Resource, &res); err != nil {
		return Notification{}, rejected(p.Name(), "decode webhook resource: %v", err)
	}

	n := Notification{EventID: hook.ID, Outcome: OutcomeIgnored}
	switch hook.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		n.Reference = res.ID
		n.Outcome = OutcomePending
		n.RequiresConfirm = true
		return n, nil
	case "PAYMENT.CAPTURE.COMPLETED":
		n.Outcome = OutcomeCaptured
	case "PAYMENT.CAPTURE.PENDING":
		n.Outcome = OutcomePending
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		n.Outcome = OutcomeFailed
		n.FailureReason = "capture_denied"
	case "PAYMENT.CAPTURE.REFUNDED":
		n.Outcome = OutcomeRefunded
		n.RefundReference = res.ID
	default:
		return n, nil
	}
	n.Reference = res.Supplementary.RelatedIDs.OrderID
	n.TransactionID = res.CustomID
	n.Currency = res.Amount.CurrencyCode
	if res.Amount.Value != "" {
		amount, err := toMinor(res.Amount.Value)
		if err != nil {
			return Notification{}, rejected(p.Name(), "%v", err)
		}
		n.AmountCents = amount
	}
	if n.Reference == "" && n.TransactionID == "" {
		return Notification{}, rejected(p.Name(), "webhook %s without order reference", hook.ID)
	}
	return n, nil
}

func (p *PayPal) parseReturn(q url.Values) (Notification, error) {
	token := q.Get("token")
	tx := q.Get("tx")
	if token == "" && tx == "" {
		return Notification{}, rejected(p.Name(), "return without token")
	}
	if q.Get("cancelled") == "1" {
		return Notification{Reference: token, TransactionID: tx, Outcome: OutcomeFailed, FailureReason: "cancelled_by_buyer"}, nil
	}
	if token == "" {
		return Notification{}, rejected(p.Name(), "return without token")
	}
	return Notification{Reference: token, TransactionID: tx, Outcome: OutcomePending, RequiresConfirm: true}, nil
}

func (p *PayPal) verifyWebhook(ctx context.Context, ev RawEvent) error {
	if p.cfg.WebhookID == "" {
		return rejected(p.Name(), "webhook id not configured")
	}
	if !json.Valid(ev.Body) {
		return rejected(p.Name(), "webhook body is not JSON")
	}
	body := map[string]any{
		"auth_algo":         ev.Headers.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          ev.Headers.Get("PAYPAL-CERT-URL"),
		"transmission_id":   ev.Headers.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  ev.Headers.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": ev.Headers.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        p.cfg.WebhookID,
		"webhook_event":     json.RawMessage(ev.Body),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", body, &out); err != nil {
		return err
	}
	if out.VerificationStatus != "SUCCESS" {
		return rejected(p.Name(), "webhook signature %s", strings.ToLower(out.VerificationStatus))
	}
	return nil
}

func (p *PayPal) do(ctx context.Context, method, path, requestID string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return classifyTransport(p.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return classifyStatus(p.Name(), resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rejected(p.Name(), "decode %s: %v", path, err)
	}
	return nil
}

var _ Provider = (*PayPal)(nil)
