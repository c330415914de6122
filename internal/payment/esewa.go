package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"marketplace-checkout/internal/domain"
)

const esewaSignedFields = "total_amount,transaction_uuid,product_code"

type EsewaConfig struct {
	FormURL     string
	StatusURL   string
	ProductCode string
	SecretKey   string
}

// Esewa is the signed-form redirect gateway. Initiation makes no API call:
// the buyer's browser posts a signed form and eSewa redirects back with a
// signed, base64 encoded result.
type Esewa struct {
	cfg    EsewaConfig
	client *http.Client
}

func NewEsewa(cfg EsewaConfig, client *http.Client) *Esewa {
	return &Esewa{cfg: cfg, client: defaultHTTPClient(client)}
}

func (e *Esewa) Name() domain.ProviderName { return domain.ProviderEsewa }

func (e *Esewa) Initiate(_ context.Context, req InitiateRequest) (InitiationResult, error) {
	if !strings.EqualFold(req.Currency, "NPR") {
		return InitiationResult{}, rejected(e.Name(), "currency %s not supported", req.Currency)
	}
	total := fromMinor(req.AmountCents)
	fields := map[string]string{
		"amount":                  total,
		"tax_amount":              "0",
		"product_service_charge":  "0",
		"product_delivery_charge": "0",
		"total_amount":            total,
		"transaction_uuid":        req.TransactionID,
		"product_code":            e.cfg.ProductCode,
		"success_url":             req.ReturnURL,
		"failure_url":             req.CancelURL + "?" + url.Values{"tx": {req.TransactionID}, "cancelled": {"1"}}.Encode(),
		"signed_field_names":      esewaSignedFields,
	}
	fields["signature"] = e.sign(esewaSignedFields, fields)

	return InitiationResult{
		Reference: req.TransactionID,
		Action: domain.PaymentAction{
			Kind: domain.ActionForm,
			Form: &domain.FormDescriptor{Method: http.MethodPost, Action: e.cfg.FormURL, Fields: fields},
		},
	}, nil
}

type esewaStatus struct {
	ProductCode     string  `json:"product_code"`
	TransactionUUID string  `json:"transaction_uuid"`
	TotalAmount     float64 `json:"total_amount"`
	Status          string  `json:"status"`
	RefID           *string `json:"ref_id"`
}

// Confirm asks the status API for the transaction outcome.
func (e *Esewa) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmationResult, error) {
	q := url.Values{
		"product_code":     {e.cfg.ProductCode},
		"total_amount":     {fromMinor(req.AmountCents)},
		"transaction_uuid": {req.Reference},
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.StatusURL+"?"+q.Encode(), nil)
	if err != nil {
		return ConfirmationResult{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return ConfirmationResult{}, classifyTransport(e.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return ConfirmationResult{}, classifyStatus(e.Name(), resp)
	}
	var out esewaStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ConfirmationResult{}, rejected(e.Name(), "decode status: %v", err)
	}

	amount, err := toMinor(fmt.Sprintf("%.2f", out.TotalAmount))
	if err != nil {
		return ConfirmationResult{}, rejected(e.Name(), "%v", err)
	}
	res := ConfirmationResult{Reference: req.Reference, AmountCents: amount, Currency: "NPR"}
	res.Outcome, res.FailureReason = esewaOutcome(out.Status)
	return res, nil
}

func (e *Esewa) ParseEvent(_ context.Context, ev RawEvent) (Notification, error) {
	data := ev.Query.Get("data")
	if data == "" && len(ev.Body) > 0 {
		form, err := url.ParseQuery(string(ev.Body))
		if err == nil {
			data = form.Get("data")
		}
	}
	if data == "" {
		if tx := ev.Query.Get("tx"); tx != "" && ev.Query.Get("cancelled") == "1" {
			return Notification{Reference: tx, TransactionID: tx, Outcome: OutcomeFailed, FailureReason: "cancelled_by_buyer"}, nil
		}
		return Notification{}, rejected(e.Name(), "callback without data")
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Notification{}, rejected(e.Name(), "decode data: %v", err)
	}
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return Notification{}, rejected(e.Name(), "decode data json: %v", err)
	}
	fields := make(map[string]string, len(payload))
	for k, v := range payload {
		fields[k] = fmt.Sprint(v)
	}

	signed := fields["signed_field_names"]
	if signed == "" || fields["signature"] == "" {
		return Notification{}, rejected(e.Name(), "unsigned callback")
	}
	if !hmac.Equal([]byte(fields["signature"]), []byte(e.sign(signed, fields))) {
		return Notification{}, rejected(e.Name(), "signature mismatch")
	}
	if fields["product_code"] != e.cfg.ProductCode {
		return Notification{}, rejected(e.Name(), "product code %s does not match", fields["product_code"])
	}

	amount, err := toMinor(fields["total_amount"])
	if err != nil {
		return Notification{}, rejected(e.Name(), "%v", err)
	}
	n := Notification{
		EventID:       fields["transaction_code"],
		Reference:     fields["transaction_uuid"],
		TransactionID: fields["transaction_uuid"],
		AmountCents:   amount,
		Currency:      "NPR",
	}
	n.Outcome, n.FailureReason = esewaOutcome(fields["status"])
	return n, nil
}

func esewaOutcome(status string) (Outcome, string) {
	switch strings.ToUpper(status) {
	case "COMPLETE":
		return OutcomeCaptured, ""
	case "PENDING", "AMBIGUOUS":
		return OutcomePending, ""
	case "FULL_REFUND", "PARTIAL_REFUND":
		return OutcomeCaptured, ""
	case "NOT_FOUND":
		return OutcomeFailed, "not_found"
	case "CANCELED":
		return OutcomeFailed, "cancelled"
	}
	return OutcomeFailed, strings.ToLower(status)
}

// sign computes the base64 HMAC-SHA256 over "name=value" pairs of the
// comma separated field names, in that order.
func (e *Esewa) sign(names string, fields map[string]string) string {
	parts := strings.Split(names, ",")
	pairs := make([]string, 0, len(parts))
	for _, n := range parts {
		n = strings.TrimSpace(n)
		pairs = append(pairs, n+"="+fields[n])
	}
	mac := hmac.New(sha256.New, []byte(e.cfg.SecretKey))
	mac.Write([]byte(strings.Join(pairs, ",")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

var _ Provider = (*Esewa)(nil)
