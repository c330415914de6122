// Package payment adapts third-party payment gateways to one contract.
// Provider-specific payloads and errors never leave this package: callers see
// domain actions, notifications, and the ErrProviderUnavailable or
// ErrProviderRejected sentinels.
package payment

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"time"

	"marketplace-checkout/internal/domain"
)

type Provider interface {
	Name() domain.ProviderName
	// Initiate creates the provider-side payment and returns the client action.
	Initiate(ctx context.Context, req InitiateRequest) (InitiationResult, error)
	// Confirm completes or re-reads a payment: a capture for two-phase
	// providers, a status check for the others.
	Confirm(ctx context.Context, req ConfirmRequest) (ConfirmationResult, error)
	// ParseEvent verifies and decodes a buyer return or a webhook delivery.
	ParseEvent(ctx context.Context, ev RawEvent) (Notification, error)
}

type InitiateRequest struct {
	TransactionID string
	OrderID       string
	OrderNumber   string
	AmountCents   int64
	Currency      string
	// ReturnURL and CancelURL carry no query string; adapters add their own.
	ReturnURL string
	CancelURL string
}

type InitiationResult struct {
	Reference string
	Action    domain.PaymentAction
}

type ConfirmRequest struct {
	Reference     string
	TransactionID string
	AmountCents   int64
	Currency      string
}

type Outcome string

const (
	OutcomeCaptured Outcome = "captured"
	OutcomePending  Outcome = "pending"
	OutcomeFailed   Outcome = "failed"
	OutcomeRefunded Outcome = "refunded"
	// OutcomeIgnored marks a verified event that carries no payment fact.
	OutcomeIgnored Outcome = "ignored"
)

type ConfirmationResult struct {
	Outcome       Outcome
	Reference     string
	AmountCents   int64
	Currency      string
	FailureReason string
}

type EventSource string

const (
	// SourceReturn is the buyer's browser coming back from the provider.
	SourceReturn EventSource = "return"
	// SourceWebhook is a server-to-server provider notification.
	SourceWebhook EventSource = "webhook"
)

type RawEvent struct {
	Source  EventSource
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// Notification is a verified provider event in provider-agnostic form. At
// least one of Reference, TransactionID or OrderID identifies the attempt.
type Notification struct {
	EventID         string
	Reference       string
	TransactionID   string
	OrderID         string
	Outcome         Outcome
	AmountCents     int64
	Currency        string
	FailureReason   string
	RequiresConfirm bool
	// RefundReference identifies the refund itself for refund outcomes.
	RefundReference string
	// RefundCumulative means AmountCents is the total refunded so far on the
	// charge named by ChargeID.
	RefundCumulative bool
	// ChargeID scopes cumulative refunds. Refund references of that charge
	// start with "<ChargeID>:".
	ChargeID string
}

// Registry maps provider names to adapters.
type Registry struct {
	providers map[domain.ProviderName]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[domain.ProviderName]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the adapter for name or an ErrValidation error.
func (r *Registry) Get(name domain.ProviderName) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, domain.Validationf("unknown payment provider %q", name)
	}
	return p, nil
}

// Names lists the configured providers in sorted order.
func (r *Registry) Names() []domain.ProviderName {
	out := make([]domain.ProviderName, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 15 * time.Second}
}
