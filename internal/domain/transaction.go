package domain

import "time"

// ProviderName identifies a payment gateway integration.
type ProviderName string

const (
	// ProviderPayPal is the two-phase redirect-and-capture gateway.
	ProviderPayPal ProviderName = "paypal"
	// ProviderStripe is the single-phase redirect gateway, completed by webhook.
	ProviderStripe ProviderName = "stripe"
	// ProviderEsewa is the signed-form redirect gateway, completed by callback.
	ProviderEsewa ProviderName = "esewa"
)

func (p ProviderName) Valid() bool {
	switch p {
	case ProviderPayPal, ProviderStripe, ProviderEsewa:
		return true
	}
	return false
}

// TxStatus is the lifecycle of one payment attempt.
type TxStatus string

const (
	TxInitiated           TxStatus = "initiated"
	TxPendingConfirmation TxStatus = "pending_confirmation"
	TxCaptured            TxStatus = "captured"
	TxFailed              TxStatus = "failed"
	TxRefunded            TxStatus = "refunded"
)

// InFlight reports whether the attempt still waits for a provider outcome.
func (s TxStatus) InFlight() bool {
	return s == TxInitiated || s == TxPendingConfirmation
}

// TxKind separates collections from refund-offsetting entries.
type TxKind string

const (
	TxKindPayment TxKind = "payment"
	TxKindRefund  TxKind = "refund"
)

// ActionKind tells the client how to continue a payment.
type ActionKind string

const (
	ActionRedirect ActionKind = "redirect"
	ActionForm     ActionKind = "form"
)

// FormDescriptor is an auto-submitting form the client must render.
type FormDescriptor struct {
	Method string            `json:"method"`
	Action string            `json:"action"`
	Fields map[string]string `json:"fields"`
}

// PaymentAction is the provider-agnostic next step handed to the client.
type PaymentAction struct {
	Kind        ActionKind      `json:"kind"`
	RedirectURL string          `json:"redirectUrl,omitempty"`
	Form        *FormDescriptor `json:"form,omitempty"`
}

type PaymentTransaction struct {
	ID            string         `json:"id"`
	OrderID       string         `json:"orderId"`
	Provider      ProviderName   `json:"provider"`
	Reference     *string        `json:"providerReference,omitempty"`
	AmountCents   int64          `json:"amountCents"`
	Currency      string         `json:"currency"`
	Status        TxStatus       `json:"status"`
	Kind          TxKind         `json:"kind"`
	Action        *PaymentAction `json:"action,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
	ProjectedAt   *time.Time     `json:"projectedAt,omitempty"`
}

// Expired reports whether an in-flight attempt may be superseded.
func (t PaymentTransaction) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// ReferenceValue returns the provider reference or "".
func (t PaymentTransaction) ReferenceValue() string {
	if t.Reference == nil {
		return ""
	}
	return *t.Reference
}

// TxResolution describes a compare-and-set status change on the ledger.
type TxResolution struct {
	From          TxStatus
	To            TxStatus
	AmountCents   int64
	FailureReason string
	At            time.Time
}
