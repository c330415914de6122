package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketplace-checkout/internal/domain"
)

// Memory is the in-process ledger used by the memory storage driver and tests.
type Memory struct {
	mu  sync.RWMutex
	txs map[string]domain.PaymentTransaction
}

func NewMemory() *Memory {
	return &Memory{txs: make(map[string]domain.PaymentTransaction)}
}

func (m *Memory) Create(_ context.Context, t domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[t.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if ref := t.ReferenceValue(); ref != "" {
		if _, ok := m.byReference(t.Provider, ref); ok {
			return domain.ErrDuplicateReference
		}
	}
	if t.Kind == domain.TxKindPayment && t.Status.InFlight() {
		if _, ok := m.inFlight(t.OrderID); ok {
			return domain.ErrAlreadyExists
		}
	}
	m.txs[t.ID] = clone(t)
	return nil
}

func (m *Memory) GetByID(_ context.Context, id string) (*domain.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := clone(t)
	return &out, nil
}

func (m *Memory) GetByReference(_ context.Context, provider domain.ProviderName, reference string) (*domain.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byReference(provider, reference)
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := clone(t)
	return &out, nil
}

func (m *Memory) ListByOrder(_ context.Context, orderID string) ([]domain.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.PaymentTransaction
	for _, t := range m.txs {
		if t.OrderID == orderID {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) FindInFlight(_ context.Context, orderID string) (*domain.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.inFlight(orderID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := clone(t)
	return &out, nil
}

func (m *Memory) SetReference(_ context.Context, id, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if cur := t.ReferenceValue(); cur != "" {
		if cur == reference {
			return nil
		}
		return domain.ErrDuplicateReference
	}
	if other, ok := m.byReference(t.Provider, reference); ok && other.ID != id {
		return domain.ErrDuplicateReference
	}
	t.Reference = &reference
	m.txs[id] = t
	return nil
}

func (m *Memory) SetAction(_ context.Context, id, reference string, action domain.PaymentAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if reference != "" {
		if other, ok := m.byReference(t.Provider, reference); ok && other.ID != id {
			return domain.ErrDuplicateReference
		}
		t.Reference = &reference
	}
	a := action
	t.Action = &a
	if t.Status == domain.TxInitiated {
		t.Status = domain.TxPendingConfirmation
	}
	m.txs[id] = t
	return nil
}

func (m *Memory) Resolve(_ context.Context, id string, res domain.TxResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status != res.From {
		return domain.ErrStaleStatus
	}
	t.Status = res.To
	if res.AmountCents > 0 {
		t.AmountCents = res.AmountCents
	}
	t.FailureReason = res.FailureReason
	at := res.At
	t.ResolvedAt = &at
	m.txs[id] = t
	return nil
}

func (m *Memory) MarkProjected(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok || t.ProjectedAt != nil {
		return nil
	}
	t.ProjectedAt = &at
	m.txs[id] = t
	return nil
}

func (m *Memory) byReference(provider domain.ProviderName, reference string) (domain.PaymentTransaction, bool) {
	for _, t := range m.txs {
		if t.Provider == provider && t.ReferenceValue() == reference {
			return t, true
		}
	}
	return domain.PaymentTransaction{}, false
}

func (m *Memory) inFlight(orderID string) (domain.PaymentTransaction, bool) {
	for _, t := range m.txs {
		if t.OrderID == orderID && t.Kind == domain.TxKindPayment && t.Status.InFlight() {
			return t, true
		}
	}
	return domain.PaymentTransaction{}, false
}

func clone(t domain.PaymentTransaction) domain.PaymentTransaction {
	out := t
	if t.Reference != nil {
		ref := *t.Reference
		out.Reference = &ref
	}
	if t.Action != nil {
		a := *t.Action
		if a.Form != nil {
			f := *a.Form
			f.Fields = make(map[string]string, len(a.Form.Fields))
			for k, v := range a.Form.Fields {
				f.Fields[k] = v
			}
			a.Form = &f
		}
		out.Action = &a
	}
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		out.ResolvedAt = &at
	}
	if t.ProjectedAt != nil {
		at := *t.ProjectedAt
		out.ProjectedAt = &at
	}
	return out
}
