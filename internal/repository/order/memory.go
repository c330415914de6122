package order

import (
	"context"
	"sort"
	"strings"
	"sync"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/outbox"
)

// Memory is the in-process store used by the memory storage driver and tests.
type Memory struct {
	mu       sync.RWMutex
	orders   map[string]domain.Order
	byNumber map[string]string
	audit    map[string][]domain.AuditEntry
	events   *outbox.Memory
}

// NewMemory returns an empty store. Order events are appended to events when
// it is non-nil.
func NewMemory(events *outbox.Memory) *Memory {
	return &Memory{
		orders:   make(map[string]domain.Order),
		byNumber: make(map[string]string),
		audit:    make(map[string][]domain.AuditEntry),
		events:   events,
	}
}

func (m *Memory) Create(ctx context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if _, ok := m.byNumber[o.Number]; ok {
		return domain.ErrAlreadyExists
	}
	m.orders[o.ID] = o.Clone()
	m.byNumber[o.Number] = o.ID
	return m.publish(ctx, o, nil)
}

func (m *Memory) GetByID(_ context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := o.Clone()
	return &out, nil
}

func (m *Memory) GetByNumber(ctx context.Context, number string) (*domain.Order, error) {
	m.mu.RLock()
	id, ok := m.byNumber[number]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *Memory) List(_ context.Context, filter domain.OrderFilter, page domain.Page) ([]domain.Order, int, error) {
	page = page.Normalize()
	m.mu.RLock()
	var matched []domain.Order
	for _, o := range m.orders {
		if matches(o, filter) {
			matched = append(matched, o.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := page.Offset()
	if start >= total {
		return nil, total, nil
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *Memory) Update(ctx context.Context, o domain.Order, expectedVersion int64, audit domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return domain.ErrStaleVersion
	}
	m.orders[o.ID] = o.Clone()
	m.audit[o.ID] = append(m.audit[o.ID], audit)
	return m.publish(ctx, o, &audit)
}

func (m *Memory) Audit(_ context.Context, orderID string) ([]domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.orders[orderID]; !ok {
		return nil, domain.ErrNotFound
	}
	return append([]domain.AuditEntry(nil), m.audit[orderID]...), nil
}

func (m *Memory) publish(ctx context.Context, o domain.Order, audit *domain.AuditEntry) error {
	if m.events == nil {
		return nil
	}
	ev, err := outbox.NewOrderEvent(ctx, o, audit)
	if err != nil {
		return err
	}
	m.events.Append(ev)
	return nil
}

func matches(o domain.Order, f domain.OrderFilter) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.PaymentStatus != "" && o.PaymentStatus != f.PaymentStatus {
		return false
	}
	if f.ReviewOnly && o.ReviewReason == "" {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		hay := strings.ToLower(o.Number + " " + o.Buyer.GuestEmail + " " + o.Buyer.GuestName)
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}
