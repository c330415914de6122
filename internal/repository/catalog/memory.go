package catalog

import (
	"context"
	"sync"

	"marketplace-checkout/internal/domain"
)

type Memory struct {
	mu     sync.RWMutex
	prices map[string]domain.CatalogPrice
}

func NewMemory(prices ...domain.CatalogPrice) *Memory {
	m := &Memory{prices: make(map[string]domain.CatalogPrice)}
	for _, p := range prices {
		m.prices[p.ProductID] = p
	}
	return m
}

func (m *Memory) PricesByIDs(_ context.Context, ids []string) (map[string]domain.CatalogPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.CatalogPrice, len(ids))
	for _, id := range ids {
		if p, ok := m.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, p domain.CatalogPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[p.ProductID] = p
	return nil
}
