package seed

import (
	"context"
	"testing"

	"marketplace-checkout/internal/repository/catalog"
)

func TestApplyIsIdempotent(t *testing.T) {
	store := catalog.NewMemory()
	for i := 0; i < 2; i++ {
		if err := Apply(context.Background(), store); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	prices, err := store.PricesByIDs(context.Background(), []string{"demo-mug", "demo-tea"})
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	if len(prices) != 2 || prices["demo-tea"].Currency != "NPR" {
		t.Fatalf("unexpected prices: %+v", prices)
	}
}
