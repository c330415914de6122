package importer

import (
	"context"
	"strings"
	"testing"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/repository/catalog"
)

type stubPriceRepo struct {
	items []domain.CatalogPrice
}

func (s *stubPriceRepo) Upsert(_ context.Context, p domain.CatalogPrice) error {
	s.items = append(s.items, p)
	return nil
}

func TestCSVImporter_Run(t *testing.T) {
	csvData := `id,sku,name,price,currency
prod-1,SKU-1,Clay pot,19.99,eur
,,,,
prod-2,SKU-2,,200,USD,`

	repo := &stubPriceRepo{}
	imp := NewCSVImporter(strings.NewReader(csvData), repo)

	count, err := imp.Run(context.Background())
	if err != nil {
		t.Fatalf("import run: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 prices imported, got %d", count)
	}
	if len(repo.items) != 2 {
		t.Fatalf("expected 2 prices saved, got %d", len(repo.items))
	}
	if got := repo.items[0]; got.ProductID != "prod-1" || got.SKU != "SKU-1" || got.PriceCents != 1999 || got.Currency != "EUR" {
		t.Fatalf("unexpected price data: %+v", got)
	}
	if got := repo.items[1]; got.Name != "prod-2" || got.PriceCents != 20000 {
		t.Fatalf("expected id as name fallback and 20000 cents, got %+v", got)
	}
}

func TestCSVImporter_RejectsFractionalCents(t *testing.T) {
	csvData := "id,price,currency\nprod-1,1.999,USD\n"

	_, err := NewCSVImporter(strings.NewReader(csvData), &stubPriceRepo{}).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line-numbered error, got %v", err)
	}
}

func TestCSVImporter_MissingColumn(t *testing.T) {
	csvData := "id,name\nprod-1,Pot\n"

	_, err := NewCSVImporter(strings.NewReader(csvData), &stubPriceRepo{}).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), `missing column "price"`) {
		t.Fatalf("expected missing column error, got %v", err)
	}
}

func TestCSVImporter_IntoCatalog(t *testing.T) {
	store := catalog.NewMemory()
	csvData := "id,price,currency\nprod-1,5.00,NPR\n"

	if _, err := NewCSVImporter(strings.NewReader(csvData), store).Run(context.Background()); err != nil {
		t.Fatalf("import run: %v", err)
	}
	prices, err := store.PricesByIDs(context.Background(), []string{"prod-1"})
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	if prices["prod-1"].PriceCents != 500 {
		t.Fatalf("expected 500 cents, got %+v", prices["prod-1"])
	}
}
