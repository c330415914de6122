package seed

import (
	"context"
	"fmt"

	"marketplace-checkout/internal/domain"
)

type PriceWriter interface {
	Upsert(ctx context.Context, p domain.CatalogPrice) error
}

// DemoCatalog is the product set used for manual testing. The NPR item lets
// the eSewa flow be exercised.
var DemoCatalog = []domain.CatalogPrice{
	{ProductID: "demo-shirt", SKU: "SKU-DEMO-TSHIRT", Name: "Demo T-Shirt", PriceCents: 1999, Currency: "USD"},
	{ProductID: "demo-mug", SKU: "SKU-DEMO-MUG", Name: "Demo Mug", PriceCents: 1299, Currency: "USD"},
	{ProductID: "demo-poster", SKU: "SKU-DEMO-POSTER", Name: "Demo Poster", PriceCents: 4500, Currency: "EUR"},
	{ProductID: "demo-tea", SKU: "SKU-DEMO-TEA", Name: "Ilam Tea 250g", PriceCents: 65000, Currency: "NPR"},
}

// Apply inserts the demo catalog. It is idempotent: prices are upserted.
func Apply(ctx context.Context, prices PriceWriter) error {
	for _, p := range DemoCatalog {
		if err := prices.Upsert(ctx, p); err != nil {
			return fmt.Errorf("upsert product %s: %w", p.ProductID, err)
		}
	}
	return nil
}
