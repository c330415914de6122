package catalog

import (
	"context"

	"marketplace-checkout/internal/domain"
)

// Repository is the read side of the catalog used as the price authority at
// checkout. Upsert exists for seeding only.
type Repository interface {
	PricesByIDs(ctx context.Context, ids []string) (map[string]domain.CatalogPrice, error)
	Upsert(ctx context.Context, p domain.CatalogPrice) error
}
