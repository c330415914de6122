package catalog

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"marketplace-checkout/internal/domain"
)

type postgresRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &postgresRepo{pool: pool, logger: logger.Named("catalog_repo")}
}

func (r *postgresRepo) PricesByIDs(ctx context.Context, ids []string) (map[string]domain.CatalogPrice, error) {
	const q = `
SELECT id, sku, name, price_cents, currency
FROM products
WHERE id = ANY($1)
`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		r.logger.Error("catalog_prices_failed", zap.Int("ids", len(ids)), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.CatalogPrice, len(ids))
	for rows.Next() {
		var p domain.CatalogPrice
		if err := rows.Scan(&p.ProductID, &p.SKU, &p.Name, &p.PriceCents, &p.Currency); err != nil {
			return nil, err
		}
		out[p.ProductID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	r.logger.Debug("catalog_prices", zap.Int("requested", len(ids)), zap.Int("found", len(out)))
	return out, nil
}

func (r *postgresRepo) Upsert(ctx context.Context, p domain.CatalogPrice) error {
	const q = `
INSERT INTO products (id, sku, name, price_cents, currency)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    sku = EXCLUDED.sku,
    name = EXCLUDED.name,
    price_cents = EXCLUDED.price_cents,
    currency = EXCLUDED.currency,
    updated_at = now()
`
	if _, err := r.pool.Exec(ctx, q, p.ProductID, p.SKU, p.Name, p.PriceCents, p.Currency); err != nil {
		r.logger.Error("catalog_upsert_failed", zap.String("product_id", p.ProductID), zap.Error(err))
		return err
	}
	r.logger.Info("catalog_upserted", zap.String("product_id", p.ProductID), zap.Int64("price_cents", p.PriceCents))
	return nil
}
