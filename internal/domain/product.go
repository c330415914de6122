package domain

// CatalogPrice is the authoritative price of a product at checkout time.
type CatalogPrice struct {
	ProductID  string `json:"productId"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"priceCents"`
	Currency   string `json:"currency"`
}
