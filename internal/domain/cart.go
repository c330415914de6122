package domain

// CartSnapshot is the validated, priced cart handed over by the cart boundary.
// It is copied into order lines and never persisted on its own.
type CartSnapshot struct {
	Currency string     `json:"currency"`
	Items    []CartItem `json:"items"`
}

type CartItem struct {
	ProductID      string `json:"productId"`
	Title          string `json:"title"`
	UnitPriceCents int64  `json:"unitPriceCents"`
	Quantity       int    `json:"quantity"`
}
