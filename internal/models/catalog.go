package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog record as either side sees it. Fields carries the
// comparable attributes keyed by field name (title, price, description, ...).
type Product struct {
	ID         string                 `json:"id"`
	ExternalID string                 `json:"external_id,omitempty"`
	SKU        string                 `json:"sku"`
	VariantID  string                 `json:"variant_id,omitempty"`
	Fields     map[string]interface{} `json:"fields"`
	UpdatedAt  time.Time              `json:"updated_at,omitempty"`
}

// InventoryLevel is the stock count of one SKU at a store.
type InventoryLevel struct {
	SKU       string    `json:"sku"`
	Quantity  int64     `json:"quantity"`
	Reserved  int64     `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sellable is what may be offered on a platform: on hand minus reservations.
func (l InventoryLevel) Sellable() int64 {
	n := l.Quantity - l.Reserved
	if n < 0 {
		return 0
	}
	return n
}

type OrderLine struct {
	SKU      string          `json:"sku"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Order is a platform order as recorded locally.
type Order struct {
	ID        string          `json:"id"`
	Platform  string          `json:"platform"`
	Status    string          `json:"status"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Lines     []OrderLine     `json:"lines"`
	PlacedAt  time.Time       `json:"placed_at"`
	FetchedAt time.Time       `json:"fetched_at,omitempty"`
}

// LineTotal sums price*quantity across lines.
func (o Order) LineTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range o.Lines {
		sum = sum.Add(l.Price.Mul(decimal.NewFromInt(l.Quantity)))
	}
	return sum
}
