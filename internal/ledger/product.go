package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the stock-bearing row. OnHand and Reserved are only ever written
// through Ledger operations.
type Product struct {
	ID                int64
	SKU               string
	Name              string
	UnitPrice         decimal.Decimal
	OnHand            int
	Reserved          int
	WeightKg          decimal.Decimal
	Active            bool
	LowStockThreshold int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Available is on_hand - reserved.
func (p Product) Available() int { return p.OnHand - p.Reserved }

func (p Product) IsLowStock() bool { return p.Available() <= p.LowStockThreshold }

// consistent reports whether 0 <= reserved <= on_hand.
func (p Product) consistent() bool {
	return p.OnHand >= 0 && p.Reserved >= 0 && p.Reserved <= p.OnHand
}

// NewProduct describes a catalog entry to insert.
type NewProduct struct {
	SKU               string
	Name              string
	UnitPrice         decimal.Decimal
	OnHand            int
	WeightKg          decimal.Decimal
	LowStockThreshold int
}

// ProductUpdate changes catalog fields. Nil fields keep their value.
type ProductUpdate struct {
	Name      *string
	UnitPrice *decimal.Decimal
	WeightKg  *decimal.Decimal
	Active    *bool
}
