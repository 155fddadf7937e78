package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-ledger/internal/pricing"
)

type Order struct {
	ID           int64
	Number       string
	ExternalID   string // idempotency key, optional
	UserID       int64
	Status       Status
	Subtotal     decimal.Decimal
	Tax          decimal.Decimal
	ShippingCost decimal.Decimal
	Discount     decimal.Decimal
	Total        decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ConfirmedAt  *time.Time
	ShippedAt    *time.Time
	DeliveredAt  *time.Time
	CancelledAt  *time.Time
	Lines        []Line
}

// Line snapshots the product price and name at order time. Quantity and
// UnitPrice never change after creation.
type Line struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	SKU         string
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	State       ReservationState
}

func (l Line) pricing() pricing.Line {
	return pricing.Line{UnitPrice: l.UnitPrice, Quantity: l.Quantity, Discount: l.Discount}
}

func (l Line) Subtotal() decimal.Decimal { return l.pricing().Subtotal() }

func (o Order) pricingLines() []pricing.Line {
	out := make([]pricing.Line, 0, len(o.Lines))
	for _, l := range o.Lines {
		out = append(out, l.pricing())
	}
	return out
}

func (o Order) totals() pricing.Totals {
	return pricing.Totals{Subtotal: o.Subtotal, Tax: o.Tax, Total: o.Total}
}

func (o *Order) applyTotals(t pricing.Totals) {
	o.Subtotal, o.Tax, o.Total = t.Subtotal, t.Tax, t.Total
}

// Clone copies the line slice so the result can be mutated without touching o.
func (o Order) Clone() Order {
	o.Lines = append([]Line(nil), o.Lines...)
	return o
}
