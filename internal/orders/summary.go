package orders

import "time"

// Summary is the read model handed to reporting and notification consumers.
// It deliberately omits ledger counters.
type Summary struct {
	OrderID      int64         `json:"order_id"`
	OrderNumber  string        `json:"order_number"`
	UserID       int64         `json:"user_id"`
	Status       Status        `json:"status"`
	Subtotal     string        `json:"subtotal"`
	Tax          string        `json:"tax"`
	ShippingCost string        `json:"shipping_cost"`
	Discount     string        `json:"discount"`
	Total        string        `json:"total"`
	Lines        []SummaryLine `json:"lines"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ConfirmedAt  *time.Time    `json:"confirmed_at,omitempty"`
	ShippedAt    *time.Time    `json:"shipped_at,omitempty"`
	DeliveredAt  *time.Time    `json:"delivered_at,omitempty"`
	CancelledAt  *time.Time    `json:"cancelled_at,omitempty"`
}

type SummaryLine struct {
	ProductID   int64  `json:"product_id"`
	SKU         string `json:"sku"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Discount    string `json:"discount"`
	Subtotal    string `json:"subtotal"`
}

func (o Order) Summary() Summary {
	lines := make([]SummaryLine, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, SummaryLine{
			ProductID:   l.ProductID,
			SKU:         l.SKU,
			ProductName: l.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice.StringFixed(2),
			Discount:    l.Discount.StringFixed(2),
			Subtotal:    l.Subtotal().StringFixed(2),
		})
	}
	return Summary{
		OrderID:      o.ID,
		OrderNumber:  o.Number,
		UserID:       o.UserID,
		Status:       o.Status,
		Subtotal:     o.Subtotal.StringFixed(2),
		Tax:          o.Tax.StringFixed(2),
		ShippingCost: o.ShippingCost.StringFixed(2),
		Discount:     o.Discount.StringFixed(2),
		Total:        o.Total.StringFixed(2),
		Lines:        lines,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		ConfirmedAt:  o.ConfirmedAt,
		ShippedAt:    o.ShippedAt,
		DeliveredAt:  o.DeliveredAt,
		CancelledAt:  o.CancelledAt,
	}
}
