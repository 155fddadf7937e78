// Package pricing derives order totals from line items. All amounts are
// fixed-point decimals; nothing here touches float64.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// DefaultTaxRate is the flat rate applied to every order subtotal.
var DefaultTaxRate = decimal.RequireFromString("0.19")

// MoneyPlaces is the number of fractional digits stored for amounts.
const MoneyPlaces = 2

// IsMoney reports whether d needs no more than MoneyPlaces fractional digits.
// Amounts outside that grid cannot be stored without rounding.
func IsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyPlaces))
}

var ErrInvalidTaxRate = errors.New("pricing: tax rate must be >= 0")

type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
	Discount  decimal.Decimal
}

// Subtotal is unit_price * quantity - discount.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Sub(l.Discount)
}

type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Equal compares amounts numerically.
func (t Totals) Equal(o Totals) bool {
	return t.Subtotal.Equal(o.Subtotal) && t.Tax.Equal(o.Tax) && t.Total.Equal(o.Total)
}

type Calculator struct {
	taxRate decimal.Decimal
}

func New(taxRate decimal.Decimal) (Calculator, error) {
	if taxRate.IsNegative() {
		return Calculator{}, ErrInvalidTaxRate
	}
	return Calculator{taxRate: taxRate}, nil
}

// Default returns a calculator using DefaultTaxRate.
func Default() Calculator {
	return Calculator{taxRate: DefaultTaxRate}
}

func (c Calculator) TaxRate() decimal.Decimal { return c.taxRate }

// Calculate is a pure function of its inputs. Tax is rounded half away from
// zero to MoneyPlaces; subtotal and total are exact sums of stored amounts.
func (c Calculator) Calculate(lines []Line, shippingCost, discount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Subtotal())
	}
	tax := subtotal.Mul(c.taxRate).Round(MoneyPlaces)
	total := subtotal.Add(tax).Add(shippingCost).Sub(discount)
	return Totals{
		Subtotal: subtotal.Round(MoneyPlaces),
		Tax:      tax,
		Total:    total.Round(MoneyPlaces),
	}
}
