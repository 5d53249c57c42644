package order

import (
	"context"

	"github.com/shopspring/decimal"
)

// Item is a single order line as seen by discount calculation.
type Item struct {
	ID          string
	OrderID     string
	VariationID string
	Quantity    int
	IsSale      bool
	// TaxRate is a percentage, e.g. 19 for 19%.
	TaxRate decimal.Decimal
	// DiscountedSubtotalExclTax is the line subtotal after earlier
	// discounts, excluding tax.
	DiscountedSubtotalExclTax decimal.Decimal
}

// Repository defines read operations for order line items.
type Repository interface {
	ListItems(ctx context.Context, ids []string) ([]Item, error)
}
