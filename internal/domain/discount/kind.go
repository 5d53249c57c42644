package discount

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// TypeCode is the persisted representation of a discount kind.
type TypeCode int

const (
	// TypeAmountExclTax is a fixed amount given excluding tax.
	TypeAmountExclTax TypeCode = 10
	// TypeAmountInclTax is a fixed amount given including tax.
	TypeAmountInclTax TypeCode = 20
	// TypePercentage is a percentage of each eligible item's subtotal.
	TypePercentage TypeCode = 30
)

// ErrUnsupportedType is returned for discount kinds this package does not
// know how to allocate. It signals broken configuration data.
var ErrUnsupportedType = errors.New("unsupported discount type")

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Kind is the closed set of discount kinds. Every implementation lives in this
// package and must provide allocate, so adding a kind without an allocation
// strategy does not compile.
type Kind interface {
	Code() TypeCode
	String() string

	allocate(value decimal.Decimal, eligible []LineItem) Allocation
}

// AmountExclTax distributes a fixed excl. tax amount across eligible items.
type AmountExclTax struct{}

// AmountInclTax distributes a fixed incl. tax amount across eligible items,
// converted to excl. tax through the items' mean tax rate.
type AmountInclTax struct{}

// Percentage discounts every eligible item by the same percentage.
type Percentage struct{}

var (
	_ Kind = AmountExclTax{}
	_ Kind = AmountInclTax{}
	_ Kind = Percentage{}
)

// KindOf maps a persisted type code to its Kind.
func KindOf(code TypeCode) (Kind, error) {
	switch code {
	case TypeAmountExclTax:
		return AmountExclTax{}, nil
	case TypeAmountInclTax:
		return AmountInclTax{}, nil
	case TypePercentage:
		return Percentage{}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedType, "type code %d", code)
	}
}

func (AmountExclTax) Code() TypeCode { return TypeAmountExclTax }
func (AmountExclTax) String() string { return "amount excl. tax" }

func (AmountInclTax) Code() TypeCode { return TypeAmountInclTax }
func (AmountInclTax) String() string { return "amount incl. tax" }

func (Percentage) Code() TypeCode { return TypePercentage }
func (Percentage) String() string { return "percentage" }

func (AmountExclTax) allocate(value decimal.Decimal, eligible []LineItem) Allocation {
	return distribute(value, eligible)
}

// allocate converts value to excl. tax using the subtotal-weighted mean tax
// rate of the eligible items. With diverging rates this is an approximation:
// each item is discounted at the blended rate, not at its own.
func (AmountInclTax) allocate(value decimal.Decimal, eligible []LineItem) Allocation {
	dividend, divisor := zero, zero
	for _, it := range eligible {
		sub := it.Item.DiscountedSubtotalExclTax
		dividend = dividend.Add(it.Item.TaxRate.Mul(sub))
		divisor = divisor.Add(sub)
	}
	if divisor.IsZero() {
		return distribute(zero, eligible)
	}

	rate := dividend.Div(divisor)
	pool := value.Div(one.Add(rate.Div(hundred)))
	return distribute(pool, eligible)
}

func (Percentage) allocate(value decimal.Decimal, eligible []LineItem) Allocation {
	factor := value.Div(hundred)

	alloc := newAllocation(len(eligible))
	for _, it := range eligible {
		alloc.add(it.Item.ID, floorAtZero(it.Item.DiscountedSubtotalExclTax.Mul(factor)))
	}
	return alloc
}

// distribute spreads pool across eligible items proportionally to their
// subtotals. A pool larger than the eligible subtotal is clamped and the
// excess reported as Remaining, so a discount never drives the subtotal below
// zero.
func distribute(pool decimal.Decimal, eligible []LineItem) Allocation {
	subtotal := zero
	for _, it := range eligible {
		subtotal = subtotal.Add(it.Item.DiscountedSubtotalExclTax)
	}

	alloc := newAllocation(len(eligible))
	pool = floorAtZero(pool)
	if pool.GreaterThan(subtotal) {
		alloc.Remaining = pool.Sub(subtotal)
		pool = subtotal
	}
	if !subtotal.IsPositive() {
		return alloc
	}

	for _, it := range eligible {
		sub := it.Item.DiscountedSubtotalExclTax
		alloc.add(it.Item.ID, sub.Mul(pool).Div(subtotal))
	}
	return alloc
}
