// Package discount decides which order lines a discount applies to and how
// much of the discount each of them receives.
package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-discount/internal/domain/catalog"
	"github.com/xenking/shop-discount/internal/domain/order"
)

var (
	// ErrNotFound is returned when a discount definition does not exist.
	ErrNotFound = errors.New("discount not found")
	// ErrCodeNotFound is returned when no discount carries the given code.
	ErrCodeNotFound = errors.New("discount code not found")
	// ErrNegativeValue is returned for definitions with a value below zero.
	ErrNegativeValue = errors.New("discount value must not be negative")
)

var validate = validator.New()

// Definition describes a discount: its kind, value and the rules selecting
// eligible products.
type Definition struct {
	ID     string
	Name   string `validate:"required,max=100"`
	Kind   Kind
	Value  decimal.Decimal
	Config Config
	// Remaining is the part of the last amount discount that exceeded the
	// eligible subtotal and could not be allocated.
	Remaining decimal.Decimal
}

// Check validates the definition against the rule registry.
func (d *Definition) Check(rules *Registry) error {
	if err := validate.Struct(d); err != nil {
		return errors.Wrap(err, "validate definition")
	}
	if d.Kind == nil {
		return ErrUnsupportedType
	}
	if d.Value.IsNegative() {
		return ErrNegativeValue
	}
	if _, err := rules.bind(d.Config); err != nil {
		return errors.Wrapf(err, "discount %q", d.Name)
	}
	return nil
}

// Code is a coupon-style discount: a definition gated by an activity flag, a
// date window and a usage cap.
type Code struct {
	Definition

	// Code is empty for plain definitions.
	Code       string `validate:"omitempty,max=30"`
	IsActive   bool
	ValidFrom  time.Time
	ValidUntil *time.Time
	// AllowedUses caps redemptions. Nil or a non-positive cap means no limit.
	AllowedUses *int
	Used        int
}

// Check validates the code fields and its definition.
func (c *Code) Check(rules *Registry) error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrapf(err, "validate code %q", c.Code)
	}
	return c.Definition.Check(rules)
}

// LineItem is an order line joined with its catalog variation.
type LineItem struct {
	Item      order.Item
	Variation catalog.Variation
}

// ProductID returns the product the line item's variation belongs to.
func (li LineItem) ProductID() string {
	return li.Variation.ProductID
}

// Redemption records a code applied to an order.
type Redemption struct {
	ID         string
	DiscountID string
	Code       string
	OrderID    string
	Amount     decimal.Decimal
	Remaining  decimal.Decimal
	CreatedAt  time.Time
}

// Repository provides lookup and mutation of discounts.
type Repository interface {
	FindDefinition(ctx context.Context, id string) (*Definition, error)
	FindCode(ctx context.Context, code string) (*Code, error)
	SaveRemaining(ctx context.Context, id string, remaining decimal.Decimal) error
	// InTx runs fn in a single transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view of Repository used while redeeming a code.
type Tx interface {
	// LockCode loads the code and holds a row lock until the transaction ends.
	LockCode(ctx context.Context, code string) (*Code, error)
	SaveRemaining(ctx context.Context, id string, remaining decimal.Decimal) error
	IncrementUsed(ctx context.Context, id string) error
	// FindRedemption returns nil without error when the order has not
	// redeemed the discount yet.
	FindRedemption(ctx context.Context, discountID, orderID string) (*Redemption, error)
	InsertRedemption(ctx context.Context, r *Redemption) error
}

// Locker serializes work on a single key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type noopLocker struct{}

func (noopLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}

var zero = decimal.Zero
