package discount

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/xenking/shop-discount/internal/domain/catalog"
)

// ProductSet is a set of product IDs.
type ProductSet map[string]struct{}

// NewProductSet returns a set holding ids.
func NewProductSet(ids ...string) ProductSet {
	s := make(ProductSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s ProductSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of IDs in the set.
func (s ProductSet) Len() int { return len(s) }

// Slice returns the IDs in lexical order.
func (s ProductSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Allocation is the per-item result of applying a discount.
type Allocation struct {
	// Items maps order item ID to its discount excl. tax. Ineligible items
	// have no entry.
	Items map[string]decimal.Decimal
	// Remaining is the part of an amount discount that exceeded the eligible
	// subtotal.
	Remaining decimal.Decimal
}

func newAllocation(n int) Allocation {
	return Allocation{Items: make(map[string]decimal.Decimal, n)}
}

// add accumulates amt for the item.
func (a Allocation) add(itemID string, amt decimal.Decimal) {
	a.Items[itemID] = a.Items[itemID].Add(amt)
}

// For returns the discount allocated to the item, zero when it has none.
func (a *Allocation) For(itemID string) decimal.Decimal {
	return a.Items[itemID]
}

// Total sums all allocated amounts.
func (a *Allocation) Total() decimal.Decimal {
	total := zero
	for _, amt := range a.Items {
		total = total.Add(amt)
	}
	return total
}

// Engine evaluates discount definitions against order line items. It holds
// no mutable state besides the shared rule registry.
type Engine struct {
	rules *Registry
}

// NewEngine returns an engine resolving config rules through rules. A nil
// registry means NewRegistry().
func NewEngine(rules *Registry) *Engine {
	if rules == nil {
		rules = NewRegistry()
	}
	return &Engine{rules: rules}
}

// Rules returns the engine's rule registry.
func (e *Engine) Rules() *Registry { return e.rules }

// EligibleProducts returns the products of items that pass every rule in cfg.
// Variation rules narrow the variations of items and order item rules narrow
// the items themselves; a product is eligible when it still has a variation
// in the first set and an item in the second. candidates restricts the result
// further; an empty set means every product.
func (e *Engine) EligibleProducts(cfg Config, items []LineItem, candidates ProductSet) (ProductSet, error) {
	bound, err := e.rules.bind(cfg)
	if err != nil {
		return nil, err
	}

	variations := make(map[string]catalog.Variation, len(items))
	orderItems := make([]LineItem, 0, len(items))
	for _, it := range items {
		variations[it.Variation.ID] = it.Variation
		orderItems = append(orderItems, it)
	}

	for _, rule := range bound {
		if rule.variation != nil {
			for id, v := range variations {
				if !rule.variation(v) {
					delete(variations, id)
				}
			}
		}
		if rule.orderItem != nil {
			orderItems = filterItems(orderItems, rule.orderItem)
		}
	}

	byVariation := NewProductSet()
	for _, v := range variations {
		byVariation[v.ProductID] = struct{}{}
	}

	eligible := NewProductSet()
	for _, it := range orderItems {
		id := it.ProductID()
		if !byVariation.Has(id) {
			continue
		}
		if len(candidates) > 0 && !candidates.Has(id) {
			continue
		}
		eligible[id] = struct{}{}
	}
	return eligible, nil
}

func filterItems(items []LineItem, keep OrderItemPredicate) []LineItem {
	out := items[:0]
	for _, it := range items {
		if keep(it.Item) {
			out = append(out, it)
		}
	}
	return out
}

// Apply allocates def across the eligible items. Empty items yield an empty
// allocation. The returned Remaining is not persisted.
func (e *Engine) Apply(def *Definition, items []LineItem) (*Allocation, error) {
	if len(items) == 0 {
		alloc := newAllocation(0)
		return &alloc, nil
	}
	if def.Kind == nil {
		return nil, ErrUnsupportedType
	}

	products, err := e.EligibleProducts(def.Config, items, nil)
	if err != nil {
		return nil, err
	}

	eligible := make([]LineItem, 0, len(items))
	for _, it := range items {
		if products.Has(it.ProductID()) {
			eligible = append(eligible, it)
		}
	}

	alloc := def.Kind.allocate(def.Value, eligible)
	return &alloc, nil
}
