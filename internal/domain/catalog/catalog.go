package catalog

import "context"

// Product represents a catalog item available for purchase.
type Product struct {
	ID          string
	Name        string
	CategoryIDs []string
}

// Category groups products for merchandising and discount rules.
type Category struct {
	ID   string
	Name string
}

// Variation is a purchasable variant of a product. CategoryIDs mirrors the
// categories of the owning product so discount rules can match on it without
// another lookup.
type Variation struct {
	ID          string
	ProductID   string
	SKU         string
	CategoryIDs []string
}

// InCategory reports whether the variation's product belongs to any of the
// given categories.
func (v Variation) InCategory(categories map[string]struct{}) bool {
	for _, id := range v.CategoryIDs {
		if _, ok := categories[id]; ok {
			return true
		}
	}
	return false
}

// Filter narrows ListProducts. The zero value lists every product.
type Filter struct {
	IDs         []string
	CategoryIDs []string
}

// Repository defines read operations for the product catalog.
type Repository interface {
	ListProducts(ctx context.Context, filter Filter) ([]Product, error)
	ListVariations(ctx context.Context, ids []string) ([]Variation, error)
}
