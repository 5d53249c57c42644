package discount

import (
	"sort"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/shop-discount/internal/domain/catalog"
	"github.com/xenking/shop-discount/internal/domain/order"
)

// Built-in rule names.
const (
	RuleAll            = "all"
	RuleExcludeSale    = "exclude_sale"
	RuleProducts       = "products"
	RuleOnlyCategories = "only_categories"
)

var (
	// ErrUnknownRule is returned for config keys with no registered rule.
	ErrUnknownRule = errors.New("unknown discount rule")
	// ErrInvalidParams is returned when rule parameters do not match the
	// rule's parameter schema.
	ErrInvalidParams = errors.New("invalid rule parameters")
	// ErrReservedRule is returned when removing or replacing the "all" rule.
	ErrReservedRule = errors.New("rule is reserved")
)

// VariationPredicate reports whether a variation passes a rule.
type VariationPredicate func(v catalog.Variation) bool

// OrderItemPredicate reports whether an order line passes a rule.
type OrderItemPredicate func(it order.Item) bool

// Param describes one configurable parameter of a rule.
type Param struct {
	Name     string
	Title    string
	Required bool
}

// RuleOption is a named, registrable eligibility rule. Either query may be
// nil; a rule with neither narrows nothing.
type RuleOption struct {
	Name   string
	Title  string
	Params []Param

	VariationQuery func(p Params) (VariationPredicate, error)
	OrderItemQuery func(p Params) (OrderItemPredicate, error)
}

// boundRule is a rule with its parameters applied.
type boundRule struct {
	name      string
	variation VariationPredicate
	orderItem OrderItemPredicate
}

// Registry maps rule names to rule options. The "all" rule is registered by
// NewRegistry and can be neither removed nor replaced.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]RuleOption
}

// NewRegistry returns a registry holding the built-in rules.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]RuleOption, 4)}
	r.rules[RuleAll] = RuleOption{Name: RuleAll, Title: "All products"}
	for _, opt := range builtinRules() {
		r.rules[opt.Name] = opt
	}
	return r
}

// Register adds a rule or replaces a previously registered one.
func (r *Registry) Register(opt RuleOption) error {
	if opt.Name == "" {
		return errors.New("rule name is required")
	}
	if opt.Name == RuleAll {
		return errors.Wrapf(ErrReservedRule, "register %q", opt.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[opt.Name] = opt
	return nil
}

// Remove unregisters a rule.
func (r *Registry) Remove(name string) error {
	if name == RuleAll {
		return errors.Wrapf(ErrReservedRule, "remove %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, name)
	return nil
}

// Lookup returns the rule registered under name.
func (r *Registry) Lookup(name string) (RuleOption, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opt, ok := r.rules[name]
	return opt, ok
}

// Names returns the registered rule names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// bind resolves every config entry to its predicates. An empty config binds
// nothing, which is the "all" rule.
func (r *Registry) bind(cfg Config) ([]boundRule, error) {
	bound := make([]boundRule, 0, len(cfg))
	for _, name := range cfg.Rules() {
		opt, ok := r.Lookup(name)
		if !ok {
			return nil, errors.Wrapf(ErrUnknownRule, "%q", name)
		}

		params := cfg[name]
		if err := checkParams(opt, params); err != nil {
			return nil, err
		}

		b := boundRule{name: name}
		var err error
		if opt.VariationQuery != nil {
			if b.variation, err = opt.VariationQuery(params); err != nil {
				return nil, errors.Wrapf(err, "rule %q", name)
			}
		}
		if opt.OrderItemQuery != nil {
			if b.orderItem, err = opt.OrderItemQuery(params); err != nil {
				return nil, errors.Wrapf(err, "rule %q", name)
			}
		}
		bound = append(bound, b)
	}
	return bound, nil
}

// checkParams rejects parameters the rule does not declare and required ones
// that are missing.
func checkParams(opt RuleOption, params Params) error {
	declared := make(map[string]struct{}, len(opt.Params))
	for _, p := range opt.Params {
		declared[p.Name] = struct{}{}
		if _, ok := params[p.Name]; p.Required && !ok {
			return errors.Wrapf(ErrInvalidParams, "rule %q: missing %q", opt.Name, p.Name)
		}
	}
	for name := range params {
		if _, ok := declared[name]; !ok {
			return errors.Wrapf(ErrInvalidParams, "rule %q: unexpected %q", opt.Name, name)
		}
	}
	return nil
}

func builtinRules() []RuleOption {
	return []RuleOption{
		{
			Name:  RuleExcludeSale,
			Title: "Exclude sale prices",
			OrderItemQuery: func(Params) (OrderItemPredicate, error) {
				return func(it order.Item) bool { return !it.IsSale }, nil
			},
		},
		{
			Name:   RuleProducts,
			Title:  "Explicitly define discountable products",
			Params: []Param{{Name: "products", Title: "Products", Required: true}},
			VariationQuery: func(p Params) (VariationPredicate, error) {
				products, err := p.IDSet("products")
				if err != nil {
					return nil, err
				}
				return func(v catalog.Variation) bool {
					_, ok := products[v.ProductID]
					return ok
				}, nil
			},
		},
		{
			Name:   RuleOnlyCategories,
			Title:  "Only products from selected categories",
			Params: []Param{{Name: "categories", Title: "Categories", Required: true}},
			VariationQuery: func(p Params) (VariationPredicate, error) {
				categories, err := p.IDSet("categories")
				if err != nil {
					return nil, err
				}
				return func(v catalog.Variation) bool {
					return v.InCategory(categories)
				}, nil
			},
		},
	}
}
