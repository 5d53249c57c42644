package discount

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/shop-discount/internal/domain/catalog"
	"github.com/xenking/shop-discount/internal/domain/order"
)

const instrumentationName = "github.com/xenking/shop-discount/internal/domain/discount"

// ErrForeignItem is returned when a redemption names items of another order.
var ErrForeignItem = errors.New("item does not belong to order")

// ItemNotFoundError indicates a requested order item does not exist.
type ItemNotFoundError struct {
	ItemID string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("order item %s not found", e.ItemID)
}

// VariationNotFoundError indicates an order item references a missing
// variation.
type VariationNotFoundError struct {
	VariationID string
}

func (e *VariationNotFoundError) Error() string {
	return fmt.Sprintf("variation %s not found", e.VariationID)
}

// RedeemRequest applies a discount code to items of one order.
type RedeemRequest struct {
	Code    string   `validate:"required,max=30"`
	OrderID string   `validate:"required"`
	ItemIDs []string `validate:"required,min=1,dive,required"`
}

// Service loads discounts and order data through repositories and runs the
// engine on them.
type Service struct {
	repo    Repository
	catalog catalog.Repository
	orders  order.Repository

	engine *Engine
	locker Locker
	now    func() time.Time

	tracer      trace.Tracer
	applied     metric.Int64Counter
	redemptions metric.Int64Counter
}

type serviceOptions struct {
	rules  *Registry
	locker Locker
	now    func() time.Time
	tp     trace.TracerProvider
	mp     metric.MeterProvider
}

// Option configures a Service.
type Option func(o *serviceOptions)

// WithRules sets the rule registry. Defaults to NewRegistry().
func WithRules(r *Registry) Option {
	return func(o *serviceOptions) { o.rules = r }
}

// WithLocker sets the lock held around a redemption, keyed by code.
func WithLocker(l Locker) Option {
	return func(o *serviceOptions) { o.locker = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// WithTracerProvider sets the provider of the service tracer. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *serviceOptions) { o.tp = tp }
}

// WithMeterProvider sets the provider of the service counters. Defaults to
// the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *serviceOptions) { o.mp = mp }
}

// NewService creates a discount Service.
func NewService(
	repo Repository,
	products catalog.Repository,
	orders order.Repository,
	opts ...Option,
) (*Service, error) {
	o := serviceOptions{
		locker: noopLocker{},
		now:    time.Now,
		tp:     otel.GetTracerProvider(),
		mp:     otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := o.mp.Meter(instrumentationName)
	applied, err := meter.Int64Counter("discount.applied",
		metric.WithDescription("Discounts allocated across order items"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "applied counter")
	}
	redemptions, err := meter.Int64Counter("discount.redemptions",
		metric.WithDescription("Discount codes redeemed"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "redemptions counter")
	}

	return &Service{
		repo:        repo,
		catalog:     products,
		orders:      orders,
		engine:      NewEngine(o.rules),
		locker:      o.locker,
		now:         o.now,
		tracer:      o.tp.Tracer(instrumentationName),
		applied:     applied,
		redemptions: redemptions,
	}, nil
}

// Engine returns the engine used by the service.
func (s *Service) Engine() *Engine { return s.engine }

// EligibleProducts returns the products among itemIDs the discount applies
// to. When candidates is not empty, only those catalog products qualify.
func (s *Service) EligibleProducts(ctx context.Context, discountID string, itemIDs, candidates []string) (_ []string, rerr error) {
	ctx, span := s.tracer.Start(ctx, "discount.EligibleProducts",
		trace.WithAttributes(attribute.String("discount.id", discountID)),
	)
	defer func() { endSpan(span, rerr) }()

	var (
		def      *Definition
		items    []LineItem
		products ProductSet
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		def, err = s.definition(gctx, discountID)
		return err
	})
	g.Go(func() (err error) {
		items, err = s.lineItems(gctx, itemIDs)
		return err
	})
	if len(candidates) > 0 {
		g.Go(func() error {
			found, err := s.catalog.ListProducts(gctx, catalog.Filter{IDs: candidates})
			if err != nil {
				return errors.Wrap(err, "list candidate products")
			}
			products = NewProductSet()
			for _, p := range found {
				products[p.ID] = struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(candidates) > 0 && products.Len() == 0 {
		// None of the requested products exist.
		return []string{}, nil
	}

	eligible, err := s.engine.EligibleProducts(def.Config, items, products)
	if err != nil {
		return nil, errors.Wrapf(err, "discount %s", discountID)
	}
	return eligible.Slice(), nil
}

// Apply allocates the discount across the given order items. An amount that
// exceeds the eligible subtotal is stored on the discount as remaining.
func (s *Service) Apply(ctx context.Context, discountID string, itemIDs []string) (_ *Allocation, rerr error) {
	ctx, span := s.tracer.Start(ctx, "discount.Apply",
		trace.WithAttributes(attribute.String("discount.id", discountID)),
	)
	defer func() { endSpan(span, rerr) }()

	var (
		def   *Definition
		items []LineItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		def, err = s.definition(gctx, discountID)
		return err
	})
	g.Go(func() (err error) {
		items, err = s.lineItems(gctx, itemIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	alloc, err := s.engine.Apply(def, items)
	if err != nil {
		return nil, errors.Wrapf(err, "apply discount %s", discountID)
	}
	if alloc.Remaining.IsPositive() {
		if err := s.repo.SaveRemaining(ctx, def.ID, alloc.Remaining); err != nil {
			return nil, errors.Wrap(err, "save remaining")
		}
	}

	if def.Kind != nil {
		s.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", def.Kind.String())))
	}
	zctx.From(ctx).Debug("Discount applied",
		zap.String("discount_id", def.ID),
		zap.Int("items", len(alloc.Items)),
		zap.Stringer("total", alloc.Total()),
		zap.Stringer("remaining", alloc.Remaining),
	)
	return alloc, nil
}

// Validate checks that code can be redeemed now.
func (s *Service) Validate(ctx context.Context, code string) (rerr error) {
	ctx, span := s.tracer.Start(ctx, "discount.Validate")
	defer func() { endSpan(span, rerr) }()

	c, err := s.repo.FindCode(ctx, code)
	if err != nil {
		return errors.Wrap(err, "find code")
	}
	return c.Validate(s.now())
}

// Redeem validates the code, allocates it across the order items and records
// the use. Redeeming the same code for the same order again returns the first
// redemption without counting another use.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (_ *Redemption, rerr error) {
	if err := validate.Struct(req); err != nil {
		return nil, errors.Wrap(err, "validate request")
	}

	ctx, span := s.tracer.Start(ctx, "discount.Redeem",
		trace.WithAttributes(attribute.String("order.id", req.OrderID)),
	)
	defer func() { endSpan(span, rerr) }()

	items, err := s.lineItems(ctx, req.ItemIDs)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Item.OrderID != req.OrderID {
			return nil, errors.Wrapf(ErrForeignItem, "item %s", it.Item.ID)
		}
	}

	var (
		out    *Redemption
		replay bool
	)
	err = s.locker.WithLock(ctx, "discount:code:"+req.Code, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx Tx) error {
			code, err := tx.LockCode(ctx, req.Code)
			if err != nil {
				return errors.Wrap(err, "lock code")
			}

			prev, err := tx.FindRedemption(ctx, code.ID, req.OrderID)
			if err != nil {
				return errors.Wrap(err, "find redemption")
			}
			if prev != nil {
				out, replay = prev, true
				return nil
			}

			now := s.now()
			if err := code.Validate(now); err != nil {
				return err
			}

			alloc, err := s.engine.Apply(&code.Definition, items)
			if err != nil {
				return errors.Wrapf(err, "apply code %s", code.Code)
			}
			if alloc.Remaining.IsPositive() {
				if err := tx.SaveRemaining(ctx, code.ID, alloc.Remaining); err != nil {
					return errors.Wrap(err, "save remaining")
				}
			}
			if err := tx.IncrementUsed(ctx, code.ID); err != nil {
				return errors.Wrap(err, "increment used")
			}

			r := &Redemption{
				ID:         uuid.New().String(),
				DiscountID: code.ID,
				Code:       code.Code,
				OrderID:    req.OrderID,
				Amount:     alloc.Total(),
				Remaining:  alloc.Remaining,
				CreatedAt:  now,
			}
			if err := tx.InsertRedemption(ctx, r); err != nil {
				return errors.Wrap(err, "insert redemption")
			}
			out = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lg := zctx.From(ctx)
	if replay {
		lg.Info("Redemption replayed", zap.String("code", req.Code), zap.String("order_id", req.OrderID))
		return out, nil
	}
	s.redemptions.Add(ctx, 1)
	lg.Info("Code redeemed",
		zap.String("code", out.Code),
		zap.String("order_id", out.OrderID),
		zap.Stringer("amount", out.Amount),
	)
	return out, nil
}

func (s *Service) definition(ctx context.Context, id string) (*Definition, error) {
	def, err := s.repo.FindDefinition(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "find discount %s", id)
	}
	return def, nil
}

// lineItems loads order items and joins them with their variations, keeping
// the order of ids. Repeated ids are loaded once.
func (s *Service) lineItems(ctx context.Context, ids []string) ([]LineItem, error) {
	items, err := s.orders.ListItems(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "list order items")
	}
	byID := make(map[string]order.Item, len(items))
	variationIDs := make([]string, 0, len(items))
	for _, it := range items {
		byID[it.ID] = it
		variationIDs = append(variationIDs, it.VariationID)
	}

	variations, err := s.catalog.ListVariations(ctx, variationIDs)
	if err != nil {
		return nil, errors.Wrap(err, "list variations")
	}
	byVariation := make(map[string]catalog.Variation, len(variations))
	for _, v := range variations {
		byVariation[v.ID] = v
	}

	out := make([]LineItem, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		it, ok := byID[id]
		if !ok {
			return nil, &ItemNotFoundError{ItemID: id}
		}
		v, ok := byVariation[it.VariationID]
		if !ok {
			return nil, &VariationNotFoundError{VariationID: it.VariationID}
		}
		out = append(out, LineItem{Item: it, Variation: v})
	}
	return out, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
