package app

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/shop-discount/internal/domain/discount"
)

// discounts is the part of discount.Service the commands use.
type discounts interface {
	EligibleProducts(ctx context.Context, discountID string, itemIDs, candidates []string) ([]string, error)
	Apply(ctx context.Context, discountID string, itemIDs []string) (*discount.Allocation, error)
	Validate(ctx context.Context, code string) error
	Redeem(ctx context.Context, req discount.RedeemRequest) (*discount.Redemption, error)
}

var _ discounts = (*discount.Service)(nil)

type command struct {
	svc   discounts
	cfg   *Config
	items []string
}

func (c *command) run(ctx context.Context, out io.Writer) error {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.SetIdent(2)

	switch c.cfg.Command {
	case CommandEligible:
		var candidates []string
		if len(c.cfg.Candidates) > 0 {
			candidates = c.cfg.Candidates
		}
		products, err := c.svc.EligibleProducts(ctx, c.cfg.DiscountID, c.items, candidates)
		if err != nil {
			return err
		}
		encodeEligible(e, c.cfg.DiscountID, products)

	case CommandApply:
		alloc, err := c.svc.Apply(ctx, c.cfg.DiscountID, c.items)
		if err != nil {
			return err
		}
		encodeAllocation(e, c.cfg.DiscountID, alloc)

	case CommandValidate:
		err := c.svc.Validate(ctx, c.cfg.Code)
		var verr *discount.ValidationError
		if err != nil && !errors.As(err, &verr) {
			return err
		}
		encodeValidity(e, c.cfg.Code, verr)

	case CommandRedeem:
		r, err := c.svc.Redeem(ctx, discount.RedeemRequest{
			Code:    c.cfg.Code,
			OrderID: c.cfg.OrderID,
			ItemIDs: c.items,
		})
		if err != nil {
			return err
		}
		encodeRedemption(e, r)

	default:
		return errors.Errorf("unknown command %q", c.cfg.Command)
	}

	e.RawStr("\n")
	if _, err := out.Write(e.Bytes()); err != nil {
		return errors.Wrap(err, "write result")
	}
	return nil
}

func encodeEligible(e *jx.Encoder, discountID string, products []string) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("discount_id", func(e *jx.Encoder) { e.Str(discountID) })
		e.Field("products", func(e *jx.Encoder) {
			e.ArrStart()
			for _, id := range products {
				e.Str(id)
			}
			e.ArrEnd()
		})
	})
}

func encodeAllocation(e *jx.Encoder, discountID string, alloc *discount.Allocation) {
	ids := make([]string, 0, len(alloc.Items))
	for id := range alloc.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	e.Obj(func(e *jx.Encoder) {
		e.Field("discount_id", func(e *jx.Encoder) { e.Str(discountID) })
		e.Field("items", func(e *jx.Encoder) {
			e.ObjStart()
			for _, id := range ids {
				e.FieldStart(id)
				e.Str(alloc.Items[id].String())
			}
			e.ObjEnd()
		})
		e.Field("total", func(e *jx.Encoder) { e.Str(alloc.Total().String()) })
		e.Field("remaining", func(e *jx.Encoder) { e.Str(alloc.Remaining.String()) })
	})
}

func encodeValidity(e *jx.Encoder, code string, verr *discount.ValidationError) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Str(code) })
		e.Field("valid", func(e *jx.Encoder) { e.Bool(verr == nil) })
		if verr == nil {
			return
		}
		e.Field("reasons", func(e *jx.Encoder) {
			e.ArrStart()
			for _, msg := range verr.Messages() {
				e.Str(msg)
			}
			e.ArrEnd()
		})
	})
}

func encodeRedemption(e *jx.Encoder, r *discount.Redemption) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(r.ID) })
		e.Field("discount_id", func(e *jx.Encoder) { e.Str(r.DiscountID) })
		e.Field("code", func(e *jx.Encoder) { e.Str(r.Code) })
		e.Field("order_id", func(e *jx.Encoder) { e.Str(r.OrderID) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(r.Amount.String()) })
		e.Field("remaining", func(e *jx.Encoder) { e.Str(r.Remaining.String()) })
		e.Field("created_at", func(e *jx.Encoder) { e.Str(r.CreatedAt.UTC().Format(time.RFC3339)) })
	})
}
