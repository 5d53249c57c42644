package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-discount/internal/domain/catalog"
	"github.com/xenking/shop-discount/internal/domain/discount"
	"github.com/xenking/shop-discount/internal/domain/order"
	"github.com/xenking/shop-discount/internal/storage/postgres"
)

type seedJSON struct {
	Categories []catalog.Category `json:"categories"`
	Products   []productJSON      `json:"products"`
	OrderItems []orderItemJSON    `json:"order_items"`
	Discounts  []discountJSON     `json:"discounts"`
}

type productJSON struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Categories []string `json:"categories"`
	Variations []struct {
		ID  string `json:"id"`
		SKU string `json:"sku"`
	} `json:"variations"`
}

type orderItemJSON struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	VariationID string          `json:"variation_id"`
	Quantity    int             `json:"quantity"`
	IsSale      bool            `json:"is_sale"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type discountJSON struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        discount.TypeCode `json:"type"`
	Value       decimal.Decimal   `json:"value"`
	Config      discount.Config   `json:"config"`
	Code        string            `json:"code"`
	IsActive    *bool             `json:"is_active"`
	ValidFrom   string            `json:"valid_from"`
	ValidUntil  string            `json:"valid_until"`
	AllowedUses *int              `json:"allowed_uses"`
}

const dateLayout = "2006-01-02"

func main() {
	var (
		databaseURL string
		seedFile    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedFile, "seed-file", "db/seed/catalog.json", "path to seed JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, seedFile string) error {
	slog.Info("reading seed file", slog.String("path", seedFile))

	data, err := os.ReadFile(seedFile)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}

	var seed seedJSON
	if err := json.Unmarshal(data, &seed); err != nil {
		return errors.Wrap(err, "parse seed JSON")
	}

	discounts, err := buildDiscounts(seed.Discounts, discount.NewRegistry())
	if err != nil {
		return errors.Wrap(err, "check discounts")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCatalog(ctx, postgres.NewCatalogRepository(pool), seed); err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	if err := seedOrderItems(ctx, postgres.NewOrderItemRepository(pool), seed.OrderItems); err != nil {
		return errors.Wrap(err, "seed order items")
	}

	repo := postgres.NewDiscountRepository(pool)
	for _, c := range discounts {
		if err := repo.Upsert(ctx, c); err != nil {
			return errors.Wrapf(err, "upsert discount %s", c.ID)
		}
		slog.Info("upserted discount", slog.String("id", c.ID), slog.String("code", c.Code), slog.String("type", c.Kind.String()))
	}

	return nil
}

func seedCatalog(ctx context.Context, repo *postgres.CatalogRepository, seed seedJSON) error {
	slog.Info("upserting categories", slog.Int("count", len(seed.Categories)))

	for _, c := range seed.Categories {
		if err := repo.SaveCategory(ctx, c); err != nil {
			return err
		}
	}

	slog.Info("upserting products", slog.Int("count", len(seed.Products)))

	for _, p := range seed.Products {
		if err := repo.SaveProduct(ctx, catalog.Product{ID: p.ID, Name: p.Name, CategoryIDs: p.Categories}); err != nil {
			return err
		}
		for _, v := range p.Variations {
			if err := repo.SaveVariation(ctx, catalog.Variation{ID: v.ID, ProductID: p.ID, SKU: v.SKU}); err != nil {
				return err
			}
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.Int("variations", len(p.Variations)))
	}

	return nil
}

func seedOrderItems(ctx context.Context, repo *postgres.OrderItemRepository, items []orderItemJSON) error {
	slog.Info("upserting order items", slog.Int("count", len(items)))

	out := make([]order.Item, len(items))
	for i, it := range items {
		out[i] = order.Item{
			ID:                        it.ID,
			OrderID:                   it.OrderID,
			VariationID:               it.VariationID,
			Quantity:                  it.Quantity,
			IsSale:                    it.IsSale,
			TaxRate:                   it.TaxRate,
			DiscountedSubtotalExclTax: it.Subtotal,
		}
	}
	return repo.SaveItems(ctx, out)
}

// buildDiscounts converts and checks every discount before anything is
// written, so a bad entry does not leave a half seeded database.
func buildDiscounts(in []discountJSON, rules *discount.Registry) ([]*discount.Code, error) {
	out := make([]*discount.Code, 0, len(in))
	for _, dj := range in {
		kind, err := discount.KindOf(dj.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "discount %s", dj.ID)
		}

		c := &discount.Code{
			Definition: discount.Definition{
				ID:     dj.ID,
				Name:   dj.Name,
				Kind:   kind,
				Value:  dj.Value,
				Config: dj.Config,
			},
			Code:        dj.Code,
			IsActive:    dj.IsActive == nil || *dj.IsActive,
			ValidFrom:   time.Now().UTC(),
			AllowedUses: dj.AllowedUses,
		}
		if dj.ValidFrom != "" {
			if c.ValidFrom, err = time.Parse(dateLayout, dj.ValidFrom); err != nil {
				return nil, errors.Wrapf(err, "discount %s: valid_from", dj.ID)
			}
		}
		if dj.ValidUntil != "" {
			until, err := time.Parse(dateLayout, dj.ValidUntil)
			if err != nil {
				return nil, errors.Wrapf(err, "discount %s: valid_until", dj.ID)
			}
			c.ValidUntil = &until
		}

		if err := c.Check(rules); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
