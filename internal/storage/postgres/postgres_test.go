//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/shop-discount/internal/domain/catalog"
	"github.com/xenking/shop-discount/internal/domain/discount"
	"github.com/xenking/shop-discount/internal/domain/order"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "discount",
				"POSTGRES_PASSWORD": "discount",
				"POSTGRES_DB":       "discount",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool, err := NewPool(ctx, fmt.Sprintf("postgres://discount:discount@%s:%s/discount?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	// Migrations are idempotent.
	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

func seed(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	cat := NewCatalogRepository(pool)

	for _, c := range []catalog.Category{{ID: "c1", Name: "Shirts"}, {ID: "c2", Name: "Trousers"}} {
		require.NoError(t, cat.SaveCategory(ctx, c))
	}
	for _, p := range []catalog.Product{
		{ID: "p1", Name: "Oxford shirt", CategoryIDs: []string{"c1"}},
		{ID: "p2", Name: "Chinos", CategoryIDs: []string{"c2", "c1"}},
		{ID: "p3", Name: "Gift card"},
	} {
		require.NoError(t, cat.SaveProduct(ctx, p))
	}
	for _, v := range []catalog.Variation{
		{ID: "v1", ProductID: "p1", SKU: "OX-M"},
		{ID: "v2", ProductID: "p2", SKU: "CH-32"},
		{ID: "v3", ProductID: "p3", SKU: "GC-50"},
	} {
		require.NoError(t, cat.SaveVariation(ctx, v))
	}

	require.NoError(t, NewOrderItemRepository(pool).SaveItems(ctx, []order.Item{
		{ID: "i1", OrderID: "o1", VariationID: "v1", Quantity: 1, TaxRate: d("19"), DiscountedSubtotalExclTax: d("30")},
		{ID: "i2", OrderID: "o1", VariationID: "v2", Quantity: 2, TaxRate: d("19"), DiscountedSubtotalExclTax: d("70")},
		{ID: "i3", OrderID: "o2", VariationID: "v3", Quantity: 1, IsSale: true, TaxRate: d("0"), DiscountedSubtotalExclTax: d("50")},
	}))
}

func TestStorage(t *testing.T) {
	pool := startPostgres(t)
	seed(t, pool)
	ctx := context.Background()

	t.Run("catalog", func(t *testing.T) {
		repo := NewCatalogRepository(pool)

		all, err := repo.ListProducts(ctx, catalog.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"c1", "c2"}, all[1].CategoryIDs)
		assert.Empty(t, all[2].CategoryIDs)

		shirts, err := repo.ListProducts(ctx, catalog.Filter{CategoryIDs: []string{"c1"}})
		require.NoError(t, err)
		assert.Len(t, shirts, 2)

		some, err := repo.ListProducts(ctx, catalog.Filter{IDs: []string{"p3", "p9"}})
		require.NoError(t, err)
		require.Len(t, some, 1)
		assert.Equal(t, "p3", some[0].ID)

		vs, err := repo.ListVariations(ctx, []string{"v2", "v1"})
		require.NoError(t, err)
		require.Len(t, vs, 2)
		assert.Equal(t, "v1", vs[0].ID)
		assert.Equal(t, []string{"c1", "c2"}, vs[1].CategoryIDs)
	})

	t.Run("order items", func(t *testing.T) {
		repo := NewOrderItemRepository(pool)

		items, err := repo.ListItems(ctx, []string{"i1", "i3", "missing"})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.True(t, items[1].IsSale)
		assert.True(t, d("19").Equal(items[0].TaxRate))

		byOrder, err := repo.ListOrderItems(ctx, "o1")
		require.NoError(t, err)
		assert.Len(t, byOrder, 2)
	})

	t.Run("discounts", func(t *testing.T) {
		repo := NewDiscountRepository(pool)
		uses := 1
		require.NoError(t, repo.Upsert(ctx, &discount.Code{
			Definition: discount.Definition{
				ID:     "d1",
				Name:   "Ten off shirts",
				Kind:   discount.AmountExclTax{},
				Value:  d("10"),
				Config: discount.Config{discount.RuleOnlyCategories: discount.IDParams("categories", "c1")},
			},
			Code:        "SHIRT10",
			IsActive:    true,
			ValidFrom:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			AllowedUses: &uses,
		}))

		def, err := repo.FindDefinition(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, discount.AmountExclTax{}, def.Kind)
		assert.Equal(t, []string{discount.RuleOnlyCategories}, def.Config.Rules())

		_, err = repo.FindDefinition(ctx, "nope")
		require.ErrorIs(t, err, discount.ErrNotFound)
		_, err = repo.FindCode(ctx, "NOPE")
		require.ErrorIs(t, err, discount.ErrCodeNotFound)

		svc, err := discount.NewService(repo, NewCatalogRepository(pool), NewOrderItemRepository(pool),
			discount.WithClock(func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }),
		)
		require.NoError(t, err)

		r, err := svc.Redeem(ctx, discount.RedeemRequest{Code: "SHIRT10", OrderID: "o1", ItemIDs: []string{"i1", "i2"}})
		require.NoError(t, err)
		assert.True(t, d("10").Equal(r.Amount), "amount %s", r.Amount)

		again, err := svc.Redeem(ctx, discount.RedeemRequest{Code: "SHIRT10", OrderID: "o1", ItemIDs: []string{"i1", "i2"}})
		require.NoError(t, err)
		assert.Equal(t, r.ID, again.ID)

		c, err := repo.FindCode(ctx, "SHIRT10")
		require.NoError(t, err)
		assert.Equal(t, 1, c.Used)

		_, err = svc.Redeem(ctx, discount.RedeemRequest{Code: "SHIRT10", OrderID: "o2", ItemIDs: []string{"i3"}})
		require.ErrorIs(t, err, discount.ErrCodeUsesReached)

		n, err := repo.CreateCodes(ctx, c, []string{"SHIRT10", "IMPORT-1", "IMPORT-2"})
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		imported, err := repo.FindCode(ctx, "IMPORT-1")
		require.NoError(t, err)
		assert.Zero(t, imported.Used)
		assert.NotEqual(t, c.ID, imported.ID)
	})

	t.Run("remaining", func(t *testing.T) {
		repo := NewDiscountRepository(pool)
		require.NoError(t, repo.Upsert(ctx, &discount.Code{
			Definition: discount.Definition{ID: "d2", Name: "Big", Kind: discount.AmountExclTax{}, Value: d("150")},
			ValidFrom:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}))

		svc, err := discount.NewService(repo, NewCatalogRepository(pool), NewOrderItemRepository(pool))
		require.NoError(t, err)

		alloc, err := svc.Apply(ctx, "d2", []string{"i1", "i2"})
		require.NoError(t, err)
		assert.True(t, d("50").Equal(alloc.Remaining))

		def, err := repo.FindDefinition(ctx, "d2")
		require.NoError(t, err)
		assert.True(t, d("50").Equal(def.Remaining), "remaining %s", def.Remaining)
	})
	t.Run("concurrent redemptions", func(t *testing.T) {
		const orders = 6

		items := make([]order.Item, orders)
		for i := range items {
			items[i] = order.Item{
				ID:                        fmt.Sprintf("race-item-%d", i),
				OrderID:                   fmt.Sprintf("race-order-%d", i),
				VariationID:               "v3",
				Quantity:                  1,
				TaxRate:                   d("0"),
				DiscountedSubtotalExclTax: d("50"),
			}
		}
		require.NoError(t, NewOrderItemRepository(pool).SaveItems(ctx, items))

		repo := NewDiscountRepository(pool)
		uses := 1
		require.NoError(t, repo.Upsert(ctx, &discount.Code{
			Definition:  discount.Definition{ID: "d3", Name: "Single use", Kind: discount.Percentage{}, Value: d("10")},
			Code:        "ONCE",
			IsActive:    true,
			ValidFrom:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			AllowedUses: &uses,
		}))

		svc, err := discount.NewService(repo, NewCatalogRepository(pool), NewOrderItemRepository(pool))
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			errs = make([]error, orders)
		)
		for i := range orders {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = svc.Redeem(ctx, discount.RedeemRequest{
					Code:    "ONCE",
					OrderID: items[i].OrderID,
					ItemIDs: []string{items[i].ID},
				})
			}()
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, discount.ErrCodeUsesReached)
		}
		assert.Equal(t, 1, succeeded)

		c, err := repo.FindCode(ctx, "ONCE")
		require.NoError(t, err)
		assert.Equal(t, 1, c.Used)
	})
}
