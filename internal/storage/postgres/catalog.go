package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/shop-discount/internal/domain/catalog"
)

const (
	categoryIDsAgg = `COALESCE(array_agg(pc.category_id ORDER BY pc.category_id)
		FILTER (WHERE pc.category_id IS NOT NULL), '{}')`

	listProductsSQL = `SELECT p.id, p.name, ` + categoryIDsAgg + `
		FROM products p
		LEFT JOIN product_categories pc ON pc.product_id = p.id
		WHERE ($1::text[] IS NULL OR p.id = ANY($1))
		  AND ($2::text[] IS NULL OR EXISTS (
			SELECT 1 FROM product_categories f
			WHERE f.product_id = p.id AND f.category_id = ANY($2)))
		GROUP BY p.id, p.name
		ORDER BY p.id`

	listVariationsSQL = `SELECT v.id, v.product_id, v.sku, ` + categoryIDsAgg + `
		FROM product_variations v
		LEFT JOIN product_categories pc ON pc.product_id = v.product_id
		WHERE v.id = ANY($1)
		GROUP BY v.id, v.product_id, v.sku
		ORDER BY v.id`

	upsertCategorySQL = `INSERT INTO categories (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	upsertProductSQL = `INSERT INTO products (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	clearProductCategoriesSQL = `DELETE FROM product_categories WHERE product_id = $1`

	insertProductCategorySQL = `INSERT INTO product_categories (product_id, category_id) VALUES ($1, $2)`

	upsertVariationSQL = `INSERT INTO product_variations (id, product_id, sku) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET product_id = EXCLUDED.product_id, sku = EXCLUDED.sku`
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// ListProducts returns products matching the filter ordered by ID. Nil
// filter fields do not restrict the result.
func (r *CatalogRepository) ListProducts(ctx context.Context, f catalog.Filter) ([]catalog.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL, f.IDs, f.CategoryIDs)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Product, error) {
		var p catalog.Product
		err := row.Scan(&p.ID, &p.Name, &p.CategoryIDs)
		return p, err
	})
}

// ListVariations returns the variations with the given IDs together with the
// categories of their products.
func (r *CatalogRepository) ListVariations(ctx context.Context, ids []string) ([]catalog.Variation, error) {
	rows, err := r.pool.Query(ctx, listVariationsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("listing variations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Variation, error) {
		var v catalog.Variation
		err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.CategoryIDs)
		return v, err
	})
}

// SaveCategory inserts or renames a category.
func (r *CatalogRepository) SaveCategory(ctx context.Context, c catalog.Category) error {
	if _, err := r.pool.Exec(ctx, upsertCategorySQL, c.ID, c.Name); err != nil {
		return fmt.Errorf("saving category %q: %w", c.ID, err)
	}
	return nil
}

// SaveProduct inserts or updates a product and replaces its category links.
func (r *CatalogRepository) SaveProduct(ctx context.Context, p catalog.Product) error {
	b := &pgx.Batch{}
	b.Queue(upsertProductSQL, p.ID, p.Name)
	b.Queue(clearProductCategoriesSQL, p.ID)
	for _, categoryID := range p.CategoryIDs {
		b.Queue(insertProductCategorySQL, p.ID, categoryID)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := execBatch(ctx, tx, b); err != nil {
		return fmt.Errorf("saving product %q: %w", p.ID, err)
	}
	return tx.Commit(ctx)
}

// SaveVariation inserts or updates a product variation.
func (r *CatalogRepository) SaveVariation(ctx context.Context, v catalog.Variation) error {
	if _, err := r.pool.Exec(ctx, upsertVariationSQL, v.ID, v.ProductID, v.SKU); err != nil {
		return fmt.Errorf("saving variation %q: %w", v.ID, err)
	}
	return nil
}
