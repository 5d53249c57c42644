package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/shop-discount/internal/domain/order"
)

const (
	orderItemColumns = `id, order_id, variation_id, quantity, is_sale, tax_rate, discounted_subtotal_excl_tax`

	listItemsSQL = `SELECT ` + orderItemColumns + ` FROM order_items WHERE id = ANY($1) ORDER BY id`

	listOrderItemsSQL = `SELECT ` + orderItemColumns + ` FROM order_items WHERE order_id = $1 ORDER BY id`

	upsertItemSQL = `INSERT INTO order_items (` + orderItemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			order_id = EXCLUDED.order_id, variation_id = EXCLUDED.variation_id,
			quantity = EXCLUDED.quantity, is_sale = EXCLUDED.is_sale, tax_rate = EXCLUDED.tax_rate,
			discounted_subtotal_excl_tax = EXCLUDED.discounted_subtotal_excl_tax`
)

var _ order.Repository = (*OrderItemRepository)(nil)

// OrderItemRepository implements order.Repository backed by PostgreSQL.
type OrderItemRepository struct {
	pool *pgxpool.Pool
}

// NewOrderItemRepository returns an OrderItemRepository that uses the given pool.
func NewOrderItemRepository(pool *pgxpool.Pool) *OrderItemRepository {
	return &OrderItemRepository{pool: pool}
}

// ListItems returns the order items with the given IDs. Unknown IDs are
// skipped.
func (r *OrderItemRepository) ListItems(ctx context.Context, ids []string) ([]order.Item, error) {
	rows, err := r.pool.Query(ctx, listItemsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("listing order items: %w", err)
	}
	return pgx.CollectRows(rows, scanItem)
}

// ListOrderItems returns every item of an order.
func (r *OrderItemRepository) ListOrderItems(ctx context.Context, orderID string) ([]order.Item, error) {
	rows, err := r.pool.Query(ctx, listOrderItemsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanItem)
}

// SaveItems inserts or updates order items in one batch.
func (r *OrderItemRepository) SaveItems(ctx context.Context, items []order.Item) error {
	b := &pgx.Batch{}
	for _, it := range items {
		b.Queue(upsertItemSQL,
			it.ID, it.OrderID, it.VariationID, int32(it.Quantity), it.IsSale, it.TaxRate, it.DiscountedSubtotalExclTax,
		)
	}
	if _, err := execBatch(ctx, r.pool, b); err != nil {
		return fmt.Errorf("saving order items: %w", err)
	}
	return nil
}

func scanItem(row pgx.CollectableRow) (order.Item, error) {
	var (
		it       order.Item
		quantity int32
	)
	err := row.Scan(
		&it.ID, &it.OrderID, &it.VariationID, &quantity, &it.IsSale, &it.TaxRate, &it.DiscountedSubtotalExclTax,
	)
	it.Quantity = int(quantity)
	return it, err
}
