package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-discount/internal/domain/discount"
)

const (
	discountColumns = `id, name, type, value, config, remaining,
		code, is_active, valid_from, valid_until, allowed_uses, used`

	findDefinitionSQL = `SELECT ` + discountColumns + ` FROM discounts WHERE id = $1`

	findCodeSQL = `SELECT ` + discountColumns + ` FROM discounts WHERE code = $1`

	lockCodeSQL = findCodeSQL + ` FOR UPDATE`

	saveRemainingSQL = `UPDATE discounts SET remaining = $2 WHERE id = $1`

	incrementUsedSQL = `UPDATE discounts SET used = used + 1 WHERE id = $1`

	upsertDiscountSQL = `INSERT INTO discounts (` + discountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, value = EXCLUDED.value,
			config = EXCLUDED.config, code = EXCLUDED.code, is_active = EXCLUDED.is_active,
			valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until,
			allowed_uses = EXCLUDED.allowed_uses`

	insertCodeSQL = `INSERT INTO discounts (` + discountColumns + `)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, 0)
		ON CONFLICT (code) DO NOTHING`

	findRedemptionSQL = `SELECT id, discount_id, code, order_id, amount, remaining, created_at
		FROM discount_redemptions WHERE discount_id = $1 AND order_id = $2`

	insertRedemptionSQL = `INSERT INTO discount_redemptions
		(id, discount_id, code, order_id, amount, remaining, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

var (
	_ discount.Repository = (*DiscountRepository)(nil)
	_ discount.Tx         = (*discountTx)(nil)
)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
// Definitions and codes share the discounts table; a definition is a row
// without a code.
type DiscountRepository struct {
	discountQueries
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{
		discountQueries: discountQueries{q: pool},
		pool:            pool,
	}
}

// InTx runs fn in a transaction, committing when fn returns nil and rolling
// back otherwise.
func (r *DiscountRepository) InTx(ctx context.Context, fn func(tx discount.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&discountTx{discountQueries{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Upsert inserts or updates a discount. The used counter and remaining
// amount of an existing row are left untouched.
func (r *DiscountRepository) Upsert(ctx context.Context, c *discount.Code) error {
	if c.Kind == nil {
		return discount.ErrUnsupportedType
	}
	config, err := c.Config.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding config of discount %q: %w", c.ID, err)
	}

	_, err = r.pool.Exec(ctx, upsertDiscountSQL,
		c.ID, c.Name, int32(c.Kind.Code()), c.Value, config, c.Remaining,
		nullString(c.Code), c.IsActive, c.ValidFrom, c.ValidUntil, nullInt(c.AllowedUses), int32(c.Used),
	)
	if err != nil {
		return fmt.Errorf("upserting discount %q: %w", c.ID, err)
	}
	return nil
}

// CreateCodes inserts one discount per code, each a copy of template with a
// fresh ID and no uses. Codes that already exist are skipped; the number of
// inserted rows is returned.
func (r *DiscountRepository) CreateCodes(ctx context.Context, template *discount.Code, codes []string) (int64, error) {
	if template.Kind == nil {
		return 0, discount.ErrUnsupportedType
	}
	config, err := template.Config.MarshalJSON()
	if err != nil {
		return 0, fmt.Errorf("encoding config of discount %q: %w", template.ID, err)
	}

	b := &pgx.Batch{}
	for _, code := range codes {
		b.Queue(insertCodeSQL,
			uuid.New().String(), template.Name, int32(template.Kind.Code()), template.Value, config,
			code, template.IsActive, template.ValidFrom, template.ValidUntil, nullInt(template.AllowedUses),
		)
	}

	inserted, err := execBatch(ctx, r.pool, b)
	if err != nil {
		return inserted, fmt.Errorf("inserting codes: %w", err)
	}
	return inserted, nil
}

type discountTx struct {
	discountQueries
}

// LockCode loads the code with a row lock held until the transaction ends.
func (t *discountTx) LockCode(ctx context.Context, code string) (*discount.Code, error) {
	return t.findCode(ctx, lockCodeSQL, code)
}

// IncrementUsed counts one more use of the discount.
func (t *discountTx) IncrementUsed(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, incrementUsedSQL, id)
	if err != nil {
		return fmt.Errorf("incrementing uses of discount %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}

// FindRedemption returns the redemption of the discount by the order, nil
// when there is none.
func (t *discountTx) FindRedemption(ctx context.Context, discountID, orderID string) (*discount.Redemption, error) {
	rows, err := t.q.Query(ctx, findRedemptionSQL, discountID, orderID)
	if err != nil {
		return nil, fmt.Errorf("finding redemption of %q by %q: %w", discountID, orderID, err)
	}

	red, err := pgx.CollectExactlyOneRow(rows, scanRedemption)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding redemption of %q by %q: %w", discountID, orderID, err)
	}
	return &red, nil
}

func (t *discountTx) InsertRedemption(ctx context.Context, r *discount.Redemption) error {
	_, err := t.q.Exec(ctx, insertRedemptionSQL,
		r.ID, r.DiscountID, r.Code, r.OrderID, r.Amount, r.Remaining, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting redemption %q: %w", r.ID, err)
	}
	return nil
}

// discountQueries holds the statements shared by the pool and transactions.
type discountQueries struct {
	q querier
}

// FindDefinition returns the discount with the given ID.
// Returns discount.ErrNotFound when it does not exist.
func (d discountQueries) FindDefinition(ctx context.Context, id string) (*discount.Definition, error) {
	c, err := d.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &c.Definition, nil
}

// FindByID is FindDefinition including the code fields.
func (d discountQueries) FindByID(ctx context.Context, id string) (*discount.Code, error) {
	rows, err := d.q.Query(ctx, findDefinitionSQL, id)
	if err != nil {
		return nil, fmt.Errorf("finding discount %q: %w", id, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("finding discount %q: %w", id, err)
	}
	return &c, nil
}

// FindCode returns the discount carrying code.
// Returns discount.ErrCodeNotFound when no discount has it.
func (d discountQueries) FindCode(ctx context.Context, code string) (*discount.Code, error) {
	return d.findCode(ctx, findCodeSQL, code)
}

func (d discountQueries) findCode(ctx context.Context, sql, code string) (*discount.Code, error) {
	rows, err := d.q.Query(ctx, sql, code)
	if err != nil {
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrCodeNotFound
		}
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}
	return &c, nil
}

// SaveRemaining stores the unallocated part of the discount's last amount.
func (d discountQueries) SaveRemaining(ctx context.Context, id string, remaining decimal.Decimal) error {
	tag, err := d.q.Exec(ctx, saveRemainingSQL, id, remaining)
	if err != nil {
		return fmt.Errorf("saving remaining of discount %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}

func scanCode(row pgx.CollectableRow) (discount.Code, error) {
	var (
		c           discount.Code
		typeCode    int32
		config      []byte
		code        *string
		allowedUses *int32
		used        int32
	)
	if err := row.Scan(
		&c.ID, &c.Name, &typeCode, &c.Value, &config, &c.Remaining,
		&code, &c.IsActive, &c.ValidFrom, &c.ValidUntil, &allowedUses, &used,
	); err != nil {
		return c, err
	}

	kind, err := discount.KindOf(discount.TypeCode(typeCode))
	if err != nil {
		return c, fmt.Errorf("discount %q: %w", c.ID, err)
	}
	cfg, err := discount.ParseConfig(config)
	if err != nil {
		return c, fmt.Errorf("discount %q: %w", c.ID, err)
	}

	c.Kind = kind
	c.Config = cfg
	c.Used = int(used)
	if code != nil {
		c.Code = *code
	}
	if allowedUses != nil {
		n := int(*allowedUses)
		c.AllowedUses = &n
	}
	return c, nil
}

func scanRedemption(row pgx.CollectableRow) (discount.Redemption, error) {
	var (
		r         discount.Redemption
		createdAt time.Time
	)
	err := row.Scan(&r.ID, &r.DiscountID, &r.Code, &r.OrderID, &r.Amount, &r.Remaining, &createdAt)
	r.CreatedAt = createdAt.UTC()
	return r, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n *int) *int32 {
	if n == nil {
		return nil
	}
	v := int32(*n)
	return &v
}
