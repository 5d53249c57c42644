package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shop-discount/internal/domain/discount"
)

type fakeDiscounts struct {
	products    []string
	alloc       *discount.Allocation
	validateErr error
	redemption  *discount.Redemption
	err         error

	gotCandidates []string
	gotRequest    discount.RedeemRequest
}

func (f *fakeDiscounts) EligibleProducts(_ context.Context, _ string, _, candidates []string) ([]string, error) {
	f.gotCandidates = candidates
	return f.products, f.err
}

func (f *fakeDiscounts) Apply(context.Context, string, []string) (*discount.Allocation, error) {
	return f.alloc, f.err
}

func (f *fakeDiscounts) Validate(context.Context, string) error {
	return f.validateErr
}

func (f *fakeDiscounts) Redeem(_ context.Context, req discount.RedeemRequest) (*discount.Redemption, error) {
	f.gotRequest = req
	return f.redemption, f.err
}

func TestCommand_Run(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		svc  *fakeDiscounts
		want string
	}{
		{
			name: "eligible",
			cfg:  Config{Command: CommandEligible, DiscountID: "d1"},
			svc:  &fakeDiscounts{products: []string{"p1", "p2"}},
			want: `{"discount_id": "d1", "products": ["p1", "p2"]}`,
		},
		{
			name: "apply",
			cfg:  Config{Command: CommandApply, DiscountID: "d1"},
			svc: &fakeDiscounts{alloc: &discount.Allocation{
				Items: map[string]decimal.Decimal{
					"i2": decimal.RequireFromString("70"),
					"i1": decimal.RequireFromString("30"),
				},
				Remaining: decimal.RequireFromString("50"),
			}},
			want: `{"discount_id": "d1", "items": {"i1": "30", "i2": "70"}, "total": "100", "remaining": "50"}`,
		},
		{
			name: "valid code",
			cfg:  Config{Command: CommandValidate, Code: "SPRING"},
			svc:  &fakeDiscounts{},
			want: `{"code": "SPRING", "valid": true}`,
		},
		{
			name: "invalid code",
			cfg:  Config{Command: CommandValidate, Code: "SPRING"},
			svc: &fakeDiscounts{validateErr: &discount.ValidationError{
				Reasons: []error{discount.ErrCodeInactive, discount.ErrCodeExpired},
			}},
			want: `{"code": "SPRING", "valid": false, "reasons": ["discount is inactive", "discount is expired"]}`,
		},
		{
			name: "redeem",
			cfg:  Config{Command: CommandRedeem, Code: "SPRING", OrderID: "o1"},
			svc: &fakeDiscounts{redemption: &discount.Redemption{
				ID:         "r1",
				DiscountID: "d1",
				Code:       "SPRING",
				OrderID:    "o1",
				Amount:     decimal.RequireFromString("12.5"),
				Remaining:  decimal.Zero,
				CreatedAt:  time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
			}},
			want: `{"id": "r1", "discount_id": "d1", "code": "SPRING", "order_id": "o1",
				"amount": "12.5", "remaining": "0", "created_at": "2024-06-15T12:00:00Z"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := &command{svc: tt.svc, cfg: &tt.cfg, items: []string{"i1", "i2"}}
			require.NoError(t, cmd.run(context.Background(), &out))
			assert.JSONEq(t, tt.want, out.String())
		})
	}
}

func TestCommand_Run_Errors(t *testing.T) {
	storageErr := errors.New("connection refused")

	t.Run("validate propagates non-validation errors", func(t *testing.T) {
		cmd := &command{svc: &fakeDiscounts{validateErr: storageErr}, cfg: &Config{Command: CommandValidate, Code: "X"}}
		require.ErrorIs(t, cmd.run(context.Background(), &bytes.Buffer{}), storageErr)
	})

	t.Run("redeem", func(t *testing.T) {
		svc := &fakeDiscounts{err: discount.ErrCodeNotFound}
		cmd := &command{svc: svc, cfg: &Config{Command: CommandRedeem, Code: "X", OrderID: "o1"}, items: []string{"i1"}}
		require.ErrorIs(t, cmd.run(context.Background(), &bytes.Buffer{}), discount.ErrCodeNotFound)
		assert.Equal(t, discount.RedeemRequest{Code: "X", OrderID: "o1", ItemIDs: []string{"i1"}}, svc.gotRequest)
	})

	t.Run("unknown command", func(t *testing.T) {
		cmd := &command{svc: &fakeDiscounts{}, cfg: &Config{Command: "delete"}}
		require.Error(t, cmd.run(context.Background(), &bytes.Buffer{}))
	})
}

func TestCommand_Run_Candidates(t *testing.T) {
	svc := &fakeDiscounts{}
	cmd := &command{svc: svc, cfg: &Config{Command: CommandEligible, DiscountID: "d1"}}
	require.NoError(t, cmd.run(context.Background(), &bytes.Buffer{}))
	assert.Nil(t, svc.gotCandidates)

	cmd.cfg.Candidates = []string{"p1"}
	require.NoError(t, cmd.run(context.Background(), &bytes.Buffer{}))
	assert.Equal(t, []string{"p1"}, svc.gotCandidates)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "validate", cfg: Config{DatabaseURL: "postgres://", Command: CommandValidate, Code: "X"}},
		{name: "apply by order", cfg: Config{DatabaseURL: "postgres://", Command: CommandApply, DiscountID: "d1", OrderID: "o1"}},
		{name: "redeem", cfg: Config{DatabaseURL: "postgres://", Command: CommandRedeem, Code: "X", OrderID: "o1"}},
		{name: "no database", cfg: Config{Command: CommandValidate, Code: "X"}, wantErr: true},
		{name: "apply without discount", cfg: Config{DatabaseURL: "postgres://", Command: CommandApply, OrderID: "o1"}, wantErr: true},
		{name: "apply without items", cfg: Config{DatabaseURL: "postgres://", Command: CommandApply, DiscountID: "d1"}, wantErr: true},
		{name: "redeem without order", cfg: Config{DatabaseURL: "postgres://", Command: CommandRedeem, Code: "X"}, wantErr: true},
		{name: "unknown command", cfg: Config{DatabaseURL: "postgres://", Command: "purge"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
