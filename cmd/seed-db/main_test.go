package main

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shop-discount/internal/domain/discount"
)

func TestBuildDiscounts_SeedFile(t *testing.T) {
	data, err := os.ReadFile("../../db/seed/catalog.json")
	require.NoError(t, err)

	var seed seedJSON
	require.NoError(t, json.Unmarshal(data, &seed))
	assert.Len(t, seed.Categories, 3)
	assert.Len(t, seed.OrderItems, 4)

	codes, err := buildDiscounts(seed.Discounts, discount.NewRegistry())
	require.NoError(t, err)
	require.Len(t, codes, 3)

	assert.Equal(t, discount.AmountExclTax{}, codes[0].Kind)
	assert.Equal(t, "TENOFF", codes[0].Code)
	require.NotNil(t, codes[0].AllowedUses)
	assert.Equal(t, 100, *codes[0].AllowedUses)
	assert.True(t, codes[0].IsActive)

	assert.Equal(t, []string{discount.RuleExcludeSale, discount.RuleOnlyCategories}, codes[1].Config.Rules())
	require.NotNil(t, codes[1].ValidUntil)
	assert.Equal(t, 2030, codes[1].ValidUntil.Year())

	assert.Equal(t, discount.AmountInclTax{}, codes[2].Kind)
	assert.Empty(t, codes[2].Code)
}

func TestBuildDiscounts_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "unknown type", raw: `[{"id": "x", "name": "X", "type": 99, "value": "1"}]`},
		{name: "unknown rule", raw: `[{"id": "x", "name": "X", "type": 10, "value": "1", "config": {"vip": {}}}]`},
		{name: "negative value", raw: `[{"id": "x", "name": "X", "type": 30, "value": "-5"}]`},
		{name: "bad date", raw: `[{"id": "x", "name": "X", "type": 30, "value": "5", "valid_from": "01/02/2024"}]`},
		{name: "code too long", raw: `[{"id": "x", "name": "X", "type": 30, "value": "5", "code": "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in []discountJSON
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &in))

			_, err := buildDiscounts(in, discount.NewRegistry())
			require.Error(t, err)
		})
	}
}
