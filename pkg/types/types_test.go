package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressFromBase58(t *testing.T) {
	addr, err := AddressFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	require.NoError(t, err)
	assert.Equal(t, "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA", addr.String())
	assert.False(t, addr.IsZero())

	_, err = AddressFromBase58("0OIl") // invalid alphabet
	assert.Error(t, err)

	_, err = AddressFromBase58("abc") // wrong length
	assert.Error(t, err)
}

func TestAmountScaling(t *testing.T) {
	amount, err := AmountFromDecimal("10000000")
	require.NoError(t, err)
	assert.Equal(t, "10000000000000", amount.ScaleUp(6).String())
	assert.Equal(t, "10000000", amount.ScaleUp(6).ScaleDown(6).String())

	_, err = AmountFromDecimal("not a number")
	assert.Error(t, err)
}

func TestFactJSONCarriesOnlyItsVariantFields(t *testing.T) {
	mint := MustAddress("YUmq1faxr1MUgyqqP5Dm5TERkarukLHFNwmxhUF6Puv")
	source := MustAddress("9JhthMtD9Jo8atWRA3PkRSUz3L79sZVKa7vvSdAvsvcL")
	fact := TransactionFact{
		Kind:     FactTokenBurn,
		Mint:     mint,
		Amount:   NewAmount(42),
		Decimals: 6,
		Source:   source,
		// Program belongs to another variant and must not leak into the snapshot
		Program: source,
	}
	raw, err := json.Marshal(fact)
	require.NoError(t, err)

	var asMap map[string]any
	require.NoError(t, json.Unmarshal(raw, &asMap))
	assert.Equal(t, "token_burn", asMap["kind"])
	assert.Equal(t, "42", asMap["amount"])
	assert.NotContains(t, asMap, "program")

	var back TransactionFact
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, FactTokenBurn, back.Kind)
	assert.Equal(t, mint, back.Mint)
	assert.Equal(t, source, back.Source)
	assert.Equal(t, int8(6), back.Decimals)
	assert.Equal(t, "42", back.Amount.String())
}
