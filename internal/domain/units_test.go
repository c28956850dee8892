package domain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleDown(t *testing.T) {
	assert.Equal(t, 5.0, ScaleDown(big.NewInt(5_000_000), TokenDecimals))
	assert.Equal(t, 0.000001, ScaleDown(big.NewInt(1), TokenDecimals))

	rate := new(big.Int).Mul(big.NewInt(1450), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	assert.Equal(t, 1450.0, ScaleDown(rate, RateDecimals))
	assert.Equal(t, 0.0, ScaleDown(nil, RateDecimals))
}

func TestScaleUpTruncates(t *testing.T) {
	got, err := ScaleUp(1500.25, RateDecimals)
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("1500250000000000000000", 10)
	assert.Equal(t, 0, want.Cmp(got))

	got, err = ScaleUp(1.0000009, TokenDecimals)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), got.Int64())
}

func TestParseUnits(t *testing.T) {
	v, err := ParseUnits("12.5", TokenDecimals)
	require.NoError(t, err)
	assert.Equal(t, int64(12_500_000), v.Int64())

	_, err = ParseUnits("0.0000001", TokenDecimals)
	assert.Error(t, err)

	_, err = ParseUnits("abc", TokenDecimals)
	assert.Error(t, err)

	assert.Equal(t, "12.500000", FormatUnits(v, TokenDecimals))
}

func TestStatusLabels(t *testing.T) {
	assert.Equal(t, "Pending", StatusPending.String())
	assert.Equal(t, "Paid", StatusPaid.String())
	assert.Equal(t, UnknownStatusLabel, Status(7).String())
	assert.False(t, Status(4).Known())

	s, ok := ParseStatus("Rejected")
	assert.True(t, ok)
	assert.Equal(t, StatusRejected, s)
}

func TestPositionOrdering(t *testing.T) {
	a := Position{Block: 10, LogIndex: 5}
	b := Position{Block: 10, LogIndex: 6}
	c := Position{Block: 11, LogIndex: 0}
	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.False(t, c.Before(a))
}

func TestEmptySentinel(t *testing.T) {
	assert.True(t, PaymentRecord{}.IsEmpty())
	assert.True(t, PaymentRecord{ID: 3}.IsEmpty())
	assert.False(t, PaymentRecord{ID: 3, Payer: common.HexToAddress("0x01")}.IsEmpty())
}
