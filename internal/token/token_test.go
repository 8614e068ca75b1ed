package token

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals int
		want     int64
		ok       bool
	}{
		{"whole amount", "5", 6, 5_000_000, true},
		{"fractional", "1.25", 6, 1_250_000, true},
		{"full precision", "0.000001", 6, 1, true},
		{"excess precision truncated", "1.0000019", 6, 1_000_001, true},
		{"empty is zero", "", 6, 0, true},
		{"native decimals", "2", 18, 0, true}, // checked separately below
		{"negative rejected", "-1", 6, 0, false},
		{"two points rejected", "1.2.3", 6, 0, false},
		{"garbage rejected", "abc", 6, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input, tt.decimals)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok || tt.decimals != 6 {
				return
			}
			assert.Equal(t, tt.want, got.Int64())
		})
	}

	native, ok := Parse("2", NativeDecimals)
	require.True(t, ok)
	want, _ := new(big.Int).SetString("2000000000000000000", 10)
	assert.Equal(t, 0, native.Cmp(want))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "5.000000", Format(big.NewInt(5_000_000), StableDecimals))
	assert.Equal(t, "1.250000", Format(big.NewInt(1_250_000), StableDecimals))
	assert.Equal(t, "0.000001", Format(big.NewInt(1), StableDecimals))
	assert.Equal(t, "0.000000", Format(big.NewInt(0), StableDecimals))
	assert.Equal(t, "-1.500000", Format(big.NewInt(-1_500_000), StableDecimals))
	assert.Equal(t, "0.000000", Format(nil, StableDecimals))
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000000", "1.500000", "123456.789012"} {
		raw, ok := Parse(s, StableDecimals)
		require.True(t, ok)
		assert.Equal(t, s, Format(raw, StableDecimals))
	}
}

func TestToFloat(t *testing.T) {
	assert.Equal(t, 1.25, ToFloat(big.NewInt(1_250_000), StableDecimals))
	assert.Equal(t, 5.0, ToFloat(big.NewInt(5_000_000), StableDecimals))
	assert.Equal(t, 0.0, ToFloat(nil, StableDecimals))
}
