package money

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "103.20", want: "103.2"},
		{name: "integer", input: "3420", want: "3420"},
		{name: "zero", input: "0", want: "0"},
		{name: "surrounding spaces", input: " 1.5 ", want: "1.5"},
		{name: "negative", input: "-0.01", wantErr: true},
		{name: "not a number", input: "abc", wantErr: true},
		{name: "NaN", input: "NaN", wantErr: true},
		{name: "infinity", input: "Inf", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input, USD)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got.Amount),
				"expected %s, got %s", tt.want, got.Amount)
			assert.Equal(t, USD, got.Currency)
		})
	}
}

func TestNew_Range(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "largest", input: "9999999999999999.9999"},
		{name: "many decimals", input: "0.000000000000000001"},
		{name: "zero with exponent", input: "0e5"},
		{name: "1e16", input: "1e16", wantErr: "must be less than 1e16"},
		{name: "17 digits", input: "12345678901234567", wantErr: "must be less than 1e16"},
		{name: "huge exponent", input: "1e3000000", wantErr: "must be less than 1e16"},
		{name: "tiny exponent", input: "1e-3000000", wantErr: "decimal places"},
		{name: "negative huge", input: "-1e20", wantErr: "must be less than 1e16"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(decimal.RequireFromString(tt.input), USD)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidAmount)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	err := Money{Amount: decimal.RequireFromString("1e17"), Currency: USD}.Validate("balance")
	var amountErr *AmountError
	require.ErrorAs(t, err, &amountErr)
	assert.Equal(t, "balance", amountErr.Field)
}

func TestAmountError(t *testing.T) {
	err := error(&AmountError{Field: "subtotal", Reason: "must not be negative"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, "invalid amount for subtotal: must not be negative", err.Error())

	var amountErr *AmountError
	require.True(t, errors.As(errors.Wrap(err, "calculate"), &amountErr))
	assert.Equal(t, "subtotal", amountErr.Field)
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" usd ")
	require.NoError(t, err)
	assert.Equal(t, USD, c)

	c, err = ParseCurrency("blkd")
	require.NoError(t, err)
	assert.Equal(t, BLKD, c)

	for _, bad := range []string{"", "US", "DOLLAR", "U5D"} {
		_, err := ParseCurrency(bad)
		assert.ErrorIs(t, err, ErrInvalidCurrency, bad)
	}
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int32(2), USD.MinorUnits())
	assert.Equal(t, int32(2), BLKD.MinorUnits())
	assert.Equal(t, int32(0), Currency("JPY").MinorUnits())
	assert.Equal(t, int32(3), Currency("KWD").MinorUnits())
	assert.Equal(t, int32(2), Currency("XYZ").MinorUnits())
}

func TestRound(t *testing.T) {
	tests := []struct {
		amount   string
		currency Currency
		want     string
	}{
		{amount: "10.005", currency: USD, want: "10.01"},
		{amount: "10.004", currency: USD, want: "10.00"},
		{amount: "2.5", currency: "JPY", want: "3"},
		{amount: "1.0005", currency: "KWD", want: "1.001"},
	}

	for _, tt := range tests {
		t.Run(tt.amount+" "+string(tt.currency), func(t *testing.T) {
			got := MustParse(tt.amount, tt.currency).Round()
			assert.Equal(t, tt.want, got.StringFixed())
		})
	}
}

func TestValidate(t *testing.T) {
	bad := Money{Amount: decimal.NewFromInt(-1), Currency: USD}
	require.ErrorIs(t, bad.Validate("total"), ErrInvalidAmount)

	noCurrency := Money{Amount: decimal.NewFromInt(1)}
	require.ErrorIs(t, noCurrency.Validate("total"), ErrInvalidCurrency)

	require.NoError(t, MustParse("1", USD).Validate("total"))
}

func TestArithmetic(t *testing.T) {
	a := MustParse("100.00", USD)
	b := MustParse("3.20", USD)

	assert.True(t, a.Add(b).Equal(MustParse("103.2", USD)))
	assert.True(t, a.Sub(b).Equal(MustParse("96.8", USD)))
	assert.True(t, b.LessThan(a))
	assert.True(t, Zero(USD).IsZero())
	assert.False(t, a.Equal(MustParse("100", EUR)))
}
