package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"us grouping", "1,234.56", "1234.56"},
		{"european grouping", "1.234,56", "1234.56"},
		{"european no grouping", "12,50", "12.50"},
		{"european multi grouping", "-1.234.567,89", "-1234567.89"},
		{"plain negative", "-50.00", "-50"},
		{"plain positive", "49.27", "49.27"},
		{"currency symbol", "$1,000.00", "1000"},
		{"euro symbol suffix", "12,34 €", "12.34"},
		{"us thousands without decimals", "1,234", "1234"},
		{"parentheses negative", "(12.50)", "-12.50"},
		{"trailing minus", "50.00-", "-50"},
		{"surrounding spaces", "  -134.39 ", "-134.39"},
		{"zero", "0.00", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "Parse(%q) = %s, want %s", tt.input, got, tt.want)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, input := range []string{"", "   ", "abc", "--", "1.2.3", "$"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestSplit(t *testing.T) {
	abs, credit := Split(decimal.RequireFromString("-134.39"))
	assert.True(t, abs.Equal(decimal.RequireFromString("134.39")))
	assert.False(t, credit)

	abs, credit = Split(decimal.RequireFromString("49.27"))
	assert.True(t, abs.Equal(decimal.RequireFromString("49.27")))
	assert.True(t, credit)

	// Zero is classified as a credit.
	_, credit = Split(decimal.Zero)
	assert.True(t, credit)
}
