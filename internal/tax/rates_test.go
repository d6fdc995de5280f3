package tax

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name           string
		amount         string
		country        string
		expectedTax    string
		expectedRate   string
		expectedName   string
		expectedTotal  string
		expectedRegion string
	}{
		{name: "GB VAT", amount: "100", country: "GB", expectedTax: "20", expectedRate: "20", expectedName: "VAT", expectedTotal: "120", expectedRegion: "GB"},
		{name: "Lowercase code", amount: "10", country: "de", expectedTax: "1.9", expectedRate: "19", expectedName: "VAT", expectedTotal: "11.9", expectedRegion: "DE"},
		{name: "Fractional rate", amount: "10", country: "NG", expectedTax: "0.75", expectedRate: "7.5", expectedName: "VAT", expectedTotal: "10.75", expectedRegion: "NG"},
		{name: "Rounded down to six places", amount: "0.0000019", country: "JP", expectedTax: "0", expectedRate: "10", expectedName: "Consumption Tax", expectedTotal: "0.0000019", expectedRegion: "JP"},
		{name: "Rounded down fraction", amount: "1.234567", country: "SG", expectedTax: "0.098765", expectedRate: "8", expectedName: "GST", expectedTotal: "1.333332", expectedRegion: "SG"},
		{name: "US untaxed", amount: "50", country: "US", expectedTax: "0", expectedRate: "0", expectedName: "No Tax", expectedTotal: "50", expectedRegion: "US"},
		{name: "Unknown country", amount: "50", country: "XX", expectedTax: "0", expectedRate: "0", expectedName: "No Tax", expectedTotal: "50", expectedRegion: "XX"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := Calculate(decimal.RequireFromString(tt.amount), tt.country)

			assert.True(t, decimal.RequireFromString(tt.expectedTax).Equal(calc.Amount), "tax %s", calc.Amount)
			assert.True(t, decimal.RequireFromString(tt.expectedRate).Equal(calc.Rate), "rate %s", calc.Rate)
			assert.True(t, decimal.RequireFromString(tt.expectedTotal).Equal(calc.Total), "total %s", calc.Total)
			assert.Equal(t, tt.expectedName, calc.Name)
			assert.Equal(t, tt.expectedRegion, calc.Country)
		})
	}
}

func TestValidCountry(t *testing.T) {
	assert.True(t, ValidCountry("gb"))
	assert.True(t, ValidCountry(" ZZ "))
	assert.False(t, ValidCountry("GBR"))
	assert.False(t, ValidCountry("G1"))
	assert.False(t, ValidCountry(""))
}

func TestAll_Sorted(t *testing.T) {
	all := All()

	assert.Len(t, all, len(rates))
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Country, all[i].Country)
	}
}

func TestLookup(t *testing.T) {
	i, ok := Lookup("ca")
	assert.True(t, ok)
	assert.Equal(t, "GST/HST", i.Name)

	_, ok = Lookup("QQ")
	assert.False(t, ok)
}
