// Package tax resolves sales tax by customer country.
package tax

import (
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places tax amounts are rounded down to.
const Precision = 6

const DefaultCountry = "US"

type Info struct {
	Rate decimal.Decimal
	Name string
}

type Calculation struct {
	Country  string          `json:"country"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Amount   decimal.Decimal `json:"taxAmount"`
	Rate     decimal.Decimal `json:"taxRate"`
	Name     string          `json:"taxName"`
	Total    decimal.Decimal `json:"total"`
}

type Rate struct {
	Country string          `json:"country"`
	Rate    decimal.Decimal `json:"rate"`
	Name    string          `json:"name"`
}

var noTax = Info{Rate: decimal.Zero, Name: "No Tax"}

func info(rate, name string) Info {
	return Info{Rate: decimal.RequireFromString(rate), Name: name}
}

// rates holds demo rates by ISO 3166-1 alpha-2 code. US sales tax varies by
// state and is not collected.
var rates = map[string]Info{
	"US": noTax,
	"CA": info("13", "GST/HST"),
	"MX": info("16", "IVA"),

	"GB": info("20", "VAT"),
	"DE": info("19", "VAT"),
	"FR": info("20", "VAT"),
	"IT": info("22", "VAT"),
	"ES": info("21", "VAT"),
	"NL": info("21", "VAT"),
	"SE": info("25", "VAT"),
	"PL": info("23", "VAT"),
	"IE": info("23", "VAT"),
	"AT": info("20", "VAT"),
	"BE": info("21", "VAT"),
	"DK": info("25", "VAT"),
	"FI": info("24", "VAT"),
	"PT": info("23", "VAT"),
	"CZ": info("21", "VAT"),
	"RO": info("19", "VAT"),
	"GR": info("24", "VAT"),

	"IN": info("18", "GST"),
	"CN": info("13", "VAT"),
	"JP": info("10", "Consumption Tax"),
	"KR": info("10", "VAT"),
	"AU": info("10", "GST"),
	"NZ": info("15", "GST"),
	"SG": info("8", "GST"),
	"MY": info("6", "SST"),
	"TH": info("7", "VAT"),
	"ID": info("11", "VAT"),
	"PH": info("12", "VAT"),
	"VN": info("10", "VAT"),

	"AE": info("5", "VAT"),
	"SA": info("15", "VAT"),
	"IL": info("17", "VAT"),
	"ZA": info("15", "VAT"),
	"NG": info("7.5", "VAT"),
	"KE": info("16", "VAT"),

	"BR": info("17", "ICMS"),
	"AR": info("21", "IVA"),
	"CL": info("19", "IVA"),
	"CO": info("19", "IVA"),
	"PE": info("18", "IGV"),
}

func NormalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

// ValidCountry reports whether country looks like an alpha-2 code. It does
// not require the country to have a rate.
func ValidCountry(country string) bool {
	country = NormalizeCountry(country)
	if len(country) != 2 {
		return false
	}
	for _, r := range country {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Lookup returns the rate for country and whether one is known.
func Lookup(country string) (Info, bool) {
	i, ok := rates[NormalizeCountry(country)]
	return i, ok
}

// Calculate applies country's rate to amount. Unknown countries are untaxed.
func Calculate(amount decimal.Decimal, country string) Calculation {
	country = NormalizeCountry(country)
	i, ok := rates[country]
	if !ok {
		i = noTax
	}

	taxAmount := amount.Mul(i.Rate).Div(decimal.NewFromInt(100)).RoundFloor(Precision)
	return Calculation{
		Country:  country,
		Subtotal: amount,
		Amount:   taxAmount,
		Rate:     i.Rate,
		Name:     i.Name,
		Total:    amount.Add(taxAmount),
	}
}

// All lists every known rate ordered by country code.
func All() []Rate {
	all := lo.MapToSlice(rates, func(country string, i Info) Rate {
		return Rate{Country: country, Rate: i.Rate, Name: i.Name}
	})
	sort.Slice(all, func(a, b int) bool { return all[a].Country < all[b].Country })
	return all
}
