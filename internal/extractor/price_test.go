package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		host     string
		amount   float64
		currency string
	}{
		{"german format", "1.299,99 €", "www.example.de", 1299.99, "EUR"},
		{"us format", "$1,299.99", "www.example.com", 1299.99, "USD"},
		{"iso prefix", "EUR 12", "shop.example", 12, "EUR"},
		{"dash cents", "12,-", "www.otto.de", 12, "EUR"},
		{"pound", "£49.50", "www.example.co.uk", 49.5, "GBP"},
		{"canadian dollar", "C$ 19.99", "shop.example.ca", 19.99, "CAD"},
		{"split euro display", "12€99", "www.cdiscount.com", 12.99, "EUR"},
		{"us thousands", "1,299", "www.example.com", 1299, "USD"},
		{"german thousands", "1.299", "www.example.de", 1299, "EUR"},
		{"yuan on jd", "¥2,999", "item.jd.com", 2999, "CNY"},
		{"no-break space grouping", "1 299,99", "www.example.fr", 1299.99, "EUR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParsePrice(tt.text, tt.host)
			require.NotNil(t, p)
			assert.InDelta(t, tt.amount, p.Amount, 0.001)
			assert.Equal(t, tt.currency, p.Currency)
		})
	}
}

func TestParsePrice_NoNumber(t *testing.T) {
	assert.Nil(t, ParsePrice("free", "www.example.com"))
	assert.Nil(t, ParsePrice("", "www.example.com"))
}

func TestCurrencyForHost(t *testing.T) {
	tests := map[string]string{
		"www.amazon.co.uk": "GBP",
		"www.amazon.de":    "EUR",
		"www.bol.com":      "EUR",
		"www.amazon.co.jp": "JPY",
		"shop.example":     "USD",
		"www.example.com":  "USD",
	}
	for host, want := range tests {
		assert.Equal(t, want, CurrencyForHost(host), host)
	}
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		text string
		want float64
		ok   bool
	}{
		{"4,5 von 5 Sternen", 4.5, true},
		{"4.3 out of 5 stars", 4.3, true},
		{"Rated 4.50 out of 5", 4.5, true},
		{"9/10", 4.5, true},
		{"90%", 4.5, true},
		{"4", 4, true},
		{"8", 4, true},
		{"", 0, false},
		{"no reviews", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := ParseRating(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestNormalizeRating_OutOfRange(t *testing.T) {
	_, ok := NormalizeRating(6, 5)
	assert.False(t, ok)

	_, ok = NormalizeRating(3, 0)
	assert.False(t, ok)
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		text string
		want int
		ok   bool
	}{
		{"1.234 Bewertungen", 1234, true},
		{"(56)", 56, true},
		{"2,345 ratings", 2345, true},
		{"none", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseCount(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.want, got, tt.text)
	}
}

func TestNormalizeAvailability(t *testing.T) {
	tests := map[string]string{
		"https://schema.org/InStock":   "InStock",
		"http://schema.org/OutOfStock": "OutOfStock",
		"In Stock.":                    "InStock",
		"Currently unavailable.":       "OutOfStock",
		"Nur noch 3 auf Lager":         "LimitedAvailability",
		"Auf Lager":                    "InStock",
		"Épuisé":                       "OutOfStock",
		"Ships in 3 weeks":             "Ships in 3 weeks",
		"":                             "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeAvailability(in), in)
	}
}
