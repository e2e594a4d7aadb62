package extractor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/product-scraper/internal/models"
)

var numberPattern = regexp.MustCompile(`\d{1,3}(?:[ \x{00A0}\x{202F}.,'’]\d{3})+(?:[.,]\d+)?|\d+(?:[.,]\d+)?`)

// ParseNumber reads the first number in s. Grouping and decimal
// separators are told apart by position; a lone separator followed by
// exactly three digits is a thousands separator unless commaDecimal says
// the locale writes "1.299" for one thousand two hundred ninety-nine.
func ParseNumber(s string, commaDecimal bool) (float64, bool) {
	m := numberPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	for _, sep := range []string{" ", "\u00a0", "\u202f", "'", "’"} {
		m = strings.ReplaceAll(m, sep, "")
	}

	lastDot := strings.LastIndex(m, ".")
	lastComma := strings.LastIndex(m, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			m = strings.ReplaceAll(m, ".", "")
			m = strings.Replace(m, ",", ".", 1)
		} else {
			m = strings.ReplaceAll(m, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(m, ",") > 1 || (len(m)-lastComma-1 == 3 && !commaDecimal) {
			m = strings.ReplaceAll(m, ",", "")
		} else {
			m = strings.Replace(m, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(m, ".") > 1 || (len(m)-lastDot-1 == 3 && commaDecimal) {
			m = strings.ReplaceAll(m, ".", "")
		}
	}

	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var (
	suffixEuro = regexp.MustCompile(`\d\s*€`)
	// splitEuro matches the "12€99" display used by French shops.
	splitEuro = regexp.MustCompile(`(\d)\s*€\s*(\d{2})\b`)
)

// ParsePrice reads an amount and currency from text such as "1.299,99 €",
// "$1,299.99", "EUR 12" or "12,-". The currency falls back to the host's.
func ParsePrice(text, host string) *models.Price {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	text = splitEuro.ReplaceAllString(text, "$1,$2 €")
	commaDecimal := hostUsesDecimalComma(host) || suffixEuro.MatchString(text)
	amount, ok := ParseNumber(text, commaDecimal)
	if !ok || amount < 0 {
		return nil
	}
	currency := CurrencyFromText(text, host)
	if currency == "" {
		currency = CurrencyForHost(host)
	}
	return &models.Price{Amount: amount, Currency: currency}
}

var isoCurrencyPattern = regexp.MustCompile(`\b(USD|EUR|GBP|JPY|CNY|RMB|INR|CAD|AUD|NZD|CHF|SEK|NOK|DKK|PLN|CZK|HUF|BRL|MXN|TRY|RUB|KRW|ILS|ZAR|SGD|HKD)\b`)

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"US$", "USD"},
	{"CA$", "CAD"},
	{"C$", "CAD"},
	{"A$", "AUD"},
	{"AU$", "AUD"},
	{"NZ$", "NZD"},
	{"R$", "BRL"},
	{"HK$", "HKD"},
	{"S$", "SGD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"￥", "CNY"},
	{"₹", "INR"},
	{"₽", "RUB"},
	{"₩", "KRW"},
	{"₪", "ILS"},
	{"₺", "TRY"},
	{"₴", "UAH"},
	{"₱", "PHP"},
	{"₫", "VND"},
	{"zł", "PLN"},
	{"Kč", "CZK"},
	{"$", "USD"},
}

// CurrencyFromText finds an ISO code or symbol in s. Ambiguous symbols
// ("$", "¥") defer to the host's currency when it uses the same symbol.
func CurrencyFromText(s, host string) string {
	if m := isoCurrencyPattern.FindString(strings.ToUpper(s)); m != "" {
		if m == "RMB" {
			return "CNY"
		}
		return m
	}
	for _, c := range currencySymbols {
		if !strings.Contains(s, c.symbol) {
			continue
		}
		hostCode := CurrencyForHost(host)
		switch c.symbol {
		case "$":
			switch hostCode {
			case "CAD", "AUD", "NZD", "MXN", "SGD", "HKD":
				return hostCode
			}
		case "¥":
			if hostCode == "CNY" {
				return hostCode
			}
		}
		return c.code
	}
	return ""
}

var hostCurrencies = []struct {
	suffix string
	code   string
}{
	{"jd.com", "CNY"},
	{"jd.hk", "HKD"},
	{"bol.com", "EUR"},
	{"cdiscount.com", "EUR"},
	{".co.uk", "GBP"},
	{".uk", "GBP"},
	{".com.au", "AUD"},
	{".com.br", "BRL"},
	{".com.mx", "MXN"},
	{".co.jp", "JPY"},
	{".jp", "JPY"},
	{".cn", "CNY"},
	{".in", "INR"},
	{".ca", "CAD"},
	{".ch", "CHF"},
	{".se", "SEK"},
	{".dk", "DKK"},
	{".no", "NOK"},
	{".pl", "PLN"},
	{".cz", "CZK"},
	{".tr", "TRY"},
	{".de", "EUR"},
	{".fr", "EUR"},
	{".it", "EUR"},
	{".es", "EUR"},
	{".nl", "EUR"},
	{".be", "EUR"},
	{".at", "EUR"},
	{".ie", "EUR"},
	{".pt", "EUR"},
	{".fi", "EUR"},
	{".gr", "EUR"},
	{".lu", "EUR"},
	{".sk", "EUR"},
	{".si", "EUR"},
	{".eu", "EUR"},
}

// CurrencyForHost guesses the currency from the domain, USD when nothing
// matches.
func CurrencyForHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, hc := range hostCurrencies {
		if strings.HasSuffix(host, hc.suffix) {
			return hc.code
		}
	}
	return "USD"
}

var decimalCommaSuffixes = []string{
	".de", ".fr", ".it", ".es", ".nl", ".be", ".at", ".pt", ".fi", ".gr",
	".se", ".dk", ".no", ".pl", ".cz", ".tr", ".br", ".ru",
	"bol.com", "cdiscount.com",
}

func hostUsesDecimalComma(host string) bool {
	host = strings.ToLower(host)
	for _, s := range decimalCommaSuffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}
