package extractor

import (
	"strconv"
	"strings"

	"github.com/maltedev/product-scraper/internal/models"
)

// ldString reads a JSON-LD value that may be a string, a number, a
// {"name": ...} object or a list of those.
func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return cleanText(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		for _, k := range []string{"name", "@value", "url", "@id"} {
			if s := ldString(t[k]); s != "" {
				return s
			}
		}
	case []any:
		for _, x := range t {
			if s := ldString(x); s != "" {
				return s
			}
		}
	}
	return ""
}

func ldNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		return ParseNumber(t, false)
	case []any:
		if len(t) > 0 {
			return ldNumber(t[0])
		}
	}
	return 0, false
}

// ldOffers returns the offer objects of a product node, including the
// ones nested in an AggregateOffer.
func ldOffers(product map[string]any) []map[string]any {
	var out []map[string]any
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			out = append(out, t)
			if inner, ok := t["offers"]; ok {
				walk(inner)
			}
		case []any:
			for _, x := range t {
				walk(x)
			}
		}
	}
	walk(product["offers"])
	if variants, ok := product["hasVariant"].([]any); ok {
		for _, v := range variants {
			if m, ok := v.(map[string]any); ok {
				walk(m["offers"])
			}
		}
	}
	return out
}

func ldPrice(product map[string]any, host string) *models.Price {
	for _, offer := range ldOffers(product) {
		currency := ldString(offer["priceCurrency"])
		amount, ok := ldNumber(offer["price"])
		if !ok {
			amount, ok = ldNumber(offer["lowPrice"])
		}
		if !ok {
			if spec, isMap := offer["priceSpecification"].(map[string]any); isMap {
				amount, ok = ldNumber(spec["price"])
				if currency == "" {
					currency = ldString(spec["priceCurrency"])
				}
			}
		}
		if !ok || amount < 0 {
			continue
		}
		if currency == "" {
			currency = CurrencyForHost(host)
		}
		return &models.Price{Amount: amount, Currency: strings.ToUpper(currency)}
	}
	return nil
}

func ldImages(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		out = append(out, t)
	case map[string]any:
		for _, k := range []string{"contentUrl", "url", "@id"} {
			if s, ok := t[k].(string); ok && s != "" {
				out = append(out, s)
				break
			}
		}
	case []any:
		for _, x := range t {
			out = append(out, ldImages(x)...)
		}
	}
	return out
}

// ldRating returns the aggregate rating on a 0-5 scale and the review count.
func ldRating(product map[string]any) (*float64, *int) {
	agg, ok := product["aggregateRating"].(map[string]any)
	if !ok {
		return nil, nil
	}
	var rating *float64
	if v, ok := ldNumber(agg["ratingValue"]); ok {
		best := 5.0
		if b, ok := ldNumber(agg["bestRating"]); ok && b > 0 {
			best = b
		}
		if r, ok := NormalizeRating(v, best); ok {
			rating = &r
		}
	}
	var count *int
	for _, k := range []string{"reviewCount", "ratingCount"} {
		if n, ok := ldNumber(agg[k]); ok && n >= 0 {
			c := int(n)
			count = &c
			break
		}
	}
	return rating, count
}

func ldAvailability(product map[string]any) string {
	for _, offer := range ldOffers(product) {
		if s := ldString(offer["availability"]); s != "" {
			return NormalizeAvailability(s)
		}
	}
	return ""
}

func ldSeller(product map[string]any) string {
	for _, offer := range ldOffers(product) {
		if s := ldString(offer["seller"]); s != "" {
			return s
		}
	}
	return ""
}

func ldSpecifications(product map[string]any) map[string]string {
	out := make(map[string]string)
	props, _ := product["additionalProperty"].([]any)
	for _, p := range props {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		k, v := ldString(m["name"]), ldString(m["value"])
		if k != "" && v != "" {
			out[k] = v
		}
	}
	for _, k := range []string{"color", "material", "size", "weight", "gtin13", "mpn"} {
		if v := ldString(product[k]); v != "" {
			if _, dup := out[k]; !dup {
				out[k] = v
			}
		}
	}
	return out
}
