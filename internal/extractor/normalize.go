package extractor

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

var (
	ratingOutOf   = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(?:out\s+of|von|sur|su|de|of|/)\s*(\d+(?:[.,]\d+)?)`)
	ratingPercent = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*%`)
	ratingPlain   = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

// ParseRating reads a rating and scales it to 0-5: "4,5 von 5", "9/10",
// "90%" and bare numbers are understood.
func ParseRating(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	if m := ratingOutOf.FindStringSubmatch(text); m != nil {
		v, ok1 := parseDecimal(m[1])
		best, ok2 := parseDecimal(m[2])
		if ok1 && ok2 {
			return NormalizeRating(v, best)
		}
	}
	if m := ratingPercent.FindStringSubmatch(text); m != nil {
		if v, ok := parseDecimal(m[1]); ok {
			return NormalizeRating(v, 100)
		}
	}
	if m := ratingPlain.FindString(text); m != "" {
		if v, ok := parseDecimal(m); ok {
			switch {
			case v <= 5:
				return NormalizeRating(v, 5)
			case v <= 10:
				return NormalizeRating(v, 10)
			case v <= 100:
				return NormalizeRating(v, 100)
			}
		}
	}
	return 0, false
}

// NormalizeRating maps value on a 0..best scale onto 0..5, rounded to two
// decimals.
func NormalizeRating(value, best float64) (float64, bool) {
	if best <= 0 || value < 0 || value > best {
		return 0, false
	}
	r := value / best * 5
	return math.Round(r*100) / 100, true
}

func parseDecimal(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	return v, err == nil
}

var countPattern = regexp.MustCompile(`\d{1,3}(?:[.,\x{00A0} ]\d{3})+|\d+`)

// ParseCount reads an integer such as "1.234 Bewertungen" or "(56)".
func ParseCount(text string) (int, bool) {
	m := countPattern.FindString(text)
	if m == "" {
		return 0, false
	}
	m = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, m)
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

var availabilityPhrases = []struct {
	phrase string
	value  string
}{
	{"out of stock", "OutOfStock"},
	{"not available", "OutOfStock"},
	{"unavailable", "OutOfStock"},
	{"nicht lieferbar", "OutOfStock"},
	{"outofstock", "OutOfStock"},
	{"sold out", "OutOfStock"},
	{"currently unavailable", "OutOfStock"},
	{"nicht verfügbar", "OutOfStock"},
	{"ausverkauft", "OutOfStock"},
	{"derzeit nicht", "OutOfStock"},
	{"rupture", "OutOfStock"},
	{"indisponible", "OutOfStock"},
	{"épuisé", "OutOfStock"},
	{"uitverkocht", "OutOfStock"},
	{"niet leverbaar", "OutOfStock"},
	{"preorder", "PreOrder"},
	{"pre-order", "PreOrder"},
	{"vorbestell", "PreOrder"},
	{"backorder", "BackOrder"},
	{"limited", "LimitedAvailability"},
	{"nur noch", "LimitedAvailability"},
	{"in stock", "InStock"},
	{"instock", "InStock"},
	{"auf lager", "InStock"},
	{"lieferbar", "InStock"},
	{"en stock", "InStock"},
	{"disponible", "InStock"},
	{"op voorraad", "InStock"},
	{"available", "InStock"},
	{"有货", "InStock"},
}

// NormalizeAvailability maps schema.org URLs and common shop phrases to
// schema.org item availability names. Unknown text is kept as is.
func NormalizeAvailability(s string) string {
	s = cleanText(s)
	if s == "" {
		return ""
	}
	if i := strings.LastIndex(s, "/"); i >= 0 && strings.Contains(strings.ToLower(s), "schema.org") {
		return s[i+1:]
	}
	lower := strings.ToLower(s)
	for _, p := range availabilityPhrases {
		if strings.Contains(lower, p.phrase) {
			return p.value
		}
	}
	return s
}

// toMarkdown converts a description fragment to Markdown. Plain text is
// returned cleaned.
func toMarkdown(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	if !strings.Contains(fragment, "<") {
		return cleanText(fragment)
	}
	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(fragment)
	if err != nil {
		return cleanText(fragment)
	}
	return strings.TrimSpace(collapseBlankLines(out))
}

var blankLines = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	return blankLines.ReplaceAllString(s, "\n\n")
}
