package extractor

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/product-scraper/internal/models"
)

// SelectorSet lists CSS selectors per field, tried in order. Sets are
// compiled into built-in strategies and can be loaded from the rules file.
type SelectorSet struct {
	Platform     string   `mapstructure:"platform" json:"platform"`
	Title        []string `mapstructure:"title" json:"title,omitempty"`
	Price        []string `mapstructure:"price" json:"price,omitempty"`
	Description  []string `mapstructure:"description" json:"description,omitempty"`
	Images       []string `mapstructure:"images" json:"images,omitempty"`
	Rating       []string `mapstructure:"rating" json:"rating,omitempty"`
	ReviewCount  []string `mapstructure:"review_count" json:"review_count,omitempty"`
	Availability []string `mapstructure:"availability" json:"availability,omitempty"`
	Brand        []string `mapstructure:"brand" json:"brand,omitempty"`
	Seller       []string `mapstructure:"seller" json:"seller,omitempty"`
	SKU          []string `mapstructure:"sku" json:"sku,omitempty"`
	Category     []string `mapstructure:"category" json:"category,omitempty"`

	// SpecRows select one element per specification row. SpecKey and
	// SpecValue are evaluated inside each row.
	SpecRows  []string `mapstructure:"spec_rows" json:"spec_rows,omitempty"`
	SpecKey   string   `mapstructure:"spec_key" json:"spec_key,omitempty"`
	SpecValue string   `mapstructure:"spec_value" json:"spec_value,omitempty"`
}

func (s SelectorSet) empty() bool {
	return len(s.Title)+len(s.Price)+len(s.Description)+len(s.Images)+
		len(s.Rating)+len(s.ReviewCount)+len(s.Availability)+len(s.Brand)+
		len(s.Seller)+len(s.SKU)+len(s.Category)+len(s.SpecRows) == 0
}

// SelectorStrategy reads fields with its selector set and falls back to
// the generic strategy for every field the selectors miss.
type SelectorStrategy struct {
	set     SelectorSet
	generic *Generic
}

// NewSelectorStrategy validates set and builds a strategy from it.
func NewSelectorStrategy(set SelectorSet) (*SelectorStrategy, error) {
	set.Platform = strings.ToLower(strings.TrimSpace(set.Platform))
	if set.Platform == "" {
		return nil, fmt.Errorf("selector set has no platform id")
	}
	if set.Platform == models.GenericPlatform {
		return nil, fmt.Errorf("platform id %q is reserved", set.Platform)
	}
	if set.empty() {
		return nil, fmt.Errorf("selector set %q has no selectors", set.Platform)
	}
	if set.SpecKey == "" {
		set.SpecKey = "th, dt, td"
	}
	if set.SpecValue == "" {
		set.SpecValue = "td, dd"
	}
	return &SelectorStrategy{set: set, generic: NewGeneric()}, nil
}

func mustSelectorStrategy(set SelectorSet) *SelectorStrategy {
	s, err := NewSelectorStrategy(set)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *SelectorStrategy) Platform() string {
	return s.set.Platform
}

// Selectors returns a copy of the selector set.
func (s *SelectorStrategy) Selectors() SelectorSet {
	return s.set
}

func (s *SelectorStrategy) Title(doc *Document) string {
	if t := doc.Text(s.set.Title...); t != "" {
		return t
	}
	return s.generic.Title(doc)
}

func (s *SelectorStrategy) Price(doc *Document) *models.Price {
	if t := contentOrText(doc, s.set.Price...); t != "" {
		if p := ParsePrice(t, doc.Host()); p != nil {
			return p
		}
	}
	return s.generic.Price(doc)
}

func (s *SelectorStrategy) Description(doc *Document) string {
	if h := doc.InnerHTML(s.set.Description...); h != "" {
		if d := toMarkdown(h); d != "" {
			return d
		}
	}
	return s.generic.Description(doc)
}

func (s *SelectorStrategy) Images(doc *Document) []string {
	if imgs := doc.ImageSources(s.set.Images...); len(imgs) > 0 {
		if len(imgs) > maxImages {
			imgs = imgs[:maxImages]
		}
		return imgs
	}
	return s.generic.Images(doc)
}

func (s *SelectorStrategy) Rating(doc *Document) *float64 {
	for _, attr := range []string{"aria-label", "title", "data-rating", "content"} {
		if v := doc.Attr(attr, s.set.Rating...); v != "" {
			if r, ok := ParseRating(v); ok {
				return &r
			}
		}
	}
	if v := doc.Text(s.set.Rating...); v != "" {
		if r, ok := ParseRating(v); ok {
			return &r
		}
	}
	return s.generic.Rating(doc)
}

func (s *SelectorStrategy) Availability(doc *Document) string {
	if a := contentOrText(doc, s.set.Availability...); a != "" {
		return NormalizeAvailability(a)
	}
	return s.generic.Availability(doc)
}

func (s *SelectorStrategy) Specifications(doc *Document) map[string]string {
	specs := make(map[string]string)
	for _, row := range s.set.SpecRows {
		mergeSpecs(specs, doc.Pairs(row, s.set.SpecKey, s.set.SpecValue))
	}
	mergeSpecs(specs, s.generic.Specifications(doc))
	return specs
}

func (s *SelectorStrategy) Brand(doc *Document) string {
	if b := contentOrText(doc, s.set.Brand...); b != "" {
		return b
	}
	return s.generic.Brand(doc)
}

func (s *SelectorStrategy) Seller(doc *Document) string {
	if v := doc.Text(s.set.Seller...); v != "" {
		return v
	}
	return s.generic.Seller(doc)
}

func (s *SelectorStrategy) SKU(doc *Document) string {
	if v := contentOrText(doc, s.set.SKU...); v != "" {
		return v
	}
	return s.generic.SKU(doc)
}

func (s *SelectorStrategy) Category(doc *Document) string {
	if c := lastBreadcrumb(doc, s.set.Category...); c != "" {
		return c
	}
	return s.generic.Category(doc)
}

func (s *SelectorStrategy) ReviewCount(doc *Document) *int {
	if v := contentOrText(doc, s.set.ReviewCount...); v != "" {
		if n, ok := ParseCount(v); ok {
			return &n
		}
	}
	return s.generic.ReviewCount(doc)
}

// contentOrText prefers a content attribute over element text, so
// <meta itemprop="price" content="12.99"> and <span>12,99 €</span> both work.
func contentOrText(doc *Document, selectors ...string) string {
	for _, sel := range selectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			if v, ok := el.Attr("content"); ok && strings.TrimSpace(v) != "" {
				found = strings.TrimSpace(v)
				return false
			}
			if t := cleanText(el.Text()); t != "" {
				found = t
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return ""
}
