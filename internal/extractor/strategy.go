package extractor

import (
	"fmt"

	"github.com/maltedev/product-scraper/internal/models"
)

// ErrExtractionEmpty is returned when a strategy found no field at all.
var ErrExtractionEmpty = models.NewError(models.KindExtractionEmpty, "no product data found on page", nil)

// Strategy extracts product fields for one platform. Every method reads the
// document independently; a missing field is a zero value, never an error.
type Strategy interface {
	Platform() string
	Title(doc *Document) string
	Price(doc *Document) *models.Price
	Description(doc *Document) string
	Images(doc *Document) []string
	Rating(doc *Document) *float64
	Availability(doc *Document) string
	Specifications(doc *Document) map[string]string
}

// AttributeExtractor is implemented by strategies that also read the
// secondary attributes.
type AttributeExtractor interface {
	Brand(doc *Document) string
	Seller(doc *Document) string
	SKU(doc *Document) string
	Category(doc *Document) string
	ReviewCount(doc *Document) *int
}

// Extract runs every capability of s against doc. A capability that panics
// leaves its field empty and is listed in RawData["failed_fields"].
func Extract(s Strategy, doc *Document) (*models.ProductRecord, error) {
	rec := models.NewProductRecord(s.Platform(), doc.URL())
	var failed []string

	rec.Title = capture(&failed, "title", func() string { return s.Title(doc) })
	rec.Price = capture(&failed, "price", func() *models.Price { return s.Price(doc) })
	rec.Description = capture(&failed, "description", func() string { return s.Description(doc) })
	rec.Images = capture(&failed, "images", func() []string { return s.Images(doc) })
	rec.Rating = capture(&failed, "rating", func() *float64 { return s.Rating(doc) })
	rec.Availability = capture(&failed, "availability", func() string { return s.Availability(doc) })
	rec.Specifications = capture(&failed, "specifications", func() map[string]string { return s.Specifications(doc) })

	if attrs, ok := s.(AttributeExtractor); ok {
		rec.Brand = capture(&failed, "brand", func() string { return attrs.Brand(doc) })
		rec.Seller = capture(&failed, "seller", func() string { return attrs.Seller(doc) })
		rec.SKU = capture(&failed, "sku", func() string { return attrs.SKU(doc) })
		rec.Category = capture(&failed, "category", func() string { return attrs.Category(doc) })
		rec.ReviewCount = capture(&failed, "review_count", func() *int { return attrs.ReviewCount(doc) })
	}

	if rec.Images == nil {
		rec.Images = make([]string, 0)
	}
	if rec.Specifications == nil {
		rec.Specifications = make(map[string]string)
	}

	rec.RawData = map[string]any{"extractor": s.Platform()}
	if t := doc.Text("title"); t != "" {
		rec.RawData["page_title"] = t
	}
	if len(failed) > 0 {
		rec.RawData["failed_fields"] = fmt.Sprint(failed)
	}

	if !rec.HasData() {
		return rec, ErrExtractionEmpty
	}
	return rec, nil
}

func capture[T any](failed *[]string, field string, fn func() T) (v T) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			*failed = append(*failed, field)
		}
	}()
	return fn()
}
