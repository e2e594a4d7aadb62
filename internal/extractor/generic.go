package extractor

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/product-scraper/internal/models"
)

const maxImages = 20

var (
	genericTitleSelectors = []string{
		`h1[itemprop="name"]`,
		`[itemprop="name"] h1`,
		`h1.product-title`,
		`h1.product-name`,
		`.product-title`,
		`.product-name`,
		`[data-testid="product-title"]`,
	}
	genericPriceSelectors = []string{
		`[itemprop="price"]`,
		`[data-testid="price"]`,
		`.product-price`,
		`.price-current`,
		`.current-price`,
		`.sale-price`,
		`.price .amount`,
		`.price-box .price`,
		`.price`,
	}
	genericDescriptionSelectors = []string{
		`[itemprop="description"]`,
		`#product-description`,
		`.product-description`,
		`#description`,
		`.description`,
		`.product-details`,
	}
	genericImageSelectors = []string{
		`img[itemprop="image"]`,
		`[data-testid="product-image"] img`,
		`.product-gallery img`,
		`.product-images img`,
		`.gallery img`,
		`.main-image img`,
		`.product-image img`,
		`.product-photo img`,
	}
	genericRatingSelectors = []string{
		`.product-rating`,
		`.rating-value`,
		`.star-rating`,
		`.review-rating`,
		`.rating`,
	}
	genericReviewCountSelectors = []string{
		`.review-count`,
		`.reviews-count`,
		`.rating-count`,
		`a[href="#reviews"]`,
	}
	genericAvailabilitySelectors = []string{
		`.availability`,
		`.stock-status`,
		`.stock`,
		`.in-stock`,
		`.out-of-stock`,
	}
	genericSpecContainers = []string{
		`.specifications`,
		`.product-specs`,
		`.specs`,
		`#specifications`,
		`.product-attributes`,
		`.additional-information`,
	}
	genericBreadcrumbSelectors = []string{
		`nav[aria-label="breadcrumb"] li`,
		`.breadcrumb li`,
		`.breadcrumbs li`,
		`[itemtype$="BreadcrumbList"] [itemprop="name"]`,
	}
)

// adjacentPrice finds a number written next to a currency symbol or code.
var adjacentPrice = regexp.MustCompile(`(?:[€$£¥₹]|EUR|USD|GBP)\s?\d(?:[\d.,\x{00A0} ]*\d)?|\d(?:[\d.,\x{00A0} ]*\d)?\s?(?:€|EUR|USD|GBP|£|\$)`)

// Generic reads any product page: JSON-LD first, then OpenGraph and meta
// tags, then markup heuristics.
type Generic struct{}

func NewGeneric() *Generic {
	return &Generic{}
}

func (g *Generic) Platform() string {
	return models.GenericPlatform
}

func (g *Generic) Title(doc *Document) string {
	if p := doc.Product(); p != nil {
		if t := ldString(p["name"]); t != "" {
			return t
		}
	}
	if t := doc.Meta("og:title", "twitter:title"); t != "" {
		return cleanText(t)
	}
	if t := doc.Text(genericTitleSelectors...); t != "" {
		return t
	}
	if t := largestHeading(doc); t != "" {
		return t
	}
	return doc.Text("title")
}

// largestHeading returns the h1 with the most text.
func largestHeading(doc *Document) string {
	var best string
	doc.Find("h1").Each(func(_ int, s *goquery.Selection) {
		if t := cleanText(s.Text()); len(t) > len(best) {
			best = t
		}
	})
	return best
}

func (g *Generic) Price(doc *Document) *models.Price {
	host := doc.Host()
	if p := doc.Product(); p != nil {
		if price := ldPrice(p, host); price != nil {
			return price
		}
	}
	if amount := doc.Meta("product:price:amount", "og:price:amount"); amount != "" {
		if v, ok := ParseNumber(amount, false); ok {
			currency := strings.ToUpper(doc.Meta("product:price:currency", "og:price:currency"))
			if currency == "" {
				currency = CurrencyForHost(host)
			}
			return &models.Price{Amount: v, Currency: currency}
		}
	}
	if content := doc.Attr("content", `[itemprop="price"]`); content != "" {
		if v, ok := ParseNumber(content, false); ok {
			currency := strings.ToUpper(doc.Attr("content", `[itemprop="priceCurrency"]`))
			if currency == "" {
				currency = CurrencyForHost(host)
			}
			return &models.Price{Amount: v, Currency: currency}
		}
	}
	if t := doc.Text(genericPriceSelectors...); t != "" {
		if price := ParsePrice(t, host); price != nil {
			return price
		}
	}
	if m := adjacentPrice.FindString(cleanText(doc.Find("body").Text())); m != "" {
		return ParsePrice(m, host)
	}
	return nil
}

func (g *Generic) Description(doc *Document) string {
	if p := doc.Product(); p != nil {
		if d := ldString(p["description"]); d != "" {
			return toMarkdown(d)
		}
	}
	if h := doc.InnerHTML(genericDescriptionSelectors...); h != "" {
		if d := toMarkdown(h); len(d) > 10 {
			return d
		}
	}
	return cleanText(doc.Meta("og:description", "description", "twitter:description"))
}

func (g *Generic) Images(doc *Document) []string {
	var raw []string
	if p := doc.Product(); p != nil {
		raw = append(raw, ldImages(p["image"])...)
	}
	raw = append(raw, metaAll(doc, "og:image", "og:image:secure_url", "twitter:image")...)
	images := doc.Images(raw)
	images = appendUnique(images, doc.ImageSources(genericImageSelectors...)...)
	if len(images) > maxImages {
		images = images[:maxImages]
	}
	return images
}

func metaAll(doc *Document, keys ...string) []string {
	var out []string
	for _, k := range keys {
		doc.Find(`meta[property="` + k + `"], meta[name="` + k + `"]`).Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr("content"); ok && v != "" {
				out = append(out, v)
			}
		})
	}
	return out
}

func appendUnique(dst []string, src ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range src {
		if !seen[s] {
			seen[s] = true
			dst = append(dst, s)
		}
	}
	return dst
}

func (g *Generic) Rating(doc *Document) *float64 {
	if p := doc.Product(); p != nil {
		if r, _ := ldRating(p); r != nil {
			return r
		}
	}
	if v := doc.Attr("content", `[itemprop="ratingValue"]`); v != "" {
		best := doc.Attr("content", `[itemprop="bestRating"]`)
		if best == "" {
			best = "5"
		}
		if r, ok := ParseRating(v + " / " + best); ok {
			return &r
		}
	}
	if v := doc.Attr("data-rating", `[data-rating]`); v != "" {
		if r, ok := ParseRating(v); ok {
			return &r
		}
	}
	if v := doc.Attr("aria-label", genericRatingSelectors...); v != "" {
		if r, ok := ParseRating(v); ok {
			return &r
		}
	}
	if v := doc.Text(genericRatingSelectors...); v != "" {
		if r, ok := ParseRating(v); ok {
			return &r
		}
	}
	return nil
}

func (g *Generic) Availability(doc *Document) string {
	if p := doc.Product(); p != nil {
		if a := ldAvailability(p); a != "" {
			return a
		}
	}
	if a := doc.Meta("product:availability", "og:availability"); a != "" {
		return NormalizeAvailability(a)
	}
	for _, attr := range []string{"href", "content"} {
		if a := doc.Attr(attr, `[itemprop="availability"]`); a != "" {
			return NormalizeAvailability(a)
		}
	}
	if a := doc.Attr("data-availability", `[data-availability]`); a != "" {
		return NormalizeAvailability(a)
	}
	return NormalizeAvailability(doc.Text(genericAvailabilitySelectors...))
}

func (g *Generic) Specifications(doc *Document) map[string]string {
	specs := make(map[string]string)
	if p := doc.Product(); p != nil {
		mergeSpecs(specs, ldSpecifications(p))
	}
	for _, c := range genericSpecContainers {
		mergeSpecs(specs, doc.Pairs(c+" tr", "th, td", "td"))
		mergeSpecs(specs, doc.DefinitionList(c))
	}
	return specs
}

func mergeSpecs(dst, src map[string]string) {
	for k, v := range src {
		if _, dup := dst[k]; !dup {
			dst[k] = v
		}
	}
}

func (g *Generic) Brand(doc *Document) string {
	if p := doc.Product(); p != nil {
		if b := ldString(p["brand"]); b != "" {
			return b
		}
	}
	if b := doc.Meta("product:brand", "og:brand"); b != "" {
		return cleanText(b)
	}
	if b := doc.Attr("content", `[itemprop="brand"]`); b != "" {
		return b
	}
	return doc.Text(`[itemprop="brand"]`, `.product-brand`, `.brand`)
}

func (g *Generic) Seller(doc *Document) string {
	if p := doc.Product(); p != nil {
		if s := ldSeller(p); s != "" {
			return s
		}
	}
	return doc.Text(`[itemprop="seller"] [itemprop="name"]`, `.seller-name`, `.sold-by`)
}

func (g *Generic) SKU(doc *Document) string {
	if p := doc.Product(); p != nil {
		for _, k := range []string{"sku", "mpn", "productID", "gtin13", "gtin"} {
			if s := ldString(p[k]); s != "" {
				return s
			}
		}
	}
	if s := doc.Attr("content", `[itemprop="sku"]`); s != "" {
		return s
	}
	return doc.Text(`[itemprop="sku"]`, `.sku`)
}

func (g *Generic) Category(doc *Document) string {
	if p := doc.Product(); p != nil {
		if c := ldString(p["category"]); c != "" {
			return c
		}
	}
	if c := lastBreadcrumb(doc, genericBreadcrumbSelectors...); c != "" {
		return c
	}
	return cleanText(doc.Meta("product:category"))
}

// lastBreadcrumb returns the deepest breadcrumb entry, skipping a trailing
// entry that repeats the page title.
func lastBreadcrumb(doc *Document, selectors ...string) string {
	for _, sel := range selectors {
		var crumbs []string
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if t := cleanText(s.Text()); t != "" {
				crumbs = append(crumbs, t)
			}
		})
		if len(crumbs) == 0 {
			continue
		}
		if _, current := doc.Find(sel).Last().Attr("aria-current"); current && len(crumbs) > 1 {
			return crumbs[len(crumbs)-2]
		}
		return crumbs[len(crumbs)-1]
	}
	return ""
}

func (g *Generic) ReviewCount(doc *Document) *int {
	if p := doc.Product(); p != nil {
		if _, c := ldRating(p); c != nil {
			return c
		}
	}
	if v := doc.Attr("content", `[itemprop="reviewCount"]`, `[itemprop="ratingCount"]`); v != "" {
		if n, ok := ParseCount(v); ok {
			return &n
		}
	}
	if v := doc.Text(`[itemprop="reviewCount"]`, `[itemprop="ratingCount"]`); v != "" {
		if n, ok := ParseCount(v); ok {
			return &n
		}
	}
	if v := doc.Text(genericReviewCountSelectors...); v != "" {
		if n, ok := ParseCount(v); ok {
			return &n
		}
	}
	return nil
}
