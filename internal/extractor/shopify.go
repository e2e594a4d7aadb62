package extractor

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/product-scraper/internal/models"
)

var shopifySelectors = SelectorSet{
	Platform:    "shopify",
	Title:       []string{".product__title h1", ".product-single__title", "h1.product_title", ".product__title"},
	Price:       []string{".price-item--sale", ".price__current", "[data-product-price]", ".product__price", ".product-single__price"},
	Description: []string{".product__description", ".product-single__description", ".product-description.rte", ".rte"},
	Images:      []string{".product__media img", ".product-single__photo img", ".product__main-photos img", ".product-gallery img"},
	SKU:         []string{"[data-sku]", ".product-single__sku", ".product__sku"},
}

var shopifyCurrency = regexp.MustCompile(`Shopify\.currency\s*=\s*\{[^}]*"active"\s*:\s*"([A-Za-z]{3})"`)

type shopifyProduct struct {
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	BodyHTML      string            `json:"body_html"`
	Vendor        string            `json:"vendor"`
	Type          string            `json:"type"`
	ProductType   string            `json:"product_type"`
	Tags          json.RawMessage   `json:"tags"`
	Price         json.Number       `json:"price"`
	Available     *bool             `json:"available"`
	FeaturedImage string            `json:"featured_image"`
	Images        []json.RawMessage `json:"images"`
	Options       []json.RawMessage `json:"options"`
	Variants      []shopifyVariant  `json:"variants"`
}

type shopifyVariant struct {
	Title     string      `json:"title"`
	Price     json.Number `json:"price"`
	SKU       string      `json:"sku"`
	Barcode   string      `json:"barcode"`
	Available *bool       `json:"available"`
}

// Shopify reads Shopify storefronts. The product JSON embedded by the
// theme is preferred over markup.
type Shopify struct {
	*SelectorStrategy
}

func NewShopify() *Shopify {
	return &Shopify{SelectorStrategy: mustSelectorStrategy(shopifySelectors)}
}

// productJSON finds the theme's product object. Nil when the page has none.
func (s *Shopify) productJSON(doc *Document) *shopifyProduct {
	var candidates []string
	doc.Find(`script[id^="ProductJson-"], script[type="application/json"][data-product-json], script[type="application/json"]`).Each(func(_ int, el *goquery.Selection) {
		candidates = append(candidates, el.Text())
	})
	doc.Find(`[data-product-json]`).Each(func(_ int, el *goquery.Selection) {
		if v, ok := el.Attr("data-product-json"); ok && strings.HasPrefix(strings.TrimSpace(v), "{") {
			candidates = append(candidates, v)
		}
	})

	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if !strings.HasPrefix(raw, "{") {
			continue
		}
		var wrapped struct {
			Product *shopifyProduct `json:"product"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && wrapped.Product != nil && wrapped.Product.Title != "" {
			return wrapped.Product
		}
		var p shopifyProduct
		if err := json.Unmarshal([]byte(raw), &p); err == nil && p.Title != "" && len(p.Variants) > 0 {
			return &p
		}
	}
	return nil
}

func (s *Shopify) Title(doc *Document) string {
	if p := s.productJSON(doc); p != nil {
		return cleanText(p.Title)
	}
	return s.SelectorStrategy.Title(doc)
}

// shopifyAmount reads a product JSON price. Integers are minor units, as
// rendered by the theme's "product | json" filter; decimals are major units.
func shopifyAmount(n json.Number) (float64, bool) {
	raw := n.String()
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	if !strings.Contains(raw, ".") {
		v /= 100
	}
	return v, true
}

func (s *Shopify) currency(doc *Document) string {
	if m := shopifyCurrency.FindStringSubmatch(doc.HTML()); m != nil {
		return strings.ToUpper(m[1])
	}
	if c := doc.Meta("og:price:currency", "product:price:currency"); c != "" {
		return strings.ToUpper(c)
	}
	return CurrencyForHost(doc.Host())
}

func (s *Shopify) Price(doc *Document) *models.Price {
	if p := s.productJSON(doc); p != nil {
		amount, ok := shopifyAmount(p.Price)
		for i := 0; !ok && i < len(p.Variants); i++ {
			amount, ok = shopifyAmount(p.Variants[i].Price)
		}
		if ok {
			return &models.Price{Amount: amount, Currency: s.currency(doc)}
		}
	}
	return s.SelectorStrategy.Price(doc)
}

func (s *Shopify) Description(doc *Document) string {
	if p := s.productJSON(doc); p != nil {
		for _, d := range []string{p.Description, p.BodyHTML} {
			if md := toMarkdown(d); md != "" {
				return md
			}
		}
	}
	return s.SelectorStrategy.Description(doc)
}

func (s *Shopify) Images(doc *Document) []string {
	p := s.productJSON(doc)
	if p == nil {
		return s.SelectorStrategy.Images(doc)
	}
	var raw []string
	if p.FeaturedImage != "" {
		raw = append(raw, p.FeaturedImage)
	}
	for _, img := range p.Images {
		var src string
		if err := json.Unmarshal(img, &src); err == nil {
			raw = append(raw, src)
			continue
		}
		var obj struct {
			Src string `json:"src"`
		}
		if err := json.Unmarshal(img, &obj); err == nil && obj.Src != "" {
			raw = append(raw, obj.Src)
		}
	}
	images := doc.Images(raw)
	if len(images) == 0 {
		return s.SelectorStrategy.Images(doc)
	}
	if len(images) > maxImages {
		images = images[:maxImages]
	}
	return images
}

func (s *Shopify) Availability(doc *Document) string {
	if p := s.productJSON(doc); p != nil {
		if p.Available != nil {
			return availabilityFromBool(*p.Available)
		}
		known := false
		for _, v := range p.Variants {
			if v.Available == nil {
				continue
			}
			if *v.Available {
				return "InStock"
			}
			known = true
		}
		if known {
			return "OutOfStock"
		}
	}
	return s.SelectorStrategy.Availability(doc)
}

func availabilityFromBool(available bool) string {
	if available {
		return "InStock"
	}
	return "OutOfStock"
}

func (s *Shopify) Specifications(doc *Document) map[string]string {
	specs := s.SelectorStrategy.Specifications(doc)
	p := s.productJSON(doc)
	if p == nil {
		return specs
	}
	if p.Vendor != "" {
		specs["vendor"] = p.Vendor
	}
	if t := firstNonEmpty(p.ProductType, p.Type); t != "" {
		specs["product_type"] = t
	}
	if tags := shopifyTags(p.Tags); len(tags) > 0 {
		specs["tags"] = strings.Join(tags, ", ")
	}
	for _, raw := range p.Options {
		var opt struct {
			Name   string   `json:"name"`
			Values []string `json:"values"`
		}
		if err := json.Unmarshal(raw, &opt); err == nil && opt.Name != "" && len(opt.Values) > 0 {
			specs[opt.Name] = strings.Join(opt.Values, ", ")
		}
	}
	if len(p.Variants) > 0 && p.Variants[0].Barcode != "" {
		specs["barcode"] = p.Variants[0].Barcode
	}
	return specs
}

func shopifyTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil && joined != "" {
		for _, t := range strings.Split(joined, ",") {
			if t = strings.TrimSpace(t); t != "" {
				list = append(list, t)
			}
		}
	}
	return list
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Shopify) Brand(doc *Document) string {
	if p := s.productJSON(doc); p != nil && p.Vendor != "" {
		return p.Vendor
	}
	return s.SelectorStrategy.Brand(doc)
}

func (s *Shopify) SKU(doc *Document) string {
	if p := s.productJSON(doc); p != nil {
		for _, v := range p.Variants {
			if v.SKU != "" {
				return v.SKU
			}
		}
	}
	return s.SelectorStrategy.SKU(doc)
}

func (s *Shopify) Category(doc *Document) string {
	if p := s.productJSON(doc); p != nil {
		if t := firstNonEmpty(p.ProductType, p.Type); t != "" {
			return t
		}
	}
	return s.SelectorStrategy.Category(doc)
}
