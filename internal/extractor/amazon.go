package extractor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/product-scraper/internal/models"
)

var amazonSelectors = SelectorSet{
	Platform: "amazon",
	Title:    []string{"#productTitle", "#title", "h1#title span"},
	Price: []string{
		"#corePrice_feature_div .a-offscreen",
		"#corePriceDisplay_desktop_feature_div .a-offscreen",
		".apexPriceToPay .a-offscreen",
		"#priceblock_dealprice",
		"#priceblock_ourprice",
		"#price_inside_buybox",
		".a-price .a-offscreen",
	},
	Rating: []string{
		"#acrPopover",
		`[data-hook="rating-out-of-text"]`,
		"#averageCustomerReviews .a-icon-alt",
	},
	ReviewCount:  []string{"#acrCustomerReviewText", `[data-hook="total-review-count"]`},
	Availability: []string{"#availability span", "#availability", "#outOfStock"},
	Seller: []string{
		"#sellerProfileTriggerId",
		`#merchantInfoFeature_feature_div .offer-display-feature-text-message`,
		"#merchant-info a",
	},
	Category: []string{"#wayfinding-breadcrumbs_feature_div .a-list-item a", "#wayfinding-breadcrumbs_feature_div .a-list-item"},
	SpecRows: []string{
		"#productDetails_techSpec_section_1 tr",
		"#productDetails_techSpec_section_2 tr",
		"#productDetails_detailBullets_sections1 tr",
		"#productOverview_feature_div tr",
		"#poExpander tr",
		".prodDetTable tr",
	},
	SpecKey:   "th, td.a-span3, td:first-child",
	SpecValue: "td",
}

// compositionPattern matches "80% Baumwolle, 20% Polyester".
const compositionPattern = `\d+(?:[,.]\d+)?\s*%\s*[\p{L}\-]+(?:\s[\p{L}\-]+)?(?:,\s*\d+(?:[,.]\d+)?\s*%\s*[\p{L}\-]+(?:\s[\p{L}\-]+)?)*`

var (
	amazonASIN      = regexp.MustCompile(`/(?:dp|gp/product|gp/aw/d|product)/([A-Z0-9]{10})(?:[/?]|$)`)
	amazonThumbSize = regexp.MustCompile(`\._[A-Z]{2}[A-Z0-9_,]*_\.`)
	bidiMarks       = strings.NewReplacer("\u200e", "", "\u200f", "", "\u00a0", " ")
)

// Amazon reads Amazon product detail pages on every marketplace domain.
type Amazon struct {
	*SelectorStrategy

	dimensionPatterns []*regexp.Regexp
	weightPatterns    []*regexp.Regexp
	materialPatterns  []*regexp.Regexp
}

func NewAmazon() *Amazon {
	return &Amazon{
		SelectorStrategy: mustSelectorStrategy(amazonSelectors),
		dimensionPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:produktabmessungen|abmessungen|dimensions)\s*:?\s*(\d+(?:[,.]\d+)?)\s*x\s*(\d+(?:[,.]\d+)?)\s*x\s*(\d+(?:[,.]\d+)?)\s*(cm|mm|m|inches|inch|zoll)`),
			regexp.MustCompile(`(\d+(?:[,.]\d+)?)\s*x\s*(\d+(?:[,.]\d+)?)\s*x\s*(\d+(?:[,.]\d+)?)\s*(cm|mm|m|zoll|inches|inch|")`),
		},
		weightPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:artikelgewicht|item weight|gewicht|weight)\s*:?\s*(\d+(?:[,.]\d+)?)\s*(kilogramm|gramm|kg|g|mg|pounds|pound|lb|ounces|oz)\b`),
		},
		materialPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)materialzusammensetzung\s*:?\s*(` + compositionPattern + `)`),
			regexp.MustCompile(`(?i)(?:material|fabric type|stoff|gewebe)\s*:?\s*(` + compositionPattern + `)`),
		},
	}
}

// Price reads the buy box, then the split whole/fraction price display.
func (a *Amazon) Price(doc *Document) *models.Price {
	host := doc.Host()
	for _, sel := range a.set.Price {
		if t := doc.Text(sel); t != "" {
			if p := ParsePrice(t, host); p != nil && p.Amount > 0 {
				return p
			}
		}
	}
	whole := doc.Find(".a-price-whole").First()
	if whole.Length() > 0 {
		w := strings.Trim(cleanText(whole.Text()), ".,")
		f := cleanText(whole.Parent().Find(".a-price-fraction").First().Text())
		symbol := cleanText(whole.Parent().Find(".a-price-symbol").First().Text())
		text := w
		if f != "" {
			sep := "."
			if hostUsesDecimalComma(host) {
				sep = ","
			}
			text = w + sep + f
		}
		if p := ParsePrice(text+" "+symbol, host); p != nil && p.Amount > 0 {
			return p
		}
	}
	return a.generic.Price(doc)
}

// Description joins the feature bullets and the long description.
func (a *Amazon) Description(doc *Document) string {
	var parts []string
	var bullets []string
	doc.Find("#feature-bullets li span.a-list-item, #feature-bullets li").Each(func(_ int, s *goquery.Selection) {
		if t := cleanText(s.Text()); t != "" && !containsString(bullets, t) {
			bullets = append(bullets, t)
		}
	})
	if len(bullets) > 0 {
		lines := make([]string, len(bullets))
		for i, b := range bullets {
			lines[i] = "- " + b
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if h := doc.InnerHTML("#productDescription", "#aplus_feature_div"); h != "" {
		if d := toMarkdown(h); d != "" {
			parts = append(parts, d)
		}
	}
	if len(parts) == 0 {
		return a.generic.Description(doc)
	}
	return strings.Join(parts, "\n\n")
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s || strings.Contains(x, s) {
			return true
		}
	}
	return false
}

// Images prefers the largest entry of the landing image's dynamic image map
// and upsizes gallery thumbnails.
func (a *Amazon) Images(doc *Document) []string {
	var raw []string
	landing := doc.Find("#landingImage, #imgBlkFront").First()
	if v, ok := landing.Attr("data-old-hires"); ok && v != "" {
		raw = append(raw, v)
	}
	if v, ok := landing.Attr("data-a-dynamic-image"); ok {
		raw = append(raw, largestDynamicImage(v)...)
	}
	doc.Find("#altImages ul li").Each(func(_ int, li *goquery.Selection) {
		if li.HasClass("videoThumbnail") || li.Find(".videoThumbnail").Length() > 0 {
			return
		}
		if src, ok := li.Find("img").Attr("src"); ok && !strings.Contains(src, "play-icon") {
			raw = append(raw, amazonThumbSize.ReplaceAllString(src, "._AC_SL1500_."))
		}
	})
	if src, ok := landing.Attr("src"); ok && len(raw) == 0 {
		raw = append(raw, src)
	}
	images := doc.Images(raw)
	if len(images) == 0 {
		return a.generic.Images(doc)
	}
	if len(images) > maxImages {
		images = images[:maxImages]
	}
	return images
}

// largestDynamicImage picks the biggest entry of a {"url":[w,h]} map.
func largestDynamicImage(raw string) []string {
	var sizes map[string][]float64
	if err := json.Unmarshal([]byte(raw), &sizes); err != nil {
		return nil
	}
	urls := make([]string, 0, len(sizes))
	for u := range sizes {
		urls = append(urls, u)
	}
	area := func(u string) float64 {
		if s := sizes[u]; len(s) == 2 {
			return s[0] * s[1]
		}
		return 0
	}
	sort.Slice(urls, func(i, j int) bool {
		if area(urls[i]) != area(urls[j]) {
			return area(urls[i]) > area(urls[j])
		}
		return urls[i] < urls[j]
	})
	if len(urls) > 1 {
		urls = urls[:1]
	}
	return urls
}

// Specifications merges the detail tables, the detail bullet list, the
// attribute grid and the parsed material, dimension and weight values.
func (a *Amazon) Specifications(doc *Document) map[string]string {
	specs := make(map[string]string)
	for _, row := range a.set.SpecRows {
		mergeSpecs(specs, cleanSpecs(doc.Pairs(row, a.set.SpecKey, a.set.SpecValue)))
	}
	mergeSpecs(specs, detailBullets(doc))
	mergeSpecs(specs, attributeGrid(doc))

	if material, ok := a.material(doc); ok {
		if _, dup := specs["Material"]; !dup {
			specs["Material"] = material
		}
		if mc := ParseMaterialComposition(material); mc != nil {
			specs["material_composition"] = mc.String()
		}
	}
	details := a.detailsText(doc)
	if dim, ok := a.dimensions(details); ok {
		specs["dimensions"] = dim
	}
	if w, ok := a.weight(details); ok {
		specs["weight"] = w
	}
	return specs
}

func cleanSpecs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(strings.TrimSuffix(cleanText(bidiMarks.Replace(k)), ":"))
		v = cleanText(bidiMarks.Replace(v))
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// detailBullets reads "Key : Value" items from the detail bullet list.
func detailBullets(doc *Document) map[string]string {
	out := make(map[string]string)
	doc.Find("#detailBullets_feature_div li, .detail-bullet-list li").Each(func(_ int, s *goquery.Selection) {
		text := cleanText(bidiMarks.Replace(s.Text()))
		k, v, ok := strings.Cut(text, ":")
		if !ok {
			return
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			if _, dup := out[k]; !dup {
				out[k] = v
			}
		}
	})
	return out
}

// attributeGrid reads the two column attribute rows used on fashion pages.
func attributeGrid(doc *Document) map[string]string {
	out := make(map[string]string)
	doc.Find(".a-fixed-left-grid-inner").Each(func(_ int, s *goquery.Selection) {
		k := cleanText(s.Find(".a-col-left .a-color-base").Text())
		v := cleanText(s.Find(".a-col-right .a-color-base").Text())
		if k != "" && v != "" {
			if _, dup := out[k]; !dup {
				out[k] = v
			}
		}
	})
	return out
}

func (a *Amazon) detailsText(doc *Document) string {
	var b strings.Builder
	for _, sel := range []string{
		"#feature-bullets",
		"#productDetails_techSpec_section_1",
		"#productDetails_detailBullets_sections1",
		"#detailBullets_feature_div",
		".detail-bullet-list",
	} {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			b.WriteString(cleanText(bidiMarks.Replace(s.Text())))
			b.WriteString("\n")
		})
	}
	return b.String()
}

// material returns the composition text from the attribute grid, falling
// back to pattern matches in the detail sections.
func (a *Amazon) material(doc *Document) (string, bool) {
	var found string
	doc.Find(".a-fixed-left-grid-inner").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		left := strings.ToLower(cleanText(s.Find(".a-col-left .a-color-base").Text()))
		right := cleanText(s.Find(".a-col-right .a-color-base").Text())
		if strings.Contains(left, "material") && right != "" {
			found = right
			return false
		}
		return true
	})
	if found != "" {
		return found, true
	}

	for _, text := range []string{a.detailsText(doc), cleanText(doc.Find("body").Text())} {
		for _, pattern := range a.materialPatterns {
			m := pattern.FindStringSubmatch(text)
			if len(m) < 2 {
				continue
			}
			material := strings.TrimSpace(m[1])
			if material != "" && !strings.Contains(strings.ToLower(material), "nicht angegeben") {
				return material, true
			}
		}
	}
	return "", false
}

func (a *Amazon) dimensions(details string) (string, bool) {
	for _, pattern := range a.dimensionPatterns {
		m := pattern.FindStringSubmatch(details)
		if len(m) < 5 {
			continue
		}
		l, w, h := parseDecimalOrZero(m[1]), parseDecimalOrZero(m[2]), parseDecimalOrZero(m[3])
		if l > 0 && w > 0 && h > 0 {
			return fmt.Sprintf("%s x %s x %s %s", formatFloat(l), formatFloat(w), formatFloat(h), normalizeLengthUnit(m[4])), true
		}
	}
	return "", false
}

func (a *Amazon) weight(details string) (string, bool) {
	for _, pattern := range a.weightPatterns {
		m := pattern.FindStringSubmatch(details)
		if len(m) < 3 {
			continue
		}
		if v := parseDecimalOrZero(m[1]); v > 0 {
			return formatFloat(v) + " " + normalizeWeightUnit(m[2]), true
		}
	}
	return "", false
}

func parseDecimalOrZero(s string) float64 {
	v, _ := parseDecimal(strings.TrimSpace(s))
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func normalizeLengthUnit(unit string) string {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "cm", "centimeter", "zentimeter":
		return "cm"
	case "mm", "millimeter":
		return "mm"
	case "m", "meter":
		return "m"
	case "inch", "inches", "zoll", `"`:
		return "inch"
	default:
		return unit
	}
}

func normalizeWeightUnit(unit string) string {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "kg", "kilogramm", "kilo":
		return "kg"
	case "g", "gramm", "gram":
		return "g"
	case "mg", "milligramm":
		return "mg"
	case "lb", "pound", "pounds":
		return "lb"
	case "oz", "ounce", "ounces":
		return "oz"
	default:
		return unit
	}
}

func (a *Amazon) Brand(doc *Document) string {
	brand := cleanText(doc.Find("#bylineInfo").First().Text())
	for _, prefix := range []string{"Marke: ", "Brand: ", "Besuchen Sie den ", "Visit the ", "Marque : ", "Marca: "} {
		brand = strings.TrimPrefix(brand, prefix)
	}
	for _, suffix := range []string{"-Store", " Store", " store"} {
		brand = strings.TrimSuffix(brand, suffix)
	}
	if brand = strings.TrimSpace(brand); brand != "" {
		return brand
	}
	return a.generic.Brand(doc)
}

// SKU is the ASIN, taken from the URL or the page.
func (a *Amazon) SKU(doc *Document) string {
	if m := amazonASIN.FindStringSubmatch(doc.URL()); m != nil {
		return m[1]
	}
	if v := doc.Attr("value", "input#ASIN", `input[name="ASIN"]`); v != "" {
		return v
	}
	if v := doc.Attr("data-asin", "#dp[data-asin]", "[data-asin]"); v != "" {
		return v
	}
	return a.generic.SKU(doc)
}

// MaterialShare is one fibre of a composition such as "80% Baumwolle".
type MaterialShare struct {
	Name    string
	Percent float64
}

// MaterialComposition is a parsed textile composition.
type MaterialComposition struct {
	Materials  []MaterialShare
	Confidence float64
}

// String renders the composition as "80% Baumwolle, 20% Polyester".
func (mc *MaterialComposition) String() string {
	parts := make([]string, len(mc.Materials))
	for i, m := range mc.Materials {
		parts[i] = formatFloat(m.Percent) + "% " + m.Name
	}
	return strings.Join(parts, ", ")
}

var materialPercent = regexp.MustCompile(`(\d+(?:[,.]\d+)?)\s*%\s*([^,;/]+)`)

// ParseMaterialComposition reads "80% Baumwolle, 20% Elasthan". Confidence
// is highest when the shares add up to about 100.
func ParseMaterialComposition(text string) *MaterialComposition {
	matches := materialPercent.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var materials []MaterialShare
	total := 0.0
	for _, m := range matches {
		percent, ok := parseDecimal(m[1])
		name := strings.TrimSpace(m[2])
		if !ok || name == "" {
			continue
		}
		materials = append(materials, MaterialShare{Name: name, Percent: percent})
		total += percent
	}
	if len(materials) == 0 {
		return nil
	}

	confidence := 0.7
	switch {
	case total >= 95 && total <= 105:
		confidence = 0.95
	case total >= 80 && total <= 120:
		confidence = 0.85
	}
	return &MaterialComposition{Materials: materials, Confidence: confidence}
}
