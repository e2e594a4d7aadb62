package extractor

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/product-scraper/internal/models"
)

var ebaySelectors = SelectorSet{
	Platform:     "ebay",
	Title:        []string{"h1.x-item-title__mainTitle", ".x-item-title__mainTitle", "#itemTitle"},
	Price:        []string{".x-price-primary", "#prcIsum", "#mm-saleDscPrc"},
	Description:  []string{"div.x-item-description-child", "#desc_div", "h2#subtitle"},
	Images:       []string{"div.ux-image-carousel-item img", ".ux-image-carousel img", `img[data-zoom-src*="ebayimg.com"]`},
	Rating:       []string{".x-star-rating .clipped", ".reviews-star-rating", ".ux-summary__start--rating"},
	ReviewCount:  []string{".ux-summary__count", ".reviews-header .total-reviews"},
	Availability: []string{".x-quantity__availability", ".d-quantity__availability", "#qtySubTxt"},
	Seller:       []string{".x-sellercard-atf__info__about-seller a span", ".ux-seller-section__item--seller a"},
	Category:     []string{"nav.breadcrumbs li a", ".seo-breadcrumb-text"},
	SpecRows:     []string{"dl.ux-labels-values", ".ux-layout-section-evo__col"},
	SpecKey:      "dt, .ux-labels-values__labels",
	SpecValue:    "dd, .ux-labels-values__values",
}

var ebayItemID = regexp.MustCompile(`/itm/(?:[^/]+/)?(\d{9,})`)

// Ebay reads ebay item pages.
type Ebay struct {
	*SelectorStrategy
}

func NewEbay() *Ebay {
	return &Ebay{SelectorStrategy: mustSelectorStrategy(ebaySelectors)}
}

// SKU is the item number from the URL.
func (e *Ebay) SKU(doc *Document) string {
	if m := ebayItemID.FindStringSubmatch(doc.URL()); m != nil {
		return m[1]
	}
	return e.SelectorStrategy.SKU(doc)
}

var wooCommerceSelectors = SelectorSet{
	Platform: "woocommerce",
	Title:    []string{".product_title", "h1.entry-title", ".product-name h1"},
	Price: []string{
		".summary .price ins .woocommerce-Price-amount",
		".summary .price .woocommerce-Price-amount bdi",
		".summary .price .woocommerce-Price-amount",
		".price ins .amount",
		".price .woocommerce-Price-amount",
		".price .amount",
	},
	Description: []string{
		".woocommerce-product-details__short-description",
		"#tab-description",
		".woocommerce-Tabs-panel--description",
	},
	Images: []string{
		".woocommerce-product-gallery__image img",
		".woocommerce-product-gallery__image a",
		".flex-control-nav img",
		".single-product .images img",
	},
	Rating:       []string{".woocommerce-product-rating .star-rating", ".product-rating .star-rating"},
	ReviewCount:  []string{".woocommerce-review-link .count", ".woocommerce-review-link"},
	Availability: []string{".summary .stock", "p.stock"},
	SKU:          []string{".sku_wrapper .sku", ".product_meta .sku"},
	Category:     []string{".woocommerce-breadcrumb a", ".posted_in a"},
	SpecRows: []string{
		".woocommerce-product-attributes tr",
		"table.shop_attributes tr",
	},
	SpecKey:   "th",
	SpecValue: "td",
}

// WooCommerce reads WordPress shops running WooCommerce.
type WooCommerce struct {
	*SelectorStrategy
}

func NewWooCommerce() *WooCommerce {
	return &WooCommerce{SelectorStrategy: mustSelectorStrategy(wooCommerceSelectors)}
}

var bolSelectors = SelectorSet{
	Platform:     "bol",
	Title:        []string{`[data-test="title"]`, "h1.page-heading span", `[data-testid="product-title"]`, ".product-title"},
	Price:        []string{`[data-test="price"]`, ".promo-price"},
	Description:  []string{`[data-test="description"]`, `[data-test="product-description"]`, ".product-description"},
	Images:       []string{`[data-test="product-images"] img`, ".image-slot img", `[data-testid="product-image"] img`, ".product-image img"},
	Rating:       []string{`[data-test="rating"]`, ".pdp-header__rating .rating-stars", ".pdp-header__rating"},
	ReviewCount:  []string{`[data-test="rating-suffix"]`, ".pdp-header__rating .u-pl--xs"},
	Availability: []string{`[data-test="delivery-highlight"]`, ".buy-block__highlight"},
	Seller:       []string{`[data-test="party-link"]`, ".buy-block__seller-name"},
	Brand:        []string{`[data-role="BRAND"]`, `.pdp-header__meta-item a[href*="/merk/"]`},
	Category:     []string{`[data-test="breadcrumb-name"]`, ".breadcrumbs li"},
	SpecRows:     []string{".specs__row", `[data-testid="specifications"] tr`},
	SpecKey:      ".specs__title, th, td:first-child",
	SpecValue:    ".specs__value, td",
}

// Bol reads bol.com product pages.
type Bol struct {
	*SelectorStrategy
}

func NewBol() *Bol {
	return &Bol{SelectorStrategy: mustSelectorStrategy(bolSelectors)}
}

// Price joins the euro amount and the superscript cents bol renders as
// separate elements.
func (b *Bol) Price(doc *Document) *models.Price {
	for _, sel := range b.set.Price {
		el := doc.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		frac := el.Find(`sup[data-test="price-fraction"], .promo-price__fraction, sup`).First()
		if frac.Length() == 0 {
			if p := ParsePrice(cleanText(el.Text()), doc.Host()); p != nil {
				return p
			}
			continue
		}
		cents := strings.Trim(cleanText(frac.Text()), ",.-")
		whole := strings.TrimSpace(strings.TrimSuffix(cleanText(el.Text()), cleanText(frac.Text())))
		whole = strings.Trim(whole, ",.")
		text := whole
		if cents != "" {
			text = whole + "," + cents
		}
		if p := ParsePrice(text, doc.Host()); p != nil {
			return p
		}
	}
	return b.generic.Price(doc)
}

var ottoSelectors = SelectorSet{
	Platform:     "otto",
	Title:        []string{".pdp_short-info__main-name", ".js_pdp_short-info__main-name", "h1"},
	Price:        []string{".pdp_price__price-parts", ".js_pdp_price__retail-price__value", `[itemprop="price"]`},
	Description:  []string{".js_pdp_description", ".pdp_description", ".product-description"},
	Images:       []string{"div.js_pdp_main-image__slide img", ".pdp_main-image__image", "div.js_pdp_main-image__slide"},
	Rating:       []string{".pdp_cr-rating-score", ".js_pdp_cr-rating-score"},
	ReviewCount:  []string{".js_pdp_cr-rating--review-count", ".pdp_cr-rating--review-count"},
	Availability: []string{".pdp_availability", ".js_pdp_availability"},
	Brand:        []string{".pdp_short-info__brand-link", `[data-qa="brand-name"]`},
	SpecRows:     []string{".pdp_details__characteristics-html table tbody tr"},
	SpecKey:      "td.left",
	SpecValue:    "td:not(.left)",
}

// Otto reads otto.de product pages.
type Otto struct {
	*SelectorStrategy
}

func NewOtto() *Otto {
	return &Otto{SelectorStrategy: mustSelectorStrategy(ottoSelectors)}
}

// Description appends the selling points to the long description.
func (o *Otto) Description(doc *Document) string {
	var parts []string
	if d := toMarkdown(doc.InnerHTML(o.set.Description...)); d != "" {
		parts = append(parts, d)
	}
	if sp := toMarkdown(doc.InnerHTML(".pdp_selling-points", ".js_pdp_selling-points")); sp != "" {
		parts = append(parts, sp)
	}
	if len(parts) == 0 {
		return o.generic.Description(doc)
	}
	return strings.Join(parts, "\n\n")
}

var cdiscountSelectors = SelectorSet{
	Platform:     "cdiscount",
	Title:        []string{"h1.c-fp-heading__title", `h1[itemprop="name"]`, "h1"},
	Price:        []string{".c-price.c-price--xl.c-price--promo", `.c-price[itemprop="price"]`, ".c-price", "#DisplayPrice"},
	Description:  []string{"div#MarketingLongDescription", "#fpBlocDescription", ".fpDescTb"},
	Images:       []string{"div.c-productViewer__thumb img", ".c-productViewer__main img", "#fpMainImg"},
	Rating:       []string{"span.c-stars-rating__label", "span.c-stars-rating__text"},
	ReviewCount:  []string{".fpProductRating .fpReviewCount", ".fpProductRating .fpRatingCount", ".review-count"},
	Availability: []string{".c-fp-availability", ".fpStock"},
	Seller:       []string{"a.fpSellerName", ".c-seller-name"},
	Brand:        []string{`[itemprop="brand"]`, ".c-fp-heading__brand a"},
	SpecRows:     []string{`table[class*="fpDescTb"] tbody tr`, `table[aria-label="Product Features"] tr`},
	SpecKey:      "th, td:first-child",
	SpecValue:    "td",
}

// Cdiscount reads cdiscount.com product pages.
type Cdiscount struct {
	*SelectorStrategy
}

func NewCdiscount() *Cdiscount {
	return &Cdiscount{SelectorStrategy: mustSelectorStrategy(cdiscountSelectors)}
}

// Price reads the "12€99" display or the split DisplayPrice/DisplayPriceCent
// elements.
func (c *Cdiscount) Price(doc *Document) *models.Price {
	whole := doc.Text("#DisplayPrice")
	cents := doc.Text("#DisplayPriceCent")
	if whole != "" && cents != "" {
		text := strings.Trim(whole, ",.€ ") + "," + strings.Trim(cents, ",.€ ") + " €"
		if p := ParsePrice(text, doc.Host()); p != nil {
			return p
		}
	}
	return c.SelectorStrategy.Price(doc)
}

var jdSelectors = SelectorSet{
	Platform:    "jd",
	Title:       []string{".sku-name", ".itemInfo-wrap .sku-name"},
	Price:       []string{".p-price .price", ".summary-price .p-price"},
	Description: []string{".news", "#detail .detail-content"},
	Images:      []string{".spec-img img", ".zoom-thumb img", ".spec-n1 img", "#spec-list img"},
	Rating:      []string{".comment-item .comment-star", ".percent-con"},
	ReviewCount: []string{".comment-count", "#comment-count a"},
	Brand:       []string{"#parameter-brand li a", ".p-parameter-list li[title] a"},
	Seller:      []string{".J-hove-wrap .name a", ".shopName strong a"},
	Category:    []string{"#crumb-wrap .crumb .item a"},
	SpecRows:    []string{".parameter2 li", ".Ptable-item dl", ".Ptable-item"},
	SpecKey:     ".dt, dt, .Ptable-item-name",
	SpecValue:   ".dd, dd, .Ptable-item-value",
}

var jdItemID = regexp.MustCompile(`/(\d{5,})\.html`)

// JD reads item.jd.com pages. Prices there are always yuan.
type JD struct {
	*SelectorStrategy
}

func NewJD() *JD {
	return &JD{SelectorStrategy: mustSelectorStrategy(jdSelectors)}
}

func (j *JD) Price(doc *Document) *models.Price {
	p := j.SelectorStrategy.Price(doc)
	if p != nil {
		p.Currency = "CNY"
	}
	return p
}

// SKU is the numeric item id from the URL.
func (j *JD) SKU(doc *Document) string {
	if m := jdItemID.FindStringSubmatch(doc.URL()); m != nil {
		return m[1]
	}
	return j.SelectorStrategy.SKU(doc)
}

// Specifications splits "key：value" list items of the parameter block,
// which carry no separate key element.
func (j *JD) Specifications(doc *Document) map[string]string {
	specs := j.SelectorStrategy.Specifications(doc)
	doc.Find(".parameter2 li").Each(func(_ int, li *goquery.Selection) {
		text := cleanText(li.Text())
		for _, sep := range []string{"：", ":"} {
			if k, v, ok := strings.Cut(text, sep); ok {
				k, v = strings.TrimSpace(k), strings.TrimSpace(v)
				if k != "" && v != "" {
					if _, exists := specs[k]; !exists {
						specs[k] = v
					}
				}
				break
			}
		}
	})
	return specs
}
