package platform

import (
	"fmt"
	"regexp"
	"strings"
)

type RuleKind string

const (
	RuleURL  RuleKind = "url"
	RuleHTML RuleKind = "html"
)

// Rule adds Weight to a signature's score when Pattern matches. URL rules
// see the lowercased host and path, HTML rules the raw markup.
type Rule struct {
	Kind      RuleKind `mapstructure:"kind" json:"kind"`
	Pattern   string   `mapstructure:"pattern" json:"pattern"`
	Weight    float64  `mapstructure:"weight" json:"weight"`
	Indicator string   `mapstructure:"indicator" json:"indicator"`

	re *regexp.Regexp
}

// Signature identifies one e-commerce platform.
type Signature struct {
	ID    string `mapstructure:"id" json:"id"`
	Name  string `mapstructure:"name" json:"name"`
	Rules []Rule `mapstructure:"rules" json:"rules"`
}

func (s *Signature) compile() error {
	s.ID = strings.ToLower(strings.TrimSpace(s.ID))
	if s.ID == "" {
		return fmt.Errorf("signature without id")
	}
	if len(s.Rules) == 0 {
		return fmt.Errorf("signature %s has no rules", s.ID)
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	rules := make([]Rule, len(s.Rules))
	for i, r := range s.Rules {
		if r.Kind != RuleURL && r.Kind != RuleHTML {
			return fmt.Errorf("signature %s rule %d: unknown kind %q", s.ID, i, r.Kind)
		}
		if r.Weight <= 0 {
			return fmt.Errorf("signature %s rule %d: weight must be positive", s.ID, i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("signature %s rule %d: %w", s.ID, i, err)
		}
		r.re = re
		if r.Indicator == "" {
			r.Indicator = string(r.Kind) + ":" + r.Pattern
		}
		rules[i] = r
	}
	s.Rules = rules
	return nil
}

func urlRule(pattern string, weight float64, indicator string) Rule {
	return Rule{Kind: RuleURL, Pattern: pattern, Weight: weight, Indicator: indicator}
}

func htmlRule(pattern string, weight float64, indicator string) Rule {
	return Rule{Kind: RuleHTML, Pattern: pattern, Weight: weight, Indicator: indicator}
}

// DefaultSignatures are the platforms recognised out of the box.
func DefaultSignatures() []Signature {
	return []Signature{
		{
			ID:   "amazon",
			Name: "Amazon",
			Rules: []Rule{
				urlRule(`(^|\.)amazon\.[a-z.]+(/|$)`, 0.6, "domain:amazon"),
				urlRule(`/(dp|gp/product)/[a-z0-9]{10}`, 0.2, "url:asin_path"),
				htmlRule(`id="productTitle"`, 0.3, "html:#productTitle"),
				htmlRule(`id="(dp-container|ppd)"`, 0.2, "html:#dp-container"),
				htmlRule(`data-asin="[A-Z0-9]{10}"`, 0.1, "html:data-asin"),
			},
		},
		{
			ID:   "ebay",
			Name: "eBay",
			Rules: []Rule{
				urlRule(`(^|\.)ebay\.[a-z.]+(/|$)`, 0.6, "domain:ebay"),
				urlRule(`/itm/`, 0.2, "url:itm_path"),
				htmlRule(`x-item-title`, 0.3, "html:.x-item-title"),
				htmlRule(`(?i)ebaystatic\.com`, 0.2, "html:ebaystatic"),
			},
		},
		{
			ID:   "shopify",
			Name: "Shopify",
			Rules: []Rule{
				urlRule(`\.myshopify\.com(/|$)`, 0.6, "domain:myshopify"),
				urlRule(`/products/[^/]+`, 0.1, "url:products_path"),
				htmlRule(`window\.Shopify`, 0.4, "html:window.Shopify"),
				htmlRule(`cdn\.shopify\.com`, 0.3, "html:cdn.shopify.com"),
				htmlRule(`(?i)shopify-section`, 0.1, "html:shopify-section"),
			},
		},
		{
			ID:   "woocommerce",
			Name: "WooCommerce",
			Rules: []Rule{
				urlRule(`/product/[^/]+`, 0.1, "url:product_path"),
				htmlRule(`woocommerce-Price-amount`, 0.3, "html:.woocommerce-Price-amount"),
				htmlRule(`wp-content/plugins/woocommerce`, 0.3, "html:woocommerce_plugin"),
				htmlRule(`(?i)class="[^"]*\bwoocommerce\b`, 0.2, "html:.woocommerce"),
			},
		},
		{
			ID:   "bol",
			Name: "bol.com",
			Rules: []Rule{
				urlRule(`(^|\.)bol\.com(/|$)`, 0.6, "domain:bol"),
				urlRule(`/p/[^/]+/\d+`, 0.1, "url:bol_product_path"),
				htmlRule(`data-test="title"`, 0.2, "html:data-test=title"),
				htmlRule(`(?i)bol\.com`, 0.1, "html:bol.com"),
			},
		},
		{
			ID:   "otto",
			Name: "OTTO",
			Rules: []Rule{
				urlRule(`(^|\.)otto\.de(/|$)`, 0.6, "domain:otto"),
				urlRule(`/p/[^/]+`, 0.1, "url:otto_product_path"),
				htmlRule(`pdp_short-info`, 0.2, "html:.pdp_short-info"),
				htmlRule(`(?i)i\.otto\.de`, 0.2, "html:i.otto.de"),
			},
		},
		{
			ID:   "cdiscount",
			Name: "Cdiscount",
			Rules: []Rule{
				urlRule(`(^|\.)cdiscount\.com(/|$)`, 0.6, "domain:cdiscount"),
				urlRule(`/f-\d+-[a-z0-9]+\.html`, 0.2, "url:cdiscount_product_path"),
				htmlRule(`(?i)fpPrice|c-product__title`, 0.2, "html:cdiscount_product"),
			},
		},
		{
			ID:   "jd",
			Name: "JD.com",
			Rules: []Rule{
				urlRule(`(^|\.)jd\.(com|hk)(/|$)`, 0.6, "domain:jd"),
				urlRule(`item\.jd\.[a-z]+/\d+\.html`, 0.2, "url:jd_item"),
				htmlRule(`(?i)360buyimg\.com`, 0.3, "html:360buyimg"),
				htmlRule(`class="sku-name"`, 0.2, "html:.sku-name"),
			},
		},
		{
			ID:   "zalando",
			Name: "Zalando",
			Rules: []Rule{
				urlRule(`(^|\.)zalando\.[a-z.]+(/|$)`, 0.6, "domain:zalando"),
				htmlRule(`(?i)img01\.ztat\.net`, 0.3, "html:ztat.net"),
			},
		},
		{
			ID:   "bigcommerce",
			Name: "BigCommerce",
			Rules: []Rule{
				urlRule(`\.mybigcommerce\.com(/|$)`, 0.6, "domain:mybigcommerce"),
				htmlRule(`cdn\d*\.bigcommerce\.com`, 0.3, "html:cdn.bigcommerce.com"),
				htmlRule(`(?i)BCData`, 0.3, "html:BCData"),
			},
		},
	}
}
