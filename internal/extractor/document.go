package extractor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Document is a parsed page. Strategies only read from it.
type Document struct {
	doc  *goquery.Document
	url  *url.URL
	html string

	ldOnce  sync.Once
	ldNodes []map[string]any
}

func NewDocument(html, pageURL string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url: %w", err)
	}
	return &Document{doc: doc, url: u, html: html}, nil
}

func (d *Document) URL() string {
	return d.url.String()
}

func (d *Document) Host() string {
	return strings.ToLower(d.url.Hostname())
}

// HTML returns the source markup.
func (d *Document) HTML() string {
	return d.html
}

func (d *Document) Find(selector string) *goquery.Selection {
	return d.doc.Find(selector)
}

// Text returns the trimmed text of the first selector that yields any.
func (d *Document) Text(selectors ...string) string {
	for _, sel := range selectors {
		var found string
		d.doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if t := cleanText(s.Text()); t != "" {
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

// Attr returns the first non-empty attr value across selectors.
func (d *Document) Attr(attr string, selectors ...string) string {
	for _, sel := range selectors {
		var found string
		d.doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				found = strings.TrimSpace(v)
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

// Meta reads <meta property|name|itemprop=key content=...>.
func (d *Document) Meta(keys ...string) string {
	for _, k := range keys {
		for _, attr := range []string{"property", "name", "itemprop"} {
			if v := d.Attr("content", fmt.Sprintf(`meta[%s=%q]`, attr, k)); v != "" {
				return v
			}
		}
	}
	return ""
}

// InnerHTML returns the markup inside the first match.
func (d *Document) InnerHTML(selectors ...string) string {
	for _, sel := range selectors {
		s := d.doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		h, err := s.Html()
		if err == nil && strings.TrimSpace(h) != "" {
			return h
		}
	}
	return ""
}

// Resolve turns href into an absolute URL against the page. Protocol
// relative URLs get the page's scheme.
func (d *Document) Resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "data:") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := d.url.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// Images resolves and deduplicates image URLs in order.
func (d *Document) Images(candidates []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		abs := d.Resolve(c)
		if abs == "" || seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	return out
}

var imageAttrs = []string{
	"data-old-hires",
	"data-zoom-src",
	"data-zoom-image",
	"data-large_image",
	"data-large-image",
	"data-src",
	"src",
	"href",
	"content",
}

// ImageSources collects src-like attributes from the matched elements.
func (d *Document) ImageSources(selectors ...string) []string {
	var raw []string
	for _, sel := range selectors {
		d.doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			for _, attr := range imageAttrs {
				if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
					raw = append(raw, v)
					return
				}
			}
			if srcset, ok := s.Attr("srcset"); ok {
				if first := firstSrcset(srcset); first != "" {
					raw = append(raw, first)
				}
			}
		})
	}
	return d.Images(raw)
}

func firstSrcset(srcset string) string {
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// Pairs collects key/value rows such as spec tables and definition lists.
func (d *Document) Pairs(rowSel, keySel, valueSel string) map[string]string {
	out := make(map[string]string)
	d.doc.Find(rowSel).Each(func(_ int, row *goquery.Selection) {
		key := row.Find(keySel).First()
		val := row.Find(valueSel).Last()
		if key.Length() == 0 || val.Length() == 0 || key.IsSelection(val) {
			return
		}
		k := strings.TrimSuffix(cleanText(key.Text()), ":")
		v := cleanText(val.Text())
		if k == "" || v == "" {
			return
		}
		if _, dup := out[k]; !dup {
			out[k] = v
		}
	})
	return out
}

// DefinitionList reads <dt>/<dd> pairs below sel.
func (d *Document) DefinitionList(sel string) map[string]string {
	out := make(map[string]string)
	d.doc.Find(sel).Find("dt").Each(func(_ int, dt *goquery.Selection) {
		k := strings.TrimSuffix(cleanText(dt.Text()), ":")
		v := cleanText(dt.NextFiltered("dd").Text())
		if k != "" && v != "" {
			if _, dup := out[k]; !dup {
				out[k] = v
			}
		}
	})
	return out
}

// JSONLD returns every JSON-LD node on the page, with @graph and arrays
// flattened. Malformed blocks are skipped.
func (d *Document) JSONLD() []map[string]any {
	d.ldOnce.Do(func() {
		d.doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
			raw := strings.TrimSpace(s.Text())
			if raw == "" {
				return
			}
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return
			}
			d.ldNodes = append(d.ldNodes, flattenLD(v)...)
		})
	})
	return d.ldNodes
}

func flattenLD(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		var out []map[string]any
		for _, item := range t {
			out = append(out, flattenLD(item)...)
		}
		return out
	case map[string]any:
		out := []map[string]any{t}
		if g, ok := t["@graph"]; ok {
			out = append(out, flattenLD(g)...)
		}
		return out
	}
	return nil
}

// Product returns the first JSON-LD node typed Product, or nil.
func (d *Document) Product() map[string]any {
	for _, n := range d.JSONLD() {
		if ldHasType(n, "Product") || ldHasType(n, "ProductGroup") {
			return n
		}
	}
	return nil
}

func ldHasType(n map[string]any, want string) bool {
	switch t := n["@type"].(type) {
	case string:
		return strings.EqualFold(t, want) || strings.HasSuffix(t, "/"+want)
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
