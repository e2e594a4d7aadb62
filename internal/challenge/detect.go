package challenge

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Detection describes the challenge markers found in a rendered page.
type Detection struct {
	Detected bool     `json:"detected"`
	Kind     string   `json:"kind,omitempty"`
	Markers  []string `json:"markers,omitempty"`
}

type marker struct {
	kind  string
	value string
}

var elementMarkers = []marker{
	{"altcha", "altcha-widget"},
	{"altcha", "altcha-challenge"},
	{"altcha", "[data-altcha]"},
	{"altcha", "[data-altcha-challenge]"},
	{"altcha", "#altcha"},
	{"captcha", "#captchacharacters"},
	{"captcha", "form[action*='Captcha']"},
	{"captcha", "form[action*='captcha']"},
	{"captcha", "iframe[src*='captcha']"},
	{"captcha", ".g-recaptcha"},
	{"captcha", ".h-captcha"},
	{"captcha", "#px-captcha"},
	{"cloudflare", "#challenge-form"},
	{"cloudflare", "#cf-challenge-running"},
}

var scriptMarkers = []struct {
	kind    string
	name    string
	pattern *regexp.Regexp
}{
	{"altcha", "window.altchaChallenge", regexp.MustCompile(`window\.altchaChallenge\s*=`)},
	{"altcha", "altcha.challenge", regexp.MustCompile(`altcha\.challenge\s*=`)},
	{"altcha", "baleen captcha", regexp.MustCompile(`/\.well-known/baleen/captcha/generate`)},
	{"cloudflare", "window.__CF$cv$params", regexp.MustCompile(`window\.__CF\$cv\$params`)},
	{"cloudflare", "_cf_chl_opt", regexp.MustCompile(`_cf_chl_opt`)},
}

var textMarkers = []marker{
	{"interstitial", "klicke auf die schaltfläche unten"},
	{"interstitial", "enter the characters you see below"},
	{"interstitial", "verify you are human"},
	{"interstitial", "prove you are human"},
	{"interstitial", "je ne suis pas un robot"},
	{"interstitial", "i'm not a robot"},
	{"interstitial", "checking your browser before accessing"},
}

// DetectHTML scans rendered HTML for challenge widgets. The markup is
// parsed once and never modified.
func DetectHTML(html string) Detection {
	var d Detection
	if strings.TrimSpace(html) == "" {
		return d
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		for _, m := range elementMarkers {
			if doc.Find(m.value).Length() > 0 {
				d.add(m.kind, m.value)
			}
		}
	}

	for _, m := range scriptMarkers {
		if m.pattern.MatchString(html) {
			d.add(m.kind, m.name)
		}
	}

	var text string
	if doc != nil {
		text = strings.ToLower(doc.Find("body").Text())
	} else {
		text = strings.ToLower(html)
	}
	for _, m := range textMarkers {
		if strings.Contains(text, m.value) {
			d.add(m.kind, m.value)
		}
	}

	return d
}

func (d *Detection) add(kind, value string) {
	if !d.Detected {
		d.Detected = true
		d.Kind = kind
	}
	d.Markers = append(d.Markers, value)
}

// blockIndicators are plain-text signs of an IP or rate block rather than
// a solvable widget. Title-only indicators are phrases shops also print in
// ordinary product copy ("Es tut uns leid, ... nicht lieferbar").
var blockIndicators = []struct {
	phrase    string
	titleOnly bool
}{
	{"has been temporarily blocked", false},
	{"access temporarily unavailable", false},
	{"rate limit exceeded", false},
	{"too many requests", false},
	{"access denied", false},
	{"tut uns leid", true},
}

// productMarkers mean the target served a real product page, whatever
// its copy says.
var productMarkers = []string{
	"h1",
	`[itemprop="price"]`,
	`[itemtype*="schema.org/Product"]`,
	`meta[property="og:type"][content*="product"]`,
	`meta[property="product:price:amount"]`,
}

const maxBlockPageText = 2000

// LooksBlocked reports whether the page is a block page. The title is
// always checked; body text only on short pages without product markers.
func LooksBlocked(html string) (string, bool) {
	if len(html) > 200_000 {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}

	title := strings.ToLower(doc.Find("title").Text())
	for _, ind := range blockIndicators {
		if strings.Contains(title, ind.phrase) {
			return ind.phrase, true
		}
	}

	if hasProductMarkers(doc) {
		return "", false
	}
	body := strings.ToLower(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
	if len(body) > maxBlockPageText {
		return "", false
	}
	for _, ind := range blockIndicators {
		if !ind.titleOnly && strings.Contains(body, ind.phrase) {
			return ind.phrase, true
		}
	}
	return "", false
}

func hasProductMarkers(doc *goquery.Document) bool {
	for _, sel := range productMarkers {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	for _, text := range doc.Find(`script[type="application/ld+json"]`).Map(func(_ int, s *goquery.Selection) string {
		return s.Text()
	}) {
		if strings.Contains(text, `"Product"`) {
			return true
		}
	}
	return false
}
