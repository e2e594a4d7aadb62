package platform

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/maltedev/product-scraper/internal/models"
)

const DefaultThreshold = 0.5

// Result is the classifier's verdict for one page.
type Result struct {
	Platform   string   `json:"platform"`
	Confidence float64  `json:"confidence"`
	Indicators []string `json:"indicators"`
}

// Classifier scores pages against a fixed set of signatures. It holds no
// mutable state after construction and is safe for concurrent use.
type Classifier struct {
	signatures []Signature
	threshold  float64
}

// NewClassifier compiles the default signatures plus extra. An extra
// signature with an existing id replaces the built-in one.
func NewClassifier(extra []Signature, threshold float64) (*Classifier, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}

	byID := make(map[string]int)
	var sigs []Signature
	for _, s := range append(DefaultSignatures(), extra...) {
		if err := s.compile(); err != nil {
			return nil, fmt.Errorf("invalid platform signature: %w", err)
		}
		if s.ID == models.GenericPlatform {
			return nil, fmt.Errorf("signature id %q is reserved", s.ID)
		}
		if i, ok := byID[s.ID]; ok {
			sigs[i] = s
			continue
		}
		byID[s.ID] = len(sigs)
		sigs = append(sigs, s)
	}

	sort.Slice(sigs, func(i, j int) bool { return sigs[i].ID < sigs[j].ID })

	return &Classifier{signatures: sigs, threshold: threshold}, nil
}

type score struct {
	id         string
	total      float64
	urlScore   float64
	indicators []string
}

// Classify scores rawURL and html against every signature. The winner is
// the highest score at or above the threshold; ties go to the signature
// with the higher URL score, then to the lexically smaller id.
func (c *Classifier) Classify(rawURL, html string) Result {
	target := urlTarget(rawURL)

	var best *score
	for i := range c.signatures {
		s := c.score(&c.signatures[i], target, html)
		if s.total == 0 {
			continue
		}
		if best == nil || better(s, best) {
			best = s
		}
	}

	if best == nil || min(best.total, 1) < c.threshold {
		res := Result{Platform: models.GenericPlatform, Indicators: []string{}}
		if best != nil {
			res.Confidence = roundScore(min(best.total, 1))
			res.Indicators = best.indicators
		}
		return res
	}

	return Result{
		Platform:   best.id,
		Confidence: roundScore(min(best.total, 1)),
		Indicators: best.indicators,
	}
}

// ClassifyURL classifies from the URL alone.
func (c *Classifier) ClassifyURL(rawURL string) Result {
	return c.Classify(rawURL, "")
}

func (c *Classifier) score(sig *Signature, target, html string) *score {
	s := &score{id: sig.ID}
	for _, r := range sig.Rules {
		var matched bool
		switch r.Kind {
		case RuleURL:
			matched = target != "" && r.re.MatchString(target)
		case RuleHTML:
			matched = html != "" && r.re.MatchString(html)
		}
		if !matched {
			continue
		}
		s.total += r.Weight
		if r.Kind == RuleURL {
			s.urlScore += r.Weight
		}
		s.indicators = append(s.indicators, r.Indicator)
	}
	return s
}

func better(a, b *score) bool {
	at, bt := roundScore(min(a.total, 1)), roundScore(min(b.total, 1))
	if at != bt {
		return at > bt
	}
	if a.urlScore != b.urlScore {
		return a.urlScore > b.urlScore
	}
	return a.id < b.id
}

// roundScore removes float noise so sums like 0.1+0.2 compare stably.
func roundScore(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}

func urlTarget(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname() + u.EscapedPath())
}

// Signatures returns the compiled signatures ordered by id.
func (c *Classifier) Signatures() []Signature {
	out := make([]Signature, len(c.signatures))
	copy(out, c.signatures)
	return out
}

func (c *Classifier) Threshold() float64 {
	return c.threshold
}
