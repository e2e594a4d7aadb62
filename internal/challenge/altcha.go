package challenge

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	ErrNoChallenge     = errors.New("no proof-of-work challenge found")
	ErrBudgetExceeded  = errors.New("proof-of-work iteration budget exceeded")
	ErrUnsupportedAlgo = errors.New("unsupported proof-of-work algorithm")
)

// AltchaChallenge is the payload an ALTCHA style widget embeds: the
// solution is the number n for which hash(salt + n) equals Challenge.
type AltchaChallenge struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
	Signature string `json:"signature,omitempty"`
	MaxNumber int    `json:"maxnumber,omitempty"`

	// ChallengeURL is set when the widget loads its payload lazily.
	ChallengeURL string `json:"-"`
}

type AltchaSolution struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	Number    int    `json:"number"`
	Salt      string `json:"salt"`
	Signature string `json:"signature,omitempty"`
	Took      int64  `json:"took"`
}

// Payload is the base64 JSON form the widget posts back.
func (s *AltchaSolution) Payload() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal solution: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

var scriptPayloadPatterns = []*regexp.Regexp{
	regexp.MustCompile(`window\.altchaChallenge\s*=\s*["']([^"']+)["']`),
	regexp.MustCompile(`altcha\.challenge\s*=\s*["']([^"']+)["']`),
	regexp.MustCompile(`["']?challengejson["']?\s*[:=]\s*'(\{[^']+\})'`),
}

// ParseAltcha pulls the challenge payload from widget attributes or
// script globals.
func ParseAltcha(html string) (*AltchaChallenge, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var found *AltchaChallenge
	doc.Find("altcha-widget, altcha-challenge, [data-altcha], [data-altcha-challenge]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if raw, ok := s.Attr("challengejson"); ok {
			if c, err := decodeChallenge(raw); err == nil {
				found = c
				return false
			}
		}
		for _, attr := range []string{"data-challenge", "data-altcha-challenge", "data-altcha"} {
			raw, ok := s.Attr(attr)
			if !ok || raw == "" {
				continue
			}
			if c, err := decodeChallenge(raw); err == nil {
				found = c
				return false
			}
			if salt, ok := s.Attr("data-salt"); ok && isHexDigest(raw) {
				found = &AltchaChallenge{Algorithm: "SHA-256", Challenge: raw, Salt: salt}
				return false
			}
		}
		if u, ok := s.Attr("challengeurl"); ok && u != "" {
			found = &AltchaChallenge{ChallengeURL: u}
			return false
		}
		return true
	})
	if found != nil {
		return found.withDefaults(), nil
	}

	for _, re := range scriptPayloadPatterns {
		m := re.FindStringSubmatch(html)
		if len(m) < 2 {
			continue
		}
		if c, err := decodeChallenge(m[1]); err == nil {
			return c.withDefaults(), nil
		}
	}

	return nil, ErrNoChallenge
}

// decodeChallenge accepts raw JSON or base64 encoded JSON.
func decodeChallenge(raw string) (*AltchaChallenge, error) {
	raw = strings.TrimSpace(raw)
	data := []byte(raw)
	if !strings.HasPrefix(raw, "{") {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(raw)
			if err != nil {
				return nil, fmt.Errorf("challenge is neither JSON nor base64: %w", err)
			}
		}
		data = decoded
	}

	var c AltchaChallenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	if c.Challenge == "" || c.Salt == "" {
		return nil, ErrNoChallenge
	}
	return &c, nil
}

func (c *AltchaChallenge) withDefaults() *AltchaChallenge {
	if c.Algorithm == "" {
		c.Algorithm = "SHA-256"
	}
	if c.MaxNumber <= 0 {
		c.MaxNumber = 1_000_000
	}
	return c
}

func isHexDigest(s string) bool {
	if len(s) != 40 && len(s) != 64 && len(s) != 128 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToUpper(strings.ReplaceAll(algorithm, "_", "-")) {
	case "SHA-1", "SHA1":
		return sha1.New(), nil
	case "SHA-256", "SHA256", "":
		return sha256.New(), nil
	case "SHA-512", "SHA512":
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgo, algorithm)
}

// SolveAltcha searches n in [0, min(MaxNumber, budget)] for
// hash(salt+n) == challenge. The construction is what current widgets
// use; sites can change it without notice.
func SolveAltcha(ctx context.Context, c *AltchaChallenge, budget int) (*AltchaSolution, error) {
	if c == nil || c.Challenge == "" {
		return nil, ErrNoChallenge
	}
	h, err := newHash(c.Algorithm)
	if err != nil {
		return nil, err
	}

	target := strings.ToLower(c.Challenge)
	limit := c.MaxNumber
	if limit <= 0 {
		limit = 1_000_000
	}
	if budget > 0 && budget < limit {
		limit = budget
	}

	start := time.Now()
	buf := make([]byte, 0, len(c.Salt)+20)
	sum := make([]byte, 0, h.Size())
	for n := 0; n <= limit; n++ {
		if n%10_000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		buf = append(buf[:0], c.Salt...)
		buf = strconv.AppendInt(buf, int64(n), 10)
		h.Reset()
		h.Write(buf)
		sum = h.Sum(sum[:0])
		if hex.EncodeToString(sum) == target {
			return &AltchaSolution{
				Algorithm: c.Algorithm,
				Challenge: c.Challenge,
				Number:    n,
				Salt:      c.Salt,
				Signature: c.Signature,
				Took:      time.Since(start).Milliseconds(),
			}, nil
		}
	}

	return nil, fmt.Errorf("%w after %d iterations", ErrBudgetExceeded, limit)
}
