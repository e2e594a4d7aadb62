package scheduler

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/maltedev/product-scraper/internal/models"
)

// validateURL rejects anything a worker should never navigate to.
func validateURL(raw string, allowed, denied []string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, models.NewError(models.KindInvalidURL, "url is required", nil)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, models.NewError(models.KindInvalidURL, fmt.Sprintf("malformed url %q", raw), err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, models.NewError(models.KindInvalidURL, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, models.NewError(models.KindInvalidURL, "url has no host", nil)
	}
	if matchesHost(host, denied) {
		return nil, models.NewError(models.KindInvalidURL, fmt.Sprintf("host %s is not allowed", host), nil)
	}
	if len(allowed) > 0 && !matchesHost(host, allowed) {
		return nil, models.NewError(models.KindInvalidURL, fmt.Sprintf("host %s is not in the allow list", host), nil)
	}
	return u, nil
}

// matchesHost reports whether host equals one of patterns or is a
// subdomain of one.
func matchesHost(host string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(p), "*."))
		if p == "" {
			continue
		}
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}
