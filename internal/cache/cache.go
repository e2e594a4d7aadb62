package cache

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/maltedev/product-scraper/internal/models"
)

const DefaultTTL = time.Hour

// Cache stores extracted records by normalized URL. Implementations store
// and return copies so callers can never mutate a cached record.
type Cache interface {
	Get(ctx context.Context, key string) (*models.ProductRecord, bool, error)
	Put(ctx context.Context, key string, rec *models.ProductRecord, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Backend() string
}

// Entry is a cached record with the time it was stored.
type Entry struct {
	Record   *models.ProductRecord `json:"record"`
	StoredAt time.Time             `json:"stored_at"`
}

var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"msclkid": true,
	"mc_cid":  true,
	"mc_eid":  true,
	"_ga":     true,
	"ref":     true,
	"ref_":    true,
	"igshid":  true,
	"yclid":   true,
	"spm":     true,
}

func isTrackingParam(name string) bool {
	name = strings.ToLower(name)
	return trackingParams[name] || strings.HasPrefix(name, "utm_")
}

// NormalizeURL returns the cache key for rawURL: lowercase scheme and host,
// default port dropped, fragment dropped, tracking parameters removed and
// the remaining query sorted. The path is kept as is.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		if !isTrackingParam(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := query[k]
		sort.Strings(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = b.String()
	u.ForceQuery = false

	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
