package browser

import (
	"context"
	"time"

	"github.com/maltedev/product-scraper/internal/challenge"
	"github.com/maltedev/product-scraper/internal/identity"
)

// SessionOptions tune a single browser session.
type SessionOptions struct {
	BlockImages       bool
	NavigationTimeout time.Duration
	IdleTimeout       time.Duration
	ExtraHeaders      map[string]string
}

// Session is one isolated browsing context bound to one identity.
type Session interface {
	challenge.Page

	// Navigate loads url and returns the main document's HTTP status
	// (0 when unknown).
	Navigate(ctx context.Context, url string) (int, error)
	URL() string
	// ClearState drops cookies and web storage.
	ClearState(ctx context.Context) error
	Humanize(ctx context.Context) error
	Close() error
}

// Driver opens sessions. Implementations must be safe for concurrent use.
type Driver interface {
	Open(ctx context.Context, id identity.Identity, opts SessionOptions) (Session, error)
	Close() error
}

type Options struct {
	Headless          bool
	NavigationTimeout time.Duration
	IdleTimeout       time.Duration
	SettleDelay       time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ExtraHeaders      map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:          true,
		NavigationTimeout: 30 * time.Second,
		IdleTimeout:       10 * time.Second,
		SettleDelay:       1500 * time.Millisecond,
		MaxRetries:        2,
		BackoffBase:       time.Second,
		BackoffMax:        15 * time.Second,
		ExtraHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9,de;q=0.8",
			"DNT":             "1",
		},
	}
}
