// Package engine assembles the scrape pipeline from configuration.
package engine

import (
	"log/slog"

	"github.com/maltedev/product-scraper/internal/browser"
	"github.com/maltedev/product-scraper/internal/cache"
	"github.com/maltedev/product-scraper/internal/challenge"
	"github.com/maltedev/product-scraper/internal/config"
	"github.com/maltedev/product-scraper/internal/extractor"
	"github.com/maltedev/product-scraper/internal/identity"
	"github.com/maltedev/product-scraper/internal/metrics"
	"github.com/maltedev/product-scraper/internal/platform"
	"github.com/maltedev/product-scraper/internal/ratelimit"
	"github.com/maltedev/product-scraper/internal/scraper"
)

// Engine holds the wired pipeline components. The driver and cache are
// owned by the caller.
type Engine struct {
	Pool       *identity.Pool
	Fetcher    *browser.Manager
	Classifier *platform.Classifier
	Registry   *extractor.Registry
	Cache      cache.Cache
	Service    *scraper.Service
}

// BrowserOptions maps the browser section of cfg to driver options.
func BrowserOptions(cfg *config.Config) *browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = cfg.Browser.Headless
	opts.NavigationTimeout = cfg.Browser.NavigationTimeout
	opts.IdleTimeout = cfg.Browser.IdleTimeout
	opts.SettleDelay = cfg.Browser.SettleDelay
	opts.MaxRetries = cfg.Browser.MaxRetries
	opts.BackoffBase = cfg.Browser.BackoffBase
	opts.BackoffMax = cfg.Browser.BackoffMax
	if cfg.Browser.AcceptLanguage != "" {
		opts.ExtraHeaders["Accept-Language"] = cfg.Browser.AcceptLanguage
	}
	return opts
}

func New(cfg *config.Config, driver browser.Driver, c cache.Cache, sink metrics.Sink, logger *slog.Logger) (*Engine, error) {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	classifier, err := cfg.Rules.Classifier(cfg.Platform.Threshold)
	if err != nil {
		return nil, err
	}
	registry, err := cfg.Rules.Registry()
	if err != nil {
		return nil, err
	}

	pool := identity.NewPool(identity.Config{
		Proxies:          cfg.Identity.Proxies,
		UserAgents:       cfg.Identity.UserAgents,
		Viewports:        cfg.Identity.Viewports,
		Locale:           cfg.Identity.Locale,
		TimezoneID:       cfg.Identity.TimezoneID,
		FailureThreshold: cfg.Identity.FailureThreshold,
		Cooldown:         cfg.Identity.Cooldown,
		AllowDirect:      cfg.Identity.AllowDirect,
	}, logger)

	challengeCfg := challenge.DefaultConfig()
	challengeCfg.InteractiveTimeout = cfg.Challenge.InteractiveTimeout
	challengeCfg.ManualTimeout = cfg.Challenge.ManualTimeout
	challengeCfg.ManualEnabled = cfg.Challenge.ManualEnabled
	challengeCfg.PoWBudget = cfg.Challenge.PoWBudget
	challenges := challenge.NewHandler(challengeCfg, sink, logger)

	limiter := ratelimit.NewHostLimiter(cfg.RateLimit.MinDelay, cfg.RateLimit.MaxDelay, cfg.RateLimit.RequestsPerMinute)

	manager := browser.NewManager(driver, pool, challenges, limiter, BrowserOptions(cfg), sink, logger)

	service := scraper.NewService(manager, classifier, registry, c, scraper.Options{
		CacheTTL: cfg.Cache.TTL,
		Humanize: cfg.Browser.Humanize,
	}, sink, logger)

	logger.Info("engine ready",
		"signatures", len(classifier.Signatures()),
		"extractors", len(registry.Platforms()),
		"proxies", len(cfg.Identity.Proxies),
		"cache", c.Backend())

	return &Engine{
		Pool:       pool,
		Fetcher:    manager,
		Classifier: classifier,
		Registry:   registry,
		Cache:      c,
		Service:    service,
	}, nil
}
