package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-scraper/internal/browser"
	"github.com/maltedev/product-scraper/internal/cache"
	"github.com/maltedev/product-scraper/internal/config"
	"github.com/maltedev/product-scraper/internal/identity"
	"github.com/maltedev/product-scraper/internal/metrics"
	"github.com/maltedev/product-scraper/internal/scraper"
)

const exampleShopHTML = `<html><body>
<div data-es-product="1">
  <h1 class="es-title">Trail Runner</h1>
  <span class="es-price">89,95 €</span>
  <img class="es-gallery" src="https://cdn.example-shop.test/1.jpg">
</div>
</body></html>`

type staticSession struct {
	html string
	url  string
}

func (s *staticSession) Navigate(ctx context.Context, url string) (int, error) {
	s.url = url
	return 200, ctx.Err()
}
func (s *staticSession) URL() string                        { return s.url }
func (s *staticSession) Content() (string, error)           { return s.html, nil }
func (s *staticSession) Count(string) (int, error)          { return 0, nil }
func (s *staticSession) Click(string) error                 { return errors.New("nothing to click") }
func (s *staticSession) Evaluate(string, any) (any, error)  { return nil, errors.New("no script engine") }
func (s *staticSession) Reload(ctx context.Context) error   { return ctx.Err() }
func (s *staticSession) Rotate(ctx context.Context) error   { return ctx.Err() }
func (s *staticSession) ClearState(context.Context) error   { return nil }
func (s *staticSession) Humanize(ctx context.Context) error { return ctx.Err() }
func (s *staticSession) Close() error                       { return nil }

type staticDriver struct {
	mu     sync.Mutex
	html   string
	opened []identity.Identity
	opts   []browser.SessionOptions
}

func (d *staticDriver) Open(ctx context.Context, id identity.Identity, opts browser.SessionOptions) (browser.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = append(d.opened, id)
	d.opts = append(d.opts, opts)
	return &staticSession{html: d.html}, nil
}

func (d *staticDriver) Close() error { return nil }

func testConfig(t *testing.T, rules string) *config.Config {
	t.Helper()
	if rules != "" {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(rules), 0o600))
		t.Setenv("RULES_FILE", path)
	}
	t.Setenv("SCRAPER_RATE_LIMIT_MIN", "0s")
	t.Setenv("SCRAPER_RATE_LIMIT_MAX", "0s")
	t.Setenv("SCRAPER_REQUESTS_PER_MINUTE", "0")
	t.Setenv("BROWSER_SETTLE_DELAY", "0s")
	t.Setenv("BROWSER_HUMANIZE", "false")
	t.Setenv("SCRAPER_MAX_RETRIES", "0")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNew_WiresRulesIntoPipeline(t *testing.T) {
	cfg := testConfig(t, `
signatures:
  - id: example-shop
    name: Example Shop
    rules:
      - {kind: url, pattern: example-shop\.test, weight: 0.6, indicator: "domain:example-shop"}
      - {kind: html, pattern: data-es-product, weight: 0.3, indicator: "html:data-es-product"}
selectors:
  - platform: example-shop
    title: ["h1.es-title"]
    price: [".es-price"]
    images: ["img.es-gallery"]
`)
	driver := &staticDriver{html: exampleShopHTML}
	mem := cache.NewMemory(0)
	defer mem.Close()

	eng, err := New(cfg, driver, mem, metrics.Nop{}, nil)
	require.NoError(t, err)
	assert.Contains(t, eng.Registry.Platforms(), "example-shop")

	res, err := eng.Service.Scrape(context.Background(), scraper.Request{
		URL:         "https://example-shop.test/p/trail-runner",
		BlockImages: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "example-shop", res.Classification.Platform)
	assert.InDelta(t, 0.9, res.Classification.Confidence, 1e-9)
	require.NotNil(t, res.Record)
	assert.Equal(t, "Trail Runner", res.Record.Title)
	require.NotNil(t, res.Record.Price)
	assert.Equal(t, 89.95, res.Record.Price.Amount)
	assert.Equal(t, []string{"https://cdn.example-shop.test/1.jpg"}, res.Record.Images)

	require.Len(t, driver.opts, 1)
	assert.True(t, driver.opts[0].BlockImages)
	assert.True(t, eng.Pool.Stats().AllowDirect)
}

func TestNew_RulesViewportsReachSessions(t *testing.T) {
	cfg := testConfig(t, `
viewports:
  - {width: 390, height: 844}
`)
	driver := &staticDriver{html: exampleShopHTML}
	mem := cache.NewMemory(0)
	defer mem.Close()

	eng, err := New(cfg, driver, mem, metrics.Nop{}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := eng.Service.Scrape(context.Background(), scraper.Request{
			URL:          "https://example-shop.test/p/trail-runner",
			ForceRefresh: true,
		})
		require.NoError(t, err)
	}

	require.Len(t, driver.opened, 2)
	for _, id := range driver.opened {
		assert.Equal(t, identity.Viewport{Width: 390, Height: 844}, id.Viewport)
	}
}

func TestNew_RejectsInvalidRules(t *testing.T) {
	cfg := testConfig(t, `
signatures:
  - id: broken
    rules:
      - {kind: url, pattern: "([", weight: 1}
`)
	mem := cache.NewMemory(0)
	defer mem.Close()

	_, err := New(cfg, &staticDriver{}, mem, nil, nil)
	assert.Error(t, err)
}

func TestBrowserOptions(t *testing.T) {
	t.Setenv("BROWSER_ACCEPT_LANGUAGE", "fr-FR,fr;q=0.9")
	t.Setenv("SCRAPER_MAX_RETRIES", "4")
	cfg, err := config.Load()
	require.NoError(t, err)

	opts := BrowserOptions(cfg)
	assert.Equal(t, 4, opts.MaxRetries)
	assert.True(t, opts.Headless)
	assert.Equal(t, "fr-FR,fr;q=0.9", opts.ExtraHeaders["Accept-Language"])
}
