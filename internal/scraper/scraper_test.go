package scraper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-scraper/internal/browser"
	"github.com/maltedev/product-scraper/internal/cache"
	"github.com/maltedev/product-scraper/internal/extractor"
	"github.com/maltedev/product-scraper/internal/metrics"
	"github.com/maltedev/product-scraper/internal/models"
	"github.com/maltedev/product-scraper/internal/platform"
)

const exampleShopHTML = `<html><body><main data-es-product="42">
<h2 class="es-title">Trail Runner 2</h2>
<span class="es-price">89,00 €</span>
<div class="es-gallery"><img src="/i/a.jpg"></div>
</main></body></html>`

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	html  string
	err   error
	opts  []browser.FetchOptions
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, opts browser.FetchOptions) (*browser.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &browser.Page{URL: rawURL, FinalURL: rawURL, StatusCode: 200, HTML: f.html, Attempts: 1}, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestService(t *testing.T, fetcher Fetcher) (*Service, *cache.Memory) {
	t.Helper()

	classifier, err := platform.NewClassifier([]platform.Signature{{
		ID: "example-shop",
		Rules: []platform.Rule{
			{Kind: platform.RuleURL, Pattern: `example-shop\.com`, Weight: 0.6, Indicator: "domain:example-shop"},
			{Kind: platform.RuleHTML, Pattern: `data-es-product`, Weight: 0.3, Indicator: "html:data-es-product"},
		},
	}}, platform.DefaultThreshold)
	require.NoError(t, err)

	registry := extractor.DefaultRegistry()
	strategy, err := extractor.NewSelectorStrategy(extractor.SelectorSet{
		Platform: "example-shop",
		Title:    []string{".es-title"},
		Price:    []string{".es-price"},
		Images:   []string{".es-gallery img"},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(strategy))

	c := cache.NewMemory(0)
	t.Cleanup(func() { c.Close() })

	return NewService(fetcher, classifier, registry, c, Options{CacheTTL: time.Minute}, metrics.Nop{}, nil), c
}

func TestScrape_ExampleShop(t *testing.T) {
	fetcher := &fakeFetcher{html: exampleShopHTML}
	svc, _ := newTestService(t, fetcher)

	res, err := svc.Scrape(context.Background(), Request{URL: "https://example-shop.com/item/42", BlockImages: true, Language: "de-DE"})
	require.NoError(t, err)

	assert.False(t, res.CacheHit)
	assert.Equal(t, "example-shop", res.Classification.Platform)
	assert.GreaterOrEqual(t, res.Classification.Confidence, 0.5)
	assert.ElementsMatch(t, []string{"domain:example-shop", "html:data-es-product"}, res.Classification.Indicators)
	assert.Equal(t, "Trail Runner 2", res.Record.Title)
	require.NotNil(t, res.Record.Price)
	assert.InDelta(t, 89.0, res.Record.Price.Amount, 0.001)
	assert.Equal(t, "example-shop", res.Record.Platform)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Message)

	require.Len(t, fetcher.opts, 1)
	assert.True(t, fetcher.opts[0].BlockImages)
	assert.Equal(t, "de-DE", fetcher.opts[0].Language)
}

func TestScrape_SecondRequestHitsCache(t *testing.T) {
	fetcher := &fakeFetcher{html: exampleShopHTML}
	svc, _ := newTestService(t, fetcher)
	ctx := context.Background()

	first, err := svc.Scrape(ctx, Request{URL: "https://example-shop.com/item/42?utm_source=news"})
	require.NoError(t, err)

	second, err := svc.Scrape(ctx, Request{URL: "https://EXAMPLE-SHOP.com/item/42#reviews"})
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.count())
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Record.Title, second.Record.Title)
	assert.Equal(t, first.Record.Price, second.Record.Price)
	assert.Equal(t, first.Record.Images, second.Record.Images)
	assert.Equal(t, first.Classification, second.Classification)
}

func TestScrape_ForceRefreshSkipsLookupAndOverwrites(t *testing.T) {
	fetcher := &fakeFetcher{html: exampleShopHTML}
	svc, c := newTestService(t, fetcher)
	ctx := context.Background()
	url := "https://example-shop.com/item/42"

	_, err := svc.Scrape(ctx, Request{URL: url})
	require.NoError(t, err)

	fetcher.html = `<html><body><main data-es-product="42"><h2 class="es-title">Trail Runner 3</h2></main></body></html>`
	res, err := svc.Scrape(ctx, Request{URL: url, ForceRefresh: true})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 2, fetcher.count())

	key, err := cache.NormalizeURL(url)
	require.NoError(t, err)
	cached, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Trail Runner 3", cached.Title)
}

func TestScrape_FailedForceRefreshDropsCachedRecord(t *testing.T) {
	fetcher := &fakeFetcher{html: exampleShopHTML}
	svc, c := newTestService(t, fetcher)
	ctx := context.Background()
	url := "https://example-shop.com/item/42"

	_, err := svc.Scrape(ctx, Request{URL: url})
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	fetcher.err = models.NewError(models.KindBlockedByTarget, "blocked", nil)
	_, err = svc.Scrape(ctx, Request{URL: url, ForceRefresh: true})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	_, err = svc.Scrape(ctx, Request{URL: url})
	require.Error(t, err)
	assert.Equal(t, models.KindBlockedByTarget, models.KindOf(err))
	assert.Equal(t, 3, fetcher.count())
}

func TestScrape_EmptyForceRefreshDropsCachedRecord(t *testing.T) {
	fetcher := &fakeFetcher{html: exampleShopHTML}
	svc, c := newTestService(t, fetcher)
	ctx := context.Background()
	url := "https://example-shop.com/item/42"

	_, err := svc.Scrape(ctx, Request{URL: url})
	require.NoError(t, err)

	fetcher.html = `<html><body><main data-es-product="42"></main></body></html>`
	res, err := svc.Scrape(ctx, Request{URL: url, ForceRefresh: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Message)
	assert.Equal(t, 0, c.Len())
}

func TestScrape_RecordSurvivesJSONRoundTrip(t *testing.T) {
	fetcher := &fakeFetcher{html: exampleShopHTML}
	svc, _ := newTestService(t, fetcher)
	ctx := context.Background()

	res, err := svc.Scrape(ctx, Request{URL: "https://example-shop.com/item/42"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Record.RawData[rawIndicators])

	data, err := json.Marshal(res.Record)
	require.NoError(t, err)

	var decoded models.ProductRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, res.Record, &decoded)

	hit, err := svc.Scrape(ctx, Request{URL: "https://example-shop.com/item/42"})
	require.NoError(t, err)
	require.True(t, hit.CacheHit)
	assert.Equal(t, res.Record, hit.Record)
	assert.Equal(t, classificationFromRecord(&decoded), hit.Classification)
}

func TestScrape_GenericFallback(t *testing.T) {
	fetcher := &fakeFetcher{html: `<html><head><title>Mug | Shop</title></head><body><h1>Blue Enamel Mug</h1></body></html>`}
	svc, _ := newTestService(t, fetcher)

	res, err := svc.Scrape(context.Background(), Request{URL: "https://unknown-shop.example/item/9"})
	require.NoError(t, err)

	assert.Equal(t, models.GenericPlatform, res.Classification.Platform)
	assert.Equal(t, models.GenericPlatform, res.Record.Platform)
	assert.Equal(t, "Blue Enamel Mug", res.Record.Title)
}

func TestScrape_GenericEmptyFails(t *testing.T) {
	fetcher := &fakeFetcher{html: `<html><body><div>nothing here</div></body></html>`}
	svc, c := newTestService(t, fetcher)

	_, err := svc.Scrape(context.Background(), Request{URL: "https://unknown-shop.example/item/9"})
	require.Error(t, err)
	assert.Equal(t, models.KindExtractionEmpty, models.KindOf(err))
	assert.Equal(t, 0, c.Len())
}

func TestScrape_MatchedPlatformEmptyIsLowConfidence(t *testing.T) {
	fetcher := &fakeFetcher{html: `<html><body><main data-es-product="42"></main></body></html>`}
	svc, c := newTestService(t, fetcher)

	res, err := svc.Scrape(context.Background(), Request{URL: "https://example-shop.com/item/42"})
	require.NoError(t, err)

	require.NotNil(t, res.Record)
	assert.False(t, res.Record.HasData())
	assert.Contains(t, res.Message, "example-shop")
	assert.Equal(t, 0, c.Len())
}

func TestScrape_FetchErrorKeepsKind(t *testing.T) {
	fetcher := &fakeFetcher{err: models.NewError(models.KindNavigationTimeout, "navigation timed out", nil)}
	svc, _ := newTestService(t, fetcher)

	_, err := svc.Scrape(context.Background(), Request{URL: "https://example-shop.com/item/42"})
	require.Error(t, err)
	assert.Equal(t, models.KindNavigationTimeout, models.KindOf(err))
}

func TestScrape_CancelledBeforeFetch(t *testing.T) {
	fetcher := &fakeFetcher{html: exampleShopHTML}
	svc, _ := newTestService(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Scrape(ctx, Request{URL: "https://example-shop.com/item/42"})
	require.Error(t, err)
	assert.Equal(t, models.KindCancelled, models.KindOf(err))
	assert.Equal(t, 0, fetcher.count())
}

func TestScrape_InvalidURL(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{})

	_, err := svc.Scrape(context.Background(), Request{URL: "not a url"})
	assert.Equal(t, models.KindInvalidURL, models.KindOf(err))
}

func TestExtract_Offline(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{})

	res, err := svc.Extract("https://example-shop.com/item/42", exampleShopHTML)
	require.NoError(t, err)
	assert.Equal(t, "example-shop", res.Classification.Platform)
	assert.Equal(t, "Trail Runner 2", res.Record.Title)
	assert.Equal(t, []string{"https://example-shop.com/i/a.jpg"}, res.Record.Images)
}

func TestClassificationFromRecord_AfterJSONRoundTrip(t *testing.T) {
	rec := models.NewProductRecord("generic", "https://jd.example/item/1")
	rec.RawData = map[string]any{
		rawDetected:   "jd",
		rawConfidence: 0.7,
		rawIndicators: []any{"domain:jd", 42},
	}

	res := classificationFromRecord(rec)
	assert.Equal(t, "jd", res.Platform)
	assert.Equal(t, 0.7, res.Confidence)
	assert.Equal(t, []string{"domain:jd"}, res.Indicators)
}
