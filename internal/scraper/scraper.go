package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/product-scraper/internal/browser"
	"github.com/maltedev/product-scraper/internal/cache"
	"github.com/maltedev/product-scraper/internal/extractor"
	"github.com/maltedev/product-scraper/internal/metrics"
	"github.com/maltedev/product-scraper/internal/models"
	"github.com/maltedev/product-scraper/internal/platform"
)

// Scraper turns one URL into one product record.
type Scraper interface {
	Scrape(ctx context.Context, req Request) (*Result, error)
}

// Fetcher renders a page. *browser.Manager is the production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts browser.FetchOptions) (*browser.Page, error)
}

type Request struct {
	URL           string
	NormalizedURL string
	ForceRefresh  bool
	BlockImages   bool
	Proxy         string
	UserAgent     string
	Language      string
}

// Result carries the record plus how it was obtained.
type Result struct {
	Record         *models.ProductRecord
	CacheHit       bool
	Classification platform.Result
	// Message is set when the record is a low-confidence result.
	Message        string
	Attempts       int
	FinalURL       string
}

type Options struct {
	CacheTTL time.Duration
	Humanize bool
}

type Service struct {
	fetcher    Fetcher
	classifier *platform.Classifier
	registry   *extractor.Registry
	cache      cache.Cache
	opts       Options
	metrics    metrics.Sink
	logger     *slog.Logger
}

func NewService(fetcher Fetcher, classifier *platform.Classifier, registry *extractor.Registry, c cache.Cache, opts Options, sink metrics.Sink, logger *slog.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cache.DefaultTTL
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		fetcher:    fetcher,
		classifier: classifier,
		registry:   registry,
		cache:      c,
		opts:       opts,
		metrics:    sink,
		logger:     logger.With("component", "scraper"),
	}
}

// Scrape runs cache lookup, fetch, classification and extraction. The
// context is checked between stages so a cancelled task stops at the next
// boundary. Errors are *models.Error values.
func (s *Service) Scrape(ctx context.Context, req Request) (*Result, error) {
	key := req.NormalizedURL
	if key == "" {
		normalized, err := cache.NormalizeURL(req.URL)
		if err != nil {
			return nil, models.NewError(models.KindInvalidURL, err.Error(), err)
		}
		key = normalized
	}

	if req.ForceRefresh {
		// A refresh that fails or finds nothing must not leave the old
		// record behind for later requests.
		if err := s.cache.Invalidate(ctx, key); err != nil {
			s.logger.Warn("failed to invalidate cached result", "url", req.URL, "error", err)
		}
	} else if res := s.lookup(ctx, key); res != nil {
		return res, nil
	}

	if err := stageCheck(ctx); err != nil {
		return nil, err
	}

	page, err := s.fetcher.Fetch(ctx, req.URL, browser.FetchOptions{
		BlockImages: req.BlockImages,
		Proxy:       req.Proxy,
		UserAgent:   req.UserAgent,
		Language:    req.Language,
		Humanize:    s.opts.Humanize,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, models.AsError(err)
	}

	if err := stageCheck(ctx); err != nil {
		return nil, err
	}

	res, err := s.extract(page)
	if err != nil {
		return nil, err
	}

	if res.Record.HasData() {
		if err := s.cache.Put(ctx, key, res.Record, s.opts.CacheTTL); err != nil {
			s.logger.Warn("failed to store result in cache", "url", req.URL, "error", err)
		}
	}
	return res, nil
}

// Extract classifies and extracts an already fetched document.
func (s *Service) Extract(pageURL, html string) (*Result, error) {
	return s.extract(&browser.Page{URL: pageURL, FinalURL: pageURL, HTML: html})
}

func (s *Service) extract(page *browser.Page) (*Result, error) {
	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = page.URL
	}

	classification := s.classifier.Classify(pageURL, page.HTML)
	strategy, _ := s.registry.Lookup(classification.Platform)

	doc, err := extractor.NewDocument(page.HTML, pageURL)
	if err != nil {
		return nil, models.NewError(models.KindRenderError, "failed to parse rendered page", err)
	}

	rec, err := extractor.Extract(strategy, doc)
	res := &Result{
		Record:         rec,
		Classification: classification,
		Attempts:       page.Attempts,
		FinalURL:       pageURL,
	}
	if err != nil {
		if !errors.Is(err, extractor.ErrExtractionEmpty) {
			return nil, models.AsError(err)
		}
		if classification.Platform == models.GenericPlatform {
			return nil, models.NewError(models.KindExtractionEmpty,
				"no platform matched and the generic extractor found no product data", nil)
		}
		res.Message = fmt.Sprintf("page matched %s but no product fields were found", classification.Platform)
		s.logger.Warn("low confidence result",
			"url", pageURL,
			"platform", classification.Platform,
			"confidence", classification.Confidence)
	}

	if page.URL != "" {
		rec.SourceURL = page.URL
	}
	if rec.RawData == nil {
		rec.RawData = make(map[string]any)
	}
	rec.RawData[rawDetected] = classification.Platform
	rec.RawData[rawConfidence] = classification.Confidence
	rec.RawData[rawIndicators] = indicatorValues(classification.Indicators)
	if page.FinalURL != "" && page.FinalURL != page.URL {
		rec.RawData["final_url"] = page.FinalURL
	}

	fields := populatedFields(rec)
	s.metrics.Extraction(rec.Platform, fields)
	s.logger.Info("extracted product",
		"url", pageURL,
		"detected_platform", classification.Platform,
		"extractor", rec.Platform,
		"confidence", classification.Confidence,
		"fields", fields)

	return res, nil
}

func (s *Service) lookup(ctx context.Context, key string) *Result {
	rec, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache lookup failed", "key", key, "error", err)
		s.metrics.CacheLookup(false)
		return nil
	}
	s.metrics.CacheLookup(ok)
	if !ok {
		return nil
	}

	s.logger.Debug("cache hit", "key", key, "platform", rec.Platform)
	return &Result{
		Record:         rec,
		CacheHit:       true,
		Classification: classificationFromRecord(rec),
		FinalURL:       rec.SourceURL,
	}
}

const (
	rawConfidence = "platform_confidence"
	rawIndicators = "platform_indicators"
	rawDetected   = "detected_platform"
)

// indicatorValues stores indicators in the shape encoding/json decodes
// them into, so a record reads the same before and after serialization.
func indicatorValues(indicators []string) []any {
	out := make([]any, 0, len(indicators))
	for _, v := range indicators {
		out = append(out, v)
	}
	return out
}

// classificationFromRecord rebuilds the verdict stored alongside a cached
// record.
func classificationFromRecord(rec *models.ProductRecord) platform.Result {
	res := platform.Result{Platform: rec.Platform, Indicators: []string{}}
	if v, ok := rec.RawData[rawDetected].(string); ok && v != "" {
		res.Platform = v
	}
	if v, ok := rec.RawData[rawConfidence].(float64); ok {
		res.Confidence = v
	}
	if v, ok := rec.RawData[rawIndicators].([]any); ok {
		for _, item := range v {
			if s, ok := item.(string); ok {
				res.Indicators = append(res.Indicators, s)
			}
		}
	}
	return res
}

func populatedFields(rec *models.ProductRecord) int {
	n := 0
	for _, set := range []bool{
		rec.Title != "",
		rec.Price != nil,
		rec.Description != "",
		len(rec.Images) > 0,
		rec.Availability != "",
		rec.Rating != nil,
		rec.ReviewCount != nil,
		rec.Seller != "",
		rec.Brand != "",
		rec.SKU != "",
		rec.Category != "",
		len(rec.Specifications) > 0,
	} {
		if set {
			n++
		}
	}
	return n
}

func stageCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	return nil
}

func cancelled(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.NewError(models.KindNavigationTimeout, "task deadline exceeded", ctx.Err())
	}
	return models.NewError(models.KindCancelled, "task cancelled", ctx.Err())
}
