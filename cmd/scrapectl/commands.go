package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/html/charset"

	"github.com/maltedev/product-scraper/internal/browser"
	"github.com/maltedev/product-scraper/internal/cache"
	"github.com/maltedev/product-scraper/internal/config"
	"github.com/maltedev/product-scraper/internal/engine"
	"github.com/maltedev/product-scraper/internal/extractor"
	"github.com/maltedev/product-scraper/internal/logging"
	"github.com/maltedev/product-scraper/internal/models"
	"github.com/maltedev/product-scraper/internal/platform"
	"github.com/maltedev/product-scraper/internal/scraper"
)

// output is what every subcommand prints.
type output struct {
	URL        string                `json:"url"`
	Platform   string                `json:"detected_platform"`
	Confidence float64               `json:"platform_confidence"`
	Indicators []string              `json:"platform_indicators"`
	CacheHit   bool                  `json:"cache_hit,omitempty"`
	Attempts   int                   `json:"attempts,omitempty"`
	Message    string                `json:"message,omitempty"`
	Product    *models.ProductRecord `json:"product_info,omitempty"`
}

func newFetchCmd() *cobra.Command {
	var (
		timeout      time.Duration
		proxy        string
		userAgent    string
		language     string
		loadImages   bool
		showUI       bool
		forceRefresh bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Render a page in the browser and extract the product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if showUI {
				cfg.Browser.Headless = false
			}

			driver, err := browser.NewPlaywrightDriver(engine.BrowserOptions(cfg), logger)
			if err != nil {
				return err
			}
			defer driver.Close()

			mem := cache.NewMemory(0)
			defer mem.Close()

			eng, err := engine.New(cfg, driver, mem, nil, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := eng.Service.Scrape(ctx, scraper.Request{
				URL:          args[0],
				ForceRefresh: forceRefresh,
				BlockImages:  !loadImages,
				Proxy:        proxy,
				UserAgent:    userAgent,
				Language:     language,
			})
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), args[0], res)
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 2*time.Minute, "Overall deadline for the fetch")
	cmd.Flags().StringVarP(&proxy, "proxy", "p", "", "Proxy URL, bypasses the identity pool")
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "User agent, bypasses the identity pool")
	cmd.Flags().StringVar(&language, "lang", "", "Accept-Language for the request (e.g. de-DE)")
	cmd.Flags().BoolVar(&loadImages, "load-images", false, "Load images and media while rendering")
	cmd.Flags().BoolVar(&showUI, "showui", false, "Show browser UI (disable headless mode)")
	cmd.Flags().BoolVar(&forceRefresh, "force-refresh", false, "Ignore cached results")
	return cmd
}

func newClassifyCmd() *cobra.Command {
	var htmlFile string

	cmd := &cobra.Command{
		Use:   "classify <url>",
		Short: "Detect the e-commerce platform of a URL or saved page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			classifier, err := cfg.Rules.Classifier(cfg.Platform.Threshold)
			if err != nil {
				return err
			}

			var res platform.Result
			if htmlFile == "" {
				res = classifier.ClassifyURL(args[0])
			} else {
				html, err := readHTML(htmlFile)
				if err != nil {
					return err
				}
				res = classifier.Classify(args[0], html)
			}

			return writeJSON(cmd.OutOrStdout(), output{
				URL:        args[0],
				Platform:   res.Platform,
				Confidence: res.Confidence,
				Indicators: nonNil(res.Indicators),
			})
		},
	}

	cmd.Flags().StringVar(&htmlFile, "html", "", "Saved page to score content rules against")
	return cmd
}

func newExtractCmd() *cobra.Command {
	var (
		pageURL    string
		platformID string
	)

	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Extract a product from a saved page without a browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			html, err := readHTML(args[0])
			if err != nil {
				return err
			}

			registry, err := cfg.Rules.Registry()
			if err != nil {
				return err
			}

			if platformID != "" {
				strategy, ok := registry.Lookup(platformID)
				if !ok && platformID != models.GenericPlatform {
					return fmt.Errorf("unknown platform %q (known: %v)", platformID, registry.Platforms())
				}
				doc, err := extractor.NewDocument(html, pageURL)
				if err != nil {
					return err
				}
				rec, err := extractor.Extract(strategy, doc)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), output{
					URL:        pageURL,
					Platform:   strategy.Platform(),
					Confidence: 1,
					Indicators: []string{"forced:" + platformID},
					Product:    rec,
				})
			}

			classifier, err := cfg.Rules.Classifier(cfg.Platform.Threshold)
			if err != nil {
				return err
			}
			service := scraper.NewService(nil, classifier, registry, cache.NewMemory(0), scraper.Options{}, nil, logger)

			res, err := service.Extract(pageURL, html)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), pageURL, res)
		},
	}

	cmd.Flags().StringVar(&pageURL, "url", "", "URL the page was saved from")
	cmd.Flags().StringVar(&platformID, "platform", "", "Skip classification and use this extractor")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// loadConfig reads the environment and routes logs to stderr so stdout
// stays valid JSON.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Logging.Level
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	logger := logging.New(cmd.ErrOrStderr(), level, cfg.Logging.Format)
	return cfg, logger, nil
}

// readHTML loads a saved page and converts it to UTF-8 using the encoding
// declared in its meta tags, falling back to sniffing.
func readHTML(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read html: %w", err)
	}

	enc, name, _ := charset.DetermineEncoding(raw, "text/html")
	if name == "utf-8" {
		return string(raw), nil
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s page: %w", name, err)
	}
	return string(decoded), nil
}

func writeResult(w io.Writer, rawURL string, res *scraper.Result) error {
	url := res.FinalURL
	if url == "" {
		url = rawURL
	}
	return writeJSON(w, output{
		URL:        url,
		Platform:   res.Classification.Platform,
		Confidence: res.Classification.Confidence,
		Indicators: nonNil(res.Classification.Indicators),
		CacheHit:   res.CacheHit,
		Attempts:   res.Attempts,
		Message:    res.Message,
		Product:    res.Record,
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
