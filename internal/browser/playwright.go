package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/product-scraper/internal/identity"
	"github.com/maltedev/product-scraper/internal/models"
)

// stealthScript masks the most common automation fingerprints before any
// page script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => [navigator.language || 'en-US', 'en'] });
window.chrome = window.chrome || { runtime: {} };
const originalQuery = window.navigator.permissions && window.navigator.permissions.query;
if (originalQuery) {
	window.navigator.permissions.query = (parameters) => (
		parameters.name === 'notifications'
			? Promise.resolve({ state: Notification.permission })
			: originalQuery(parameters)
	);
}
`

const clearStorageScript = `() => {
	try { window.localStorage.clear(); } catch (e) {}
	try { window.sessionStorage.clear(); } catch (e) {}
	return true;
}`

var blockedResourceTypes = map[string]bool{
	"image": true,
	"media": true,
	"font":  true,
}

// PlaywrightDriver runs one Chromium process and hands out a fresh
// BrowserContext per session.
type PlaywrightDriver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewPlaywrightDriver(opts *Options, logger *slog.Logger) (*PlaywrightDriver, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
		},
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &PlaywrightDriver{
		pw:      pw,
		browser: browser,
		logger:  logger.With("component", "browser"),
	}, nil
}

func (d *PlaywrightDriver) Open(ctx context.Context, id identity.Identity, opts SessionOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, errors.New("browser driver is closed")
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &id.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		ExtraHttpHeaders:  opts.ExtraHeaders,
	}
	if id.Locale != "" {
		contextOpts.Locale = &id.Locale
	}
	if id.TimezoneID != "" {
		contextOpts.TimezoneId = &id.TimezoneID
	}
	if id.Viewport.Width > 0 && id.Viewport.Height > 0 {
		contextOpts.Viewport = &playwright.Size{
			Width:  id.Viewport.Width,
			Height: id.Viewport.Height,
		}
	}
	if !id.Direct() {
		proxy := &playwright.Proxy{Server: id.Proxy}
		if id.ProxyUser != "" {
			proxy.Username = &id.ProxyUser
			proxy.Password = &id.ProxyPass
		}
		contextOpts.Proxy = proxy
	}

	bctx, err := d.browser.NewContext(contextOpts)
	if err != nil {
		return nil, models.NewError(models.KindRenderError, "failed to create browser context", err)
	}

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		bctx.Close()
		return nil, models.NewError(models.KindRenderError, "failed to install init script", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, models.NewError(models.KindRenderError, "failed to create new page", err)
	}

	if opts.NavigationTimeout > 0 {
		page.SetDefaultTimeout(float64(opts.NavigationTimeout.Milliseconds()))
	}

	if opts.BlockImages {
		err := page.Route("**/*", func(route playwright.Route) {
			if blockedResourceTypes[route.Request().ResourceType()] {
				route.Abort()
				return
			}
			route.Continue()
		})
		if err != nil {
			bctx.Close()
			return nil, models.NewError(models.KindRenderError, "failed to install request filter", err)
		}
	}

	return &playwrightSession{
		ctx:    bctx,
		page:   page,
		opts:   opts,
		logger: d.logger,
	}, nil
}

func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var errs []error
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}
	return errors.Join(errs...)
}

type playwrightSession struct {
	ctx    playwright.BrowserContext
	page   playwright.Page
	opts   SessionOptions
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Navigate waits for DOMContentLoaded and then, best effort, for network
// idle.
func (s *playwrightSession) Navigate(ctx context.Context, url string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Goto is not context aware; closing the page unblocks it.
	stop := context.AfterFunc(ctx, func() { s.page.Close() })
	defer stop()

	gotoOpts := playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}
	if s.opts.NavigationTimeout > 0 {
		gotoOpts.Timeout = playwright.Float(float64(s.opts.NavigationTimeout.Milliseconds()))
	}

	resp, err := s.page.Goto(url, gotoOpts)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, classifyNavigationError(err)
	}

	idle := s.opts.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Second
	}
	if err := s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(idle.Milliseconds())),
	}); err != nil {
		s.logger.Debug("network idle not reached", "url", url, "error", err)
	}

	if resp == nil {
		return 0, nil
	}
	return resp.Status(), nil
}

func classifyNavigationError(err error) error {
	if errors.Is(err, playwright.ErrTimeout) {
		return models.NewError(models.KindNavigationTimeout, "navigation timed out", err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "net::ERR_"), strings.Contains(msg, "NS_ERROR_"):
		return models.NewError(models.KindNetworkError, "navigation failed", err)
	case strings.Contains(msg, "Target crashed"), strings.Contains(msg, "Target closed"),
		strings.Contains(msg, "has been closed"):
		return models.NewError(models.KindRenderError, "page crashed during navigation", err)
	case strings.Contains(strings.ToLower(msg), "timeout"):
		return models.NewError(models.KindNavigationTimeout, "navigation timed out", err)
	}
	return models.NewError(models.KindNetworkError, "navigation failed", err)
}

func (s *playwrightSession) URL() string {
	return s.page.URL()
}

func (s *playwrightSession) Content() (string, error) {
	html, err := s.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return html, nil
}

func (s *playwrightSession) Count(selector string) (int, error) {
	return s.page.Locator(selector).Count()
}

func (s *playwrightSession) Click(selector string) error {
	return s.page.Locator(selector).First().Click()
}

func (s *playwrightSession) Evaluate(script string, arg any) (any, error) {
	if arg == nil {
		return s.page.Evaluate(script)
	}
	return s.page.Evaluate(script, arg)
}

func (s *playwrightSession) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return classifyNavigationError(err)
	}
	return nil
}

// Rotate on a bare session can only drop state and reload; swapping the
// egress identity is done by the manager, which owns the lease.
func (s *playwrightSession) Rotate(ctx context.Context) error {
	if err := s.ClearState(ctx); err != nil {
		return err
	}
	return s.Reload(ctx)
}

func (s *playwrightSession) ClearState(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ctx.ClearCookies(); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	if _, err := s.page.Evaluate(clearStorageScript); err != nil {
		s.logger.Debug("failed to clear web storage", "error", err)
	}
	return nil
}

// Humanize moves the mouse and scrolls a little, like a reader would.
func (s *playwrightSession) Humanize(ctx context.Context) error {
	for i := 0; i < 3; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		x := float64(100 + i*200)
		y := float64(100 + i*150)
		if err := s.page.Mouse().Move(x, y); err != nil {
			return fmt.Errorf("failed to move mouse: %w", err)
		}
		if err := sleepCtx(ctx, time.Duration(200+i*100)*time.Millisecond); err != nil {
			return err
		}
	}
	if _, err := s.page.Evaluate(`window.scrollBy(0, Math.random() * 300)`); err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	return nil
}

func (s *playwrightSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ctx.Close()
	})
	return s.closeErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
