package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/product-scraper/internal/challenge"
	"github.com/maltedev/product-scraper/internal/identity"
	"github.com/maltedev/product-scraper/internal/metrics"
	"github.com/maltedev/product-scraper/internal/models"
	"github.com/maltedev/product-scraper/internal/ratelimit"
)

// IdentitySource is the part of the identity pool the manager uses.
type IdentitySource interface {
	Acquire(ctx context.Context) (*identity.Lease, error)
	Release(lease *identity.Lease, outcome identity.Outcome)
	Override(proxy, userAgent string) *identity.Lease
}

type FetchOptions struct {
	BlockImages       bool
	Proxy             string
	UserAgent         string
	ChallengeStrategy challenge.Strategy
	Humanize          bool
	// Language overrides the Accept-Language header, e.g. "de-DE".
	Language          string
}

// Page is the outcome of a successful fetch.
type Page struct {
	URL        string            `json:"url"`
	FinalURL   string            `json:"final_url"`
	StatusCode int               `json:"status_code"`
	HTML       string            `json:"-"`
	Identity   identity.Identity `json:"identity"`
	Attempts   int               `json:"attempts"`
	Challenge  *challenge.Result `json:"challenge,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

type Manager struct {
	driver     Driver
	identities IdentitySource
	challenges *challenge.Handler
	limiter    *ratelimit.HostLimiter
	backoff    *ratelimit.Backoff
	opts       Options
	metrics    metrics.Sink
	logger     *slog.Logger
}

func NewManager(driver Driver, identities IdentitySource, challenges *challenge.Handler, limiter *ratelimit.HostLimiter, opts *Options, sink metrics.Sink, logger *slog.Logger) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if challenges == nil {
		challenges = challenge.NewHandler(challenge.DefaultConfig(), sink, logger)
	}
	return &Manager{
		driver:     driver,
		identities: identities,
		challenges: challenges,
		limiter:    limiter,
		backoff:    ratelimit.NewBackoff(opts.BackoffBase, opts.BackoffMax),
		opts:       *opts,
		metrics:    sink,
		logger:     logger.With("component", "browser_manager"),
	}
}

// Fetch renders rawURL, retrying retryable failures up to MaxRetries
// times with a fresh identity and backoff in between.
func (m *Manager) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, models.NewError(models.KindInvalidURL, fmt.Sprintf("invalid url %q", rawURL), err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			m.logger.Info("retrying navigation",
				"url", rawURL,
				"attempt", attempt+1,
				"previous_error", lastErr)
			if err := m.backoff.Sleep(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		page, err := m.fetchOnce(ctx, u, opts)
		if err == nil {
			page.Attempts = attempt + 1
			page.Duration = time.Since(start)
			return page, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !models.KindOf(err).Retryable() {
			return nil, err
		}
	}

	m.logger.Warn("fetch failed",
		"url", rawURL,
		"attempts", m.opts.MaxRetries+1,
		"error", lastErr)
	return nil, fmt.Errorf("failed after %d attempts: %w", m.opts.MaxRetries+1, lastErr)
}

// fetchOnce runs a single attempt. The session is closed and the lease
// released on every exit path.
func (m *Manager) fetchOnce(ctx context.Context, u *url.URL, opts FetchOptions) (*Page, error) {
	started := time.Now()

	r, err := m.newRun(ctx, u.String(), opts)
	if err != nil {
		m.metrics.FetchAttempt(u.Host, string(models.KindOf(err)), time.Since(started))
		return nil, err
	}
	outcome := identity.Failure
	defer func() {
		if outcome == identity.Failure && ctx.Err() != nil {
			outcome = identity.Abandoned
		}
		r.teardown(outcome)
	}()

	if err := m.limiter.Wait(ctx, u.Host); err != nil {
		return nil, err
	}

	page, err := m.navigate(ctx, r, opts)
	kind := "ok"
	if err != nil {
		kind = string(models.KindOf(err))
	}
	m.metrics.FetchAttempt(u.Host, kind, time.Since(started))
	if err != nil {
		return nil, err
	}

	outcome = identity.Success
	return page, nil
}

func (m *Manager) navigate(ctx context.Context, r *run, opts FetchOptions) (*Page, error) {
	status, err := r.session.Navigate(ctx, r.target)
	if err != nil {
		return nil, err
	}
	r.status = status

	if err := sleepCtx(ctx, m.opts.SettleDelay); err != nil {
		return nil, err
	}

	var chResult *challenge.Result
	detection, err := m.challenges.Detect(ctx, r)
	if err != nil {
		return nil, models.NewError(models.KindRenderError, "failed to inspect page", err)
	}
	if detection.Detected {
		m.logger.Info("challenge detected",
			"url", r.target,
			"kind", detection.Kind,
			"markers", detection.Markers)
		res, err := m.challenges.Resolve(ctx, r, opts.ChallengeStrategy)
		chResult = &res
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, models.NewError(models.KindBlockedByTarget, "challenge could not be resolved", err)
		}
	}

	if isBlockingStatus(r.status) && !detection.Detected {
		return nil, models.NewError(models.KindBlockedByTarget,
			fmt.Sprintf("target answered %d %s", r.status, http.StatusText(r.status)), nil)
	}

	// Scrolling can trigger lazy-loaded galleries and prices, so it runs
	// before the DOM is read.
	if opts.Humanize {
		if err := r.session.Humanize(ctx); err != nil && ctx.Err() == nil {
			m.logger.Debug("humanize failed", "error", err)
		}
	}

	html, err := r.session.Content()
	if err != nil {
		return nil, models.NewError(models.KindRenderError, "failed to read rendered page", err)
	}
	if indicator, blocked := challenge.LooksBlocked(html); blocked {
		return nil, models.NewError(models.KindBlockedByTarget,
			fmt.Sprintf("block page detected (%s)", indicator), nil)
	}
	if emptyDOM(html) {
		return nil, models.NewError(models.KindRenderError, "page rendered an empty document", nil)
	}

	return &Page{
		URL:        r.target,
		FinalURL:   r.session.URL(),
		StatusCode: r.status,
		HTML:       html,
		Identity:   r.lease.Identity,
		Challenge:  chResult,
	}, nil
}

func isBlockingStatus(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func emptyDOM(html string) bool {
	if strings.TrimSpace(html) == "" {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return true
	}
	body := doc.Find("body")
	return body.Children().Length() == 0 && strings.TrimSpace(body.Text()) == ""
}

// run is one attempt's resources. It satisfies challenge.Page so that a
// bypass can swap the session and identity underneath the handler.
type run struct {
	m       *Manager
	target  string
	opts    FetchOptions
	sessOpt SessionOptions
	lease   *identity.Lease
	session Session
	status  int
}

func (m *Manager) newRun(ctx context.Context, target string, opts FetchOptions) (*run, error) {
	r := &run{
		m:      m,
		target: target,
		opts:   opts,
		sessOpt: SessionOptions{
			BlockImages:       opts.BlockImages,
			NavigationTimeout: m.opts.NavigationTimeout,
			IdleTimeout:       m.opts.IdleTimeout,
			ExtraHeaders:      requestHeaders(m.opts.ExtraHeaders, opts.Language),
		},
	}
	if err := r.open(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func requestHeaders(base map[string]string, language string) map[string]string {
	if language == "" {
		return base
	}
	headers := make(map[string]string, len(base)+1)
	for k, v := range base {
		headers[k] = v
	}
	headers["Accept-Language"] = language + ",en;q=0.8"
	return headers
}

func (r *run) open(ctx context.Context) error {
	lease, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	session, err := r.m.driver.Open(ctx, lease.Identity, r.sessOpt)
	if err != nil {
		r.m.identities.Release(lease, identity.Failure)
		r.m.metrics.IdentityReleased(identity.Failure.String())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var me *models.Error
		if errors.As(err, &me) {
			return err
		}
		return models.NewError(models.KindRenderError, "failed to open browser session", err)
	}
	r.lease = lease
	r.session = session
	return nil
}

func (r *run) acquire(ctx context.Context) (*identity.Lease, error) {
	if r.opts.Proxy != "" || r.opts.UserAgent != "" {
		return r.m.identities.Override(r.opts.Proxy, r.opts.UserAgent), nil
	}
	return r.m.identities.Acquire(ctx)
}

func (r *run) teardown(outcome identity.Outcome) {
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.m.logger.Debug("failed to close session", "error", err)
		}
		r.session = nil
	}
	if r.lease != nil {
		r.m.identities.Release(r.lease, outcome)
		r.m.metrics.IdentityReleased(outcome.String())
		r.lease = nil
	}
}

var errNoSession = errors.New("no open browser session")

func (r *run) Content() (string, error) {
	if r.session == nil {
		return "", errNoSession
	}
	return r.session.Content()
}

func (r *run) Count(selector string) (int, error) {
	if r.session == nil {
		return 0, errNoSession
	}
	return r.session.Count(selector)
}

func (r *run) Click(selector string) error {
	if r.session == nil {
		return errNoSession
	}
	return r.session.Click(selector)
}

func (r *run) Evaluate(script string, arg any) (any, error) {
	if r.session == nil {
		return nil, errNoSession
	}
	return r.session.Evaluate(script, arg)
}

func (r *run) Reload(ctx context.Context) error {
	if r.session == nil {
		return errNoSession
	}
	return r.session.Reload(ctx)
}

// Rotate drops the current session, charges its identity with a failure
// and renavigates with a fresh one.
func (r *run) Rotate(ctx context.Context) error {
	if r.session != nil {
		if err := r.session.ClearState(ctx); err != nil {
			r.m.logger.Debug("failed to clear session state", "error", err)
		}
	}
	r.teardown(identity.Failure)

	if err := r.open(ctx); err != nil {
		return fmt.Errorf("failed to open fresh session: %w", err)
	}
	if err := r.m.limiter.Wait(ctx, hostOf(r.target)); err != nil {
		return err
	}
	status, err := r.session.Navigate(ctx, r.target)
	if err != nil {
		return err
	}
	r.status = status
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
