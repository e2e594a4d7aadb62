package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/product-scraper/internal/metrics"
	"github.com/maltedev/product-scraper/internal/models"
)

// Page is the slice of a live browser page the handler needs.
type Page interface {
	Content() (string, error)
	Count(selector string) (int, error)
	Click(selector string) error
	Evaluate(script string, arg any) (any, error)
	Reload(ctx context.Context) error
	// Rotate clears cookies and storage, switches to a fresh identity
	// and reloads the current URL.
	Rotate(ctx context.Context) error
}

type Strategy string

const (
	StrategyAuto        Strategy = "auto"
	StrategyInteractive Strategy = "interactive"
	StrategyPoW         Strategy = "pow"
	StrategyBypass      Strategy = "bypass"
	StrategyManual      Strategy = "manual"
)

// Escalation is the order strategies are tried in auto mode.
var Escalation = []Strategy{StrategyInteractive, StrategyPoW, StrategyBypass, StrategyManual}

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyAuto:
		return StrategyAuto, nil
	case StrategyInteractive, StrategyPoW, StrategyBypass, StrategyManual:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown challenge strategy %q", s)
}

type Config struct {
	InteractiveTimeout time.Duration
	ManualTimeout      time.Duration
	PollInterval       time.Duration
	SettleDelay        time.Duration
	PoWBudget          int
	ManualEnabled      bool
}

func DefaultConfig() Config {
	return Config{
		InteractiveTimeout: 10 * time.Second,
		ManualTimeout:      60 * time.Second,
		PollInterval:       2 * time.Second,
		SettleDelay:        2 * time.Second,
		PoWBudget:          2_000_000,
		ManualEnabled:      true,
	}
}

type Attempt struct {
	Strategy Strategy      `json:"strategy"`
	Resolved bool          `json:"resolved"`
	Error    string        `json:"error,omitempty"`
	Took     time.Duration `json:"took"`
}

type Result struct {
	Resolved bool      `json:"resolved"`
	Strategy Strategy  `json:"strategy,omitempty"`
	Attempts []Attempt `json:"attempts,omitempty"`
}

type Handler struct {
	cfg     Config
	metrics metrics.Sink
	logger  *slog.Logger
}

func NewHandler(cfg Config, sink metrics.Sink, logger *slog.Logger) *Handler {
	def := DefaultConfig()
	if cfg.InteractiveTimeout <= 0 {
		cfg.InteractiveTimeout = def.InteractiveTimeout
	}
	if cfg.ManualTimeout <= 0 {
		cfg.ManualTimeout = def.ManualTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.PoWBudget <= 0 {
		cfg.PoWBudget = def.PoWBudget
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:     cfg,
		metrics: sink,
		logger:  logger.With("component", "challenge_handler"),
	}
}

// Detect reports whether the page currently shows a challenge.
func (h *Handler) Detect(ctx context.Context, page Page) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}
	html, err := page.Content()
	if err != nil {
		return Detection{}, fmt.Errorf("failed to read page content: %w", err)
	}
	return DetectHTML(html), nil
}

// Resolve escalates through the strategies until the challenge marker is
// gone. A forced strategy runs alone.
func (h *Handler) Resolve(ctx context.Context, page Page, strategy Strategy) (Result, error) {
	order := Escalation
	if strategy != "" && strategy != StrategyAuto {
		order = []Strategy{strategy}
	}

	var result Result
	for _, s := range order {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if s == StrategyManual && !h.cfg.ManualEnabled && strategy != StrategyManual {
			continue
		}

		start := time.Now()
		resolved, err := h.run(ctx, page, s)
		attempt := Attempt{Strategy: s, Resolved: resolved, Took: time.Since(start)}
		if err != nil {
			attempt.Error = err.Error()
		}
		result.Attempts = append(result.Attempts, attempt)
		h.metrics.ChallengeAttempt(string(s), resolved)

		if resolved {
			h.logger.Info("challenge resolved", "strategy", s, "took", attempt.Took)
			result.Resolved = true
			result.Strategy = s
			return result, nil
		}
		if errors.Is(err, context.Canceled) {
			return result, err
		}
		h.logger.Info("challenge strategy failed", "strategy", s, "error", err)
	}

	return result, models.NewError(models.KindChallengeUnresolved,
		fmt.Sprintf("challenge still present after %d strategies", len(result.Attempts)), nil)
}

func (h *Handler) run(ctx context.Context, page Page, s Strategy) (bool, error) {
	switch s {
	case StrategyInteractive:
		return h.interactive(ctx, page)
	case StrategyPoW:
		return h.proofOfWork(ctx, page)
	case StrategyBypass:
		return h.bypass(ctx, page)
	case StrategyManual:
		return h.manual(ctx, page)
	}
	return false, fmt.Errorf("unknown strategy %q", s)
}

var verificationControls = []string{
	`button:has-text("Weiter shoppen")`,
	`button:has-text("Continue shopping")`,
	`button:has-text("I'm human")`,
	`button:has-text("Verify")`,
	`text=Je ne suis pas un robot`,
	`input[type="submit"][value*="Weiter"]`,
	`altcha-widget input[type="checkbox"]`,
	`label[for="altcha_checkbox"]`,
	`#altcha input[type="checkbox"]`,
	`.a-button-primary`,
}

func (h *Handler) interactive(ctx context.Context, page Page) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.InteractiveTimeout)
	defer cancel()

	clicked := 0
	for _, sel := range verificationControls {
		if ctx.Err() != nil {
			break
		}
		n, err := page.Count(sel)
		if err != nil || n == 0 {
			continue
		}
		if err := page.Click(sel); err != nil {
			h.logger.Debug("verification click failed", "selector", sel, "error", err)
			continue
		}
		clicked++
		if cleared, err := h.settleAndCheck(ctx, page); err != nil || cleared {
			return cleared, err
		}
	}
	if clicked == 0 {
		return false, errors.New("no verification control found")
	}
	return false, errors.New("challenge persisted after clicking verification controls")
}

const submitSolutionScript = `(payload) => {
	const widget = document.querySelector('altcha-widget, altcha-challenge, [data-altcha], [data-altcha-challenge]');
	let input = document.querySelector('input[name="altcha"]');
	const form = (input && input.form) || (widget && widget.closest('form')) || document.querySelector('#altcha-form, form');
	if (!input && form) {
		input = document.createElement('input');
		input.type = 'hidden';
		input.name = 'altcha';
		form.appendChild(input);
	}
	if (input) { input.value = payload; }
	if (widget) { widget.dispatchEvent(new CustomEvent('verified', { detail: { payload } })); }
	if (form) {
		if (typeof form.requestSubmit === 'function') { form.requestSubmit(); } else { form.submit(); }
		return true;
	}
	return !!input;
}`

const fetchChallengeScript = `async (url) => {
	const res = await fetch(url, { credentials: 'include' });
	return await res.text();
}`

func (h *Handler) proofOfWork(ctx context.Context, page Page) (bool, error) {
	html, err := page.Content()
	if err != nil {
		return false, fmt.Errorf("failed to read page content: %w", err)
	}

	c, err := ParseAltcha(html)
	if err != nil {
		return false, err
	}

	if c.ChallengeURL != "" && c.Challenge == "" {
		raw, err := page.Evaluate(fetchChallengeScript, c.ChallengeURL)
		if err != nil {
			return false, fmt.Errorf("failed to load challenge: %w", err)
		}
		text, _ := raw.(string)
		loaded, err := decodeChallenge(text)
		if err != nil {
			return false, err
		}
		c = loaded.withDefaults()
	}

	solution, err := SolveAltcha(ctx, c, h.cfg.PoWBudget)
	if err != nil {
		return false, err
	}
	payload, err := solution.Payload()
	if err != nil {
		return false, err
	}

	h.logger.Debug("proof-of-work solved", "number", solution.Number, "took_ms", solution.Took)

	submitted, err := page.Evaluate(submitSolutionScript, payload)
	if err != nil {
		return false, fmt.Errorf("failed to submit solution: %w", err)
	}
	if ok, _ := submitted.(bool); !ok {
		return false, errors.New("no form to submit the solution to")
	}

	return h.settleAndCheck(ctx, page)
}

func (h *Handler) bypass(ctx context.Context, page Page) (bool, error) {
	if err := page.Rotate(ctx); err != nil {
		return false, fmt.Errorf("failed to rotate identity: %w", err)
	}
	return h.settleAndCheck(ctx, page)
}

func (h *Handler) manual(ctx context.Context, page Page) (bool, error) {
	h.logger.Warn("waiting for manual challenge completion", "timeout", h.cfg.ManualTimeout)

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ManualTimeout)
	defer cancel()

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d, err := h.Detect(ctx, page)
		if err == nil && !d.Detected {
			return true, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, errors.New("manual completion timed out")
			}
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Handler) settleAndCheck(ctx context.Context, page Page) (bool, error) {
	if h.cfg.SettleDelay > 0 {
		timer := time.NewTimer(h.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	d, err := h.Detect(ctx, page)
	if err != nil {
		return false, err
	}
	return !d.Detected, nil
}
