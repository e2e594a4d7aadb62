package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/product-scraper/internal/models"
)

var ErrPoolExhausted = models.NewError(models.KindPoolExhausted, "no healthy identity available", nil)

type Outcome int

const (
	Success Outcome = iota
	Failure
	// Abandoned frees the slot without judging the proxy, for attempts cut
	// short by the caller.
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Abandoned:
		return "abandoned"
	}
	return "failure"
}

type Viewport struct {
	Width  int `mapstructure:"width" json:"width"`
	Height int `mapstructure:"height" json:"height"`
}

// Identity is the egress path plus fingerprint presented to a target.
type Identity struct {
	Proxy      string   `json:"proxy,omitempty"`
	ProxyUser  string   `json:"-"`
	ProxyPass  string   `json:"-"`
	UserAgent  string   `json:"user_agent"`
	Viewport   Viewport `json:"viewport"`
	Locale     string   `json:"locale"`
	TimezoneID string   `json:"timezone_id"`
}

func (i Identity) Direct() bool {
	return i.Proxy == ""
}

// Proxy is a configured egress endpoint.
type Proxy struct {
	Server      string `mapstructure:"server"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	MaxSessions int    `mapstructure:"max_sessions"`
}

type Config struct {
	Proxies          []Proxy
	UserAgents       []string
	Viewports        []Viewport
	Locale           string
	TimezoneID       string
	FailureThreshold int
	Cooldown         time.Duration
	AllowDirect      bool
}

func DefaultConfig() Config {
	return Config{
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		},
		Viewports: []Viewport{
			{Width: 1920, Height: 1080},
			{Width: 1536, Height: 864},
			{Width: 1440, Height: 900},
			{Width: 1366, Height: 768},
		},
		Locale:           "en-US",
		TimezoneID:       "Europe/Berlin",
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		AllowDirect:      true,
	}
}

type proxyState struct {
	proxy            Proxy
	consecutiveFails int
	quarantinedUntil time.Time
	leased           int
}

func (s *proxyState) available(now time.Time) bool {
	if now.Before(s.quarantinedUntil) {
		return false
	}
	return s.leased < s.proxy.MaxSessions
}

// Lease ties an Identity to the pool slot it was drawn from.
type Lease struct {
	Identity Identity
	slot     int
	released bool
}

// Pool hands out identities round robin and quarantines failing proxies.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	proxies []*proxyState
	next    int
	uaNext  int
	vpNext  int
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Pool)

// WithClock overrides time.Now, used by tests to step through cooldowns.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func NewPool(cfg Config, logger *slog.Logger, opts ...Option) *Pool {
	def := DefaultConfig()
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = def.UserAgents
	}
	if len(cfg.Viewports) == 0 {
		cfg.Viewports = def.Viewports
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Locale == "" {
		cfg.Locale = def.Locale
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "identity_pool"),
	}
	for _, px := range cfg.Proxies {
		if px.Server == "" {
			continue
		}
		if px.MaxSessions < 1 {
			px.MaxSessions = 1
		}
		p.proxies = append(p.proxies, &proxyState{proxy: px})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the next healthy identity. With no proxies configured
// every lease is direct.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.fingerprintLocked()

	if len(p.proxies) == 0 {
		return &Lease{Identity: id, slot: -1}, nil
	}

	now := p.now()
	for i := 0; i < len(p.proxies); i++ {
		idx := (p.next + i) % len(p.proxies)
		st := p.proxies[idx]
		if !st.available(now) {
			continue
		}
		p.next = (idx + 1) % len(p.proxies)
		st.leased++
		id.Proxy = st.proxy.Server
		id.ProxyUser = st.proxy.Username
		id.ProxyPass = st.proxy.Password
		return &Lease{Identity: id, slot: idx}, nil
	}

	if p.cfg.AllowDirect {
		p.logger.Warn("all proxies unavailable, falling back to direct egress")
		return &Lease{Identity: id, slot: -1}, nil
	}

	return nil, fmt.Errorf("acquire identity: %w", ErrPoolExhausted)
}

// Release returns a lease. Failures count toward quarantine; a success
// clears the streak and an abandoned lease leaves it unchanged.
func (p *Pool) Release(lease *Lease, outcome Outcome) {
	if lease == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if lease.released {
		return
	}
	lease.released = true

	if lease.slot < 0 || lease.slot >= len(p.proxies) {
		return
	}

	st := p.proxies[lease.slot]
	if st.leased > 0 {
		st.leased--
	}

	switch outcome {
	case Success:
		st.consecutiveFails = 0
		return
	case Abandoned:
		return
	}

	st.consecutiveFails++
	if st.consecutiveFails >= p.cfg.FailureThreshold {
		st.quarantinedUntil = p.now().Add(p.cfg.Cooldown)
		st.consecutiveFails = 0
		p.logger.Warn("proxy quarantined",
			"proxy", st.proxy.Server,
			"until", st.quarantinedUntil)
	}
}

// Override builds a one-off identity from caller supplied values. It is
// not tracked by the pool.
func (p *Pool) Override(proxy, userAgent string) *Lease {
	p.mu.Lock()
	id := p.fingerprintLocked()
	p.mu.Unlock()

	if proxy != "" {
		id.Proxy = proxy
	}
	if userAgent != "" {
		id.UserAgent = userAgent
	}
	return &Lease{Identity: id, slot: -1}
}

func (p *Pool) fingerprintLocked() Identity {
	ua := p.cfg.UserAgents[p.uaNext%len(p.cfg.UserAgents)]
	vp := p.cfg.Viewports[p.vpNext%len(p.cfg.Viewports)]
	p.uaNext++
	p.vpNext++
	return Identity{
		UserAgent:  ua,
		Viewport:   vp,
		Locale:     p.cfg.Locale,
		TimezoneID: p.cfg.TimezoneID,
	}
}

type Stats struct {
	Proxies     int  `json:"proxies"`
	Healthy     int  `json:"healthy"`
	Quarantined int  `json:"quarantined"`
	Leased      int  `json:"leased"`
	AllowDirect bool `json:"allow_direct"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := Stats{Proxies: len(p.proxies), AllowDirect: p.cfg.AllowDirect}
	for _, st := range p.proxies {
		s.Leased += st.leased
		if now.Before(st.quarantinedUntil) {
			s.Quarantined++
		} else {
			s.Healthy++
		}
	}
	return s
}

// IsExhausted reports whether err came from an empty pool.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}
