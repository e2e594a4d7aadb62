package ratelimit

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter spaces out navigations per host: a token bucket plus a
// jittered minimum gap between two requests to the same host.
type HostLimiter struct {
	minDelay time.Duration
	maxDelay time.Duration
	perMin   int

	mu       sync.Mutex
	last     map[string]time.Time
	limiters map[string]*rate.Limiter
	rnd      *rand.Rand
}

func NewHostLimiter(minDelay, maxDelay time.Duration, requestsPerMinute int) *HostLimiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &HostLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		perMin:   requestsPerMinute,
		last:     make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until a request to host is allowed or ctx is done.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	if h == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	h.mu.Lock()
	var sleep time.Duration
	if last, ok := h.last[host]; ok {
		gap := h.calculateDelayLocked()
		if rest := time.Until(last.Add(gap)); rest > 0 {
			sleep = rest
		}
	}
	limiter := h.limiterLocked(host)
	// Reserve the slot now so concurrent callers queue behind us.
	h.last[host] = time.Now().Add(sleep)
	h.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

func (h *HostLimiter) calculateDelayLocked() time.Duration {
	if h.minDelay == h.maxDelay {
		return h.minDelay
	}
	delta := h.maxDelay - h.minDelay
	return h.minDelay + time.Duration(h.rnd.Int63n(int64(delta)))
}

func (h *HostLimiter) limiterLocked(host string) *rate.Limiter {
	if h.perMin <= 0 {
		return nil
	}
	if l, ok := h.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(h.perMin)), 1)
	h.limiters[host] = l
	return l
}

// Backoff computes exponential delays with full jitter:
// a random duration in [0, min(Max, Base*2^attempt)].
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{
		Base: base,
		Max:  max,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Ceiling is the upper bound of the delay for attempt (0 based).
func (b *Backoff) Ceiling(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

func (b *Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rnd == nil {
		b.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(b.rnd.Int63n(int64(ceiling) + 1))
}

// Sleep waits for the attempt's delay unless ctx ends first.
func (b *Backoff) Sleep(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
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
