package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-scraper/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(proxies []string, allowDirect bool, clock *fakeClock) *Pool {
	cfg := Config{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		AllowDirect:      allowDirect,
	}
	for _, p := range proxies {
		cfg.Proxies = append(cfg.Proxies, Proxy{Server: p})
	}
	return NewPool(cfg, nil, WithClock(clock.Now))
}

func TestPool_RoundRobin(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := newTestPool([]string{"http://p1:8000", "http://p2:8000", "http://p3:8000"}, false, clock)
	ctx := context.Background()

	var got []string
	for i := 0; i < 6; i++ {
		lease, err := pool.Acquire(ctx)
		require.NoError(t, err)
		got = append(got, lease.Identity.Proxy)
		pool.Release(lease, Success)
	}

	assert.Equal(t, []string{
		"http://p1:8000", "http://p2:8000", "http://p3:8000",
		"http://p1:8000", "http://p2:8000", "http://p3:8000",
	}, got)
}

func TestPool_QuarantineAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := newTestPool([]string{"http://bad:8000"}, false, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(ctx)
		require.NoError(t, err, "attempt %d", i+1)
		pool.Release(lease, Failure)
	}

	_, err := pool.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.Equal(t, models.KindPoolExhausted, models.KindOf(err))

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Quarantined)
	assert.Equal(t, 0, stats.Healthy)

	clock.Advance(59 * time.Second)
	_, err = pool.Acquire(ctx)
	assert.Error(t, err, "still cooling down")

	clock.Advance(2 * time.Second)
	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://bad:8000", lease.Identity.Proxy)
}

func TestPool_SuccessResetsFailureStreak(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := newTestPool([]string{"http://p1:8000"}, false, clock)
	ctx := context.Background()

	outcomes := []Outcome{Failure, Failure, Success, Failure, Failure}
	for _, o := range outcomes {
		lease, err := pool.Acquire(ctx)
		require.NoError(t, err)
		pool.Release(lease, o)
	}

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://p1:8000", lease.Identity.Proxy)
}

func TestPool_AbandonedLeaseKeepsStreak(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := newTestPool([]string{"http://p1:8000"}, false, clock)
	ctx := context.Background()

	// Two failures plus any number of abandoned leases stay under the threshold.
	outcomes := []Outcome{Failure, Abandoned, Abandoned, Failure, Abandoned}
	for _, o := range outcomes {
		lease, err := pool.Acquire(ctx)
		require.NoError(t, err)
		pool.Release(lease, o)
	}
	assert.Equal(t, 0, pool.Stats().Quarantined)

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(lease, Failure)
	assert.Equal(t, 1, pool.Stats().Quarantined)
	assert.Equal(t, "abandoned", Abandoned.String())
}

func TestPool_QuarantinedProxyIsSkipped(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := newTestPool([]string{"http://p1:8000", "http://p2:8000"}, false, clock)
	ctx := context.Background()

	// Fail p1 three times while p2 succeeds in between.
	for i := 0; i < 3; i++ {
		l1, err := pool.Acquire(ctx)
		require.NoError(t, err)
		require.Equal(t, "http://p1:8000", l1.Identity.Proxy)
		pool.Release(l1, Failure)

		l2, err := pool.Acquire(ctx)
		require.NoError(t, err)
		require.Equal(t, "http://p2:8000", l2.Identity.Proxy)
		pool.Release(l2, Success)
	}

	for i := 0; i < 4; i++ {
		lease, err := pool.Acquire(ctx)
		require.NoError(t, err)
		assert.Equal(t, "http://p2:8000", lease.Identity.Proxy)
		pool.Release(lease, Success)
	}
}

func TestPool_ExhaustedFallsBackToDirect(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := newTestPool([]string{"http://p1:8000"}, true, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(ctx)
		require.NoError(t, err)
		pool.Release(lease, Failure)
	}

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, lease.Identity.Direct())
}

func TestPool_SessionLimit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	pool := newTestPool([]string{"http://p1:8000"}, false, clock)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)

	_, err = pool.Acquire(ctx)
	assert.True(t, IsExhausted(err), "proxy already leased")

	pool.Release(first, Success)
	pool.Release(first, Failure) // double release is ignored

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://p1:8000", second.Identity.Proxy)
	assert.Equal(t, 1, pool.Stats().Leased)
}

func TestPool_FingerprintCycling(t *testing.T) {
	pool := NewPool(Config{
		UserAgents: []string{"ua-1", "ua-2"},
		Viewports:  []Viewport{{Width: 800, Height: 600}},
	}, nil)
	ctx := context.Background()

	var agents []string
	for i := 0; i < 4; i++ {
		lease, err := pool.Acquire(ctx)
		require.NoError(t, err)
		assert.True(t, lease.Identity.Direct())
		assert.Equal(t, 800, lease.Identity.Viewport.Width)
		agents = append(agents, lease.Identity.UserAgent)
		pool.Release(lease, Success)
	}

	assert.Equal(t, []string{"ua-1", "ua-2", "ua-1", "ua-2"}, agents)
}

func TestPool_Override(t *testing.T) {
	pool := NewPool(Config{UserAgents: []string{"ua-default"}}, nil)

	lease := pool.Override("http://custom:3128", "custom-agent")
	assert.Equal(t, "http://custom:3128", lease.Identity.Proxy)
	assert.Equal(t, "custom-agent", lease.Identity.UserAgent)

	lease = pool.Override("", "")
	assert.True(t, lease.Identity.Direct())
	assert.Equal(t, "ua-default", lease.Identity.UserAgent)
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	pool := NewPool(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
