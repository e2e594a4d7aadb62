package cache

import (
	"context"
	"sync"
	"time"

	"github.com/maltedev/product-scraper/internal/models"
)

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

// Memory is an in-process cache. Expired entries are invisible to Get and
// removed by the janitor.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time

	stop chan struct{}
	once sync.Once
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates the cache and, when sweepEvery > 0, a janitor goroutine
// stopped by Close.
func NewMemory(sweepEvery time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		items: make(map[string]memoryItem),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if sweepEvery > 0 {
		go m.janitor(sweepEvery)
	}
	return m
}

func (m *Memory) Backend() string {
	return "memory"
}

func (m *Memory) Get(_ context.Context, key string) (*models.ProductRecord, bool, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || !m.now().Before(item.expiresAt) {
		return nil, false, nil
	}
	return item.entry.Record.Clone(), true, nil
}

func (m *Memory) Put(_ context.Context, key string, rec *models.ProductRecord, ttl time.Duration) error {
	if rec == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()

	m.mu.Lock()
	m.items[key] = memoryItem{
		entry:     Entry{Record: rec.Clone(), StoredAt: now},
		expiresAt: now.Add(ttl),
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Len counts entries, expired ones included until swept.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

func (m *Memory) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
