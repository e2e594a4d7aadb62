package extractor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maltedev/product-scraper/internal/models"
)

// Registry maps platform ids to strategies. Lookups of unknown ids fall
// back to the generic strategy.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	fallback   Strategy
}

func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		fallback:   NewGeneric(),
	}
}

// DefaultRegistry returns a registry with every built-in strategy.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []Strategy{
		NewAmazon(),
		NewEbay(),
		NewShopify(),
		NewWooCommerce(),
		NewBol(),
		NewOtto(),
		NewCdiscount(),
		NewJD(),
	} {
		// built-in ids are unique
		_ = r.Register(s)
	}
	return r
}

// Register adds s under its platform id. An id can be registered once.
func (r *Registry) Register(s Strategy) error {
	id := s.Platform()
	if id == "" {
		return fmt.Errorf("strategy has no platform id")
	}
	if id == models.GenericPlatform {
		return fmt.Errorf("platform id %q is reserved for the fallback", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[id]; exists {
		return fmt.Errorf("strategy for platform %q already registered", id)
	}
	r.strategies[id] = s
	return nil
}

// Lookup returns the strategy for platform and whether it was registered.
// The generic strategy is returned when it was not.
func (r *Registry) Lookup(platform string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.strategies[platform]; ok {
		return s, true
	}
	return r.fallback, false
}

// Platforms lists the registered ids in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
