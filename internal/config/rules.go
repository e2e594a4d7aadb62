package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/maltedev/product-scraper/internal/extractor"
	"github.com/maltedev/product-scraper/internal/identity"
	"github.com/maltedev/product-scraper/internal/platform"
)

// Rules is the content of RULES_FILE.
type Rules struct {
	Proxies    []identity.Proxy        `mapstructure:"proxies"`
	UserAgents []string                `mapstructure:"user_agents"`
	Viewports  []identity.Viewport     `mapstructure:"viewports"`
	Signatures []platform.Signature    `mapstructure:"signatures"`
	Selectors  []extractor.SelectorSet `mapstructure:"selectors"`
}

// LoadRules reads a rules file. The format follows the file extension.
func LoadRules(path string) (*Rules, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var rules Rules
	if err := v.Unmarshal(&rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules file %s: %w", path, err)
	}

	for i := range rules.Proxies {
		if rules.Proxies[i].MaxSessions <= 0 {
			rules.Proxies[i].MaxSessions = 1
		}
	}

	return &rules, nil
}

func (r *Rules) Validate() error {
	for i, p := range r.Proxies {
		if p.Server == "" {
			return fmt.Errorf("rules: proxy %d has no server", i)
		}
	}

	for i, vp := range r.Viewports {
		if vp.Width <= 0 || vp.Height <= 0 {
			return fmt.Errorf("rules: viewport %d must have a positive width and height", i)
		}
	}

	seen := make(map[string]bool)
	for i, s := range r.Signatures {
		if s.ID == "" {
			return fmt.Errorf("rules: signature %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("rules: duplicate signature %q", s.ID)
		}
		seen[s.ID] = true
		if len(s.Rules) == 0 {
			return fmt.Errorf("rules: signature %q has no rules", s.ID)
		}
	}

	for i, s := range r.Selectors {
		if s.Platform == "" {
			return fmt.Errorf("rules: selector set %d has no platform", i)
		}
	}

	return nil
}

// Classifier compiles the built-in signatures plus the rules file ones.
// A nil Rules yields the built-in classifier.
func (r *Rules) Classifier(threshold float64) (*platform.Classifier, error) {
	var extra []platform.Signature
	if r != nil {
		extra = r.Signatures
	}
	return platform.NewClassifier(extra, threshold)
}

// Registry returns the default extractor registry with one selector
// strategy per rules file selector set.
func (r *Rules) Registry() (*extractor.Registry, error) {
	registry := extractor.DefaultRegistry()
	if r == nil {
		return registry, nil
	}
	for _, set := range r.Selectors {
		s, err := extractor.NewSelectorStrategy(set)
		if err != nil {
			return nil, fmt.Errorf("rules: %w", err)
		}
		if err := registry.Register(s); err != nil {
			return nil, fmt.Errorf("rules: %w", err)
		}
	}
	return registry, nil
}
