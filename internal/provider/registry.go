package provider

import (
	"fmt"

	"github.com/fableverse/gateway/internal/config"
)

// Registry resolves logical provider names to clients. Built once at startup.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry builds provider clients from configuration. The provider named
// "default" is preferred as the fallback; otherwise the registry falls back
// to any single configured provider. defaultModel is what every client uses
// when a request names no model.
func NewRegistry(cfgs map[string]config.ProviderConfig, defaultModel string) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	r := &Registry{providers: make(map[string]Provider, len(cfgs))}
	for name, cfg := range cfgs {
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("provider %q has no endpoint", name)
		}
		r.providers[name] = NewOpenAICompatible(name, cfg.Endpoint, cfg.APIKey, defaultModel)
	}

	if _, ok := r.providers["default"]; ok {
		r.defaultName = "default"
	} else {
		for name := range r.providers {
			r.defaultName = name
			break
		}
	}
	return r, nil
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Default returns the fallback provider.
func (r *Registry) Default() Provider {
	return r.providers[r.defaultName]
}

// Replace swaps the implementation behind a logical name. Tests use this to
// inject fakes.
func (r *Registry) Replace(name string, p Provider) {
	r.providers[name] = p
}
