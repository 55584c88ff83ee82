package provider

import (
	"strings"
	"sync"

	"github.com/planfolio/billing/internal/config"
	"github.com/planfolio/billing/internal/provider/adapters"
	"github.com/planfolio/billing/internal/provider/domain"
)

// Resolver builds and caches one adapter per configured provider.
type Resolver struct {
	registry *adapters.Registry
	secrets  map[string]string

	mu    sync.Mutex
	cache map[string]domain.Adapter
}

func NewResolver(registry *adapters.Registry, cfg config.Config) *Resolver {
	secrets := make(map[string]string, len(cfg.ProviderWebhookSecrets))
	for name, secret := range cfg.ProviderWebhookSecrets {
		secrets[strings.ToLower(name)] = secret
	}
	// dev fallback so the fake provider works out of the box
	if _, ok := secrets["fake"]; !ok {
		secrets["fake"] = "fake-webhook-secret"
	}
	return &Resolver{
		registry: registry,
		secrets:  secrets,
		cache:    map[string]domain.Adapter{},
	}
}

func (r *Resolver) Adapter(provider string) (domain.Adapter, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || !r.registry.ProviderExists(provider) {
		return nil, domain.ErrProviderNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter, ok := r.cache[provider]; ok {
		return adapter, nil
	}

	secret, ok := r.secrets[provider]
	if !ok {
		return nil, domain.ErrInvalidConfig
	}
	adapter, err := r.registry.NewAdapter(provider, domain.AdapterConfig{
		Config: map[string]any{"webhook_secret": secret},
	})
	if err != nil {
		return nil, err
	}
	r.cache[provider] = adapter
	return adapter, nil
}
