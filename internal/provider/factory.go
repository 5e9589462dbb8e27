package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"orderdesk/internal/config"
	"orderdesk/internal/domain"
)

// constructor creates a provider from a config entry.
type constructor func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider

// Factory creates and caches LLM providers from config.
type Factory struct {
	providers    map[string]config.ProviderConfig
	client       *http.Client
	logger       *slog.Logger
	constructors map[string]constructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory for the built-in providers.
// client may be nil, in which case each provider builds its own pooled client.
func NewFactory(providers map[string]config.ProviderConfig, client *http.Client, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		providers:    providers,
		client:       client,
		logger:       logger,
		constructors: make(map[string]constructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// registerDefaults registers all built-in provider constructors.
func (f *Factory) registerDefaults() {
	f.constructors["ollama"] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, HTTPClient: client, Logger: logger})
	}

	f.constructors["openai"] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider {
		return NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, HTTPClient: client, Logger: logger})
	}

	f.constructors["claude"] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider {
		return NewClaude(ClaudeConfig{APIKey: pc.APIKey, APIURL: pc.APIBase, Model: pc.DefaultModel, HTTPClient: client, Logger: logger})
	}
}

// needsKey reports whether a provider cannot work without an API key.
func needsKey(name string) bool {
	return name != "ollama"
}

// Get returns the named provider. It fails with domain.ErrNotConfigured when
// the provider is disabled or lacks its API key.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.Provider, error) {
	// Fast path: read lock.
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	// Slow path: write lock with double-check.
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled: %w", name, domain.ErrNotConfigured)
	}

	ctor, found := f.constructors[name]
	if found && needsKey(name) && pc.APIKey == "" {
		return nil, fmt.Errorf("provider %s has no API key: %w", name, domain.ErrNotConfigured)
	}

	var p domain.Provider
	if found {
		p = ctor(pc, f.client, f.logger)
	} else if pc.APIBase != "" && pc.APIKey != "" {
		// Fallback: treat unknown providers as OpenAI-compatible.
		p = NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, HTTPClient: f.client, Logger: f.logger})
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base/key configured: %w", name, domain.ErrNotConfigured)
	}

	f.cache[name] = p
	return p, nil
}

