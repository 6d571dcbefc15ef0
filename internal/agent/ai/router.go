package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/keyring"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// KeyLookup resolves a missing API key, e.g. from the OS keychain
type KeyLookup func(provider string) string

// New builds the named provider from its configuration
func New(ctx context.Context, name string, pc config.ProviderConfig, model string, lookup KeyLookup) (Provider, error) {
	apiKey := pc.APIKey
	if apiKey == "" && lookup != nil && name != "ollama" {
		apiKey = lookup(name)
	}

	switch name {
	case "openai":
		if apiKey == "" && pc.BaseURL == "" {
			return nil, fmt.Errorf("%w: openai api key missing", ErrNoProvider)
		}
		return NewOpenAIProvider(apiKey, pc.BaseURL, model), nil
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("%w: anthropic api key missing", ErrNoProvider)
		}
		return NewAnthropicProvider(apiKey, model), nil
	case "ollama":
		return NewOllamaProvider(pc.BaseURL, model), nil
	case "gemini":
		if apiKey == "" {
			return nil, fmt.Errorf("%w: gemini api key missing", ErrNoProvider)
		}
		return NewGeminiProvider(ctx, apiKey, model)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNoProvider, name)
	}
}

// NewFromConfig builds the default provider named by agent.provider.
// Missing keys are looked up in the OS keychain.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Provider, error) {
	name := cfg.Agent.Provider
	return New(ctx, name, providerConfig(cfg, name), cfg.Agent.Model, keyring.Lookup)
}

func providerConfig(cfg *config.Config, name string) config.ProviderConfig {
	switch name {
	case "openai":
		return cfg.Providers.OpenAI
	case "anthropic":
		return cfg.Providers.Anthropic
	case "ollama":
		return cfg.Providers.Ollama
	case "gemini":
		return cfg.Providers.Gemini
	}
	return config.ProviderConfig{}
}

// Router resolves model overrides of the form "provider/model" to a
// provider. A bare model name stays on the default provider.
type Router struct {
	def    Provider
	build  func(name string) (Provider, error)
	mu     sync.Mutex
	cached map[string]Provider
}

// NewRouter creates a router around the default provider. build constructs
// other providers on first use; nil disables cross-provider overrides.
func NewRouter(def Provider, build func(name string) (Provider, error)) *Router {
	r := &Router{def: def, build: build, cached: make(map[string]Provider)}
	if def != nil {
		r.cached[def.ID()] = def
	}
	return r
}

// NewRouterFromConfig creates a router whose extra providers come from cfg
func NewRouterFromConfig(ctx context.Context, cfg *config.Config, def Provider) *Router {
	return NewRouter(def, func(name string) (Provider, error) {
		return New(ctx, name, providerConfig(cfg, name), "", keyring.Lookup)
	})
}

// Default returns the default provider
func (r *Router) Default() Provider {
	return r.def
}

// Resolve returns the provider and model for an override. An empty override
// returns the default provider and an empty model (the provider's own default).
func (r *Router) Resolve(override string) (Provider, string) {
	override = strings.TrimSpace(override)
	if override == "" {
		return r.def, ""
	}
	name, model, ok := strings.Cut(override, "/")
	if !ok || !knownProvider(name) {
		return r.def, override
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cached[name]; ok {
		return p, model
	}
	if r.build == nil {
		return r.def, model
	}
	p, err := r.build(name)
	if err != nil {
		logging.Warnf("[AI] Model override %q unavailable, using %s: %v", override, r.def.ID(), err)
		return r.def, model
	}
	r.cached[name] = p
	return p, model
}

func knownProvider(name string) bool {
	switch name {
	case "openai", "anthropic", "ollama", "gemini":
		return true
	}
	return false
}
