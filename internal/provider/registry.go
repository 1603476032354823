// Package provider implements the multi-backend model routing core:
// the registry of configured backends, the connectivity prober with its
// freshness cache, the deterministic selector, and the OpenAI-compatible
// chat-completion client shared by all backends.
package provider

import (
	"sort"
	"strings"

	"github.com/lumiagent/lumiagent/internal/config"
	"github.com/lumiagent/lumiagent/pkg/models"
)

// Registry holds the set of configured model backends, built once at
// startup. No network calls happen here; an empty registry is a valid
// state that downstream components report as NoProviderAvailable.
type Registry struct {
	providers []models.ProviderConfig
}

// NewRegistry builds the registry from the recognized environment
// configuration. The local endpoint needs only a base URL; key-based
// providers need a non-empty key. Fixed priority order: local first,
// then DeepSeek, then DashScope.
func NewRegistry(cfg config.ProvidersConfig) *Registry {
	var list []models.ProviderConfig

	if base := strings.TrimRight(cfg.LocalBaseURL, "/"); base != "" {
		base = strings.TrimSuffix(base, "/chat/completions")
		list = append(list, models.ProviderConfig{
			Name:           models.ProviderLocal,
			Kind:           models.ProviderLocal,
			Label:          "Local self-hosted API",
			BaseURL:        base,
			APIKey:         cfg.LocalAPIKey,
			DefaultModel:   cfg.LocalModel,
			RequestTimeout: cfg.RequestTimeout,
			Priority:       0,
		})
	}

	if cfg.DeepSeekAPIKey != "" {
		list = append(list, models.ProviderConfig{
			Name:           models.ProviderDeepSeek,
			Kind:           models.ProviderDeepSeek,
			Label:          "DeepSeek cloud API",
			BaseURL:        strings.TrimRight(cfg.DeepSeekBase, "/") + "/v1",
			APIKey:         cfg.DeepSeekAPIKey,
			DefaultModel:   cfg.DeepSeekModel,
			RequestTimeout: cfg.RequestTimeout,
			Priority:       1,
		})
	}

	if cfg.DashScopeKey != "" {
		list = append(list, models.ProviderConfig{
			Name:           models.ProviderDashScope,
			Kind:           models.ProviderDashScope,
			Label:          "DashScope (Aliyun)",
			BaseURL:        "https://dashscope.aliyuncs.com/compatible-mode/v1",
			APIKey:         cfg.DashScopeKey,
			DefaultModel:   cfg.LocalModel,
			RequestTimeout: cfg.RequestTimeout,
			Priority:       2,
		})
	}

	return &Registry{providers: list}
}

// NewRegistryFrom builds a registry from explicit provider configs.
// Used by tests and by callers that manage configuration themselves.
func NewRegistryFrom(providers ...models.ProviderConfig) *Registry {
	list := make([]models.ProviderConfig, len(providers))
	copy(list, providers)
	return &Registry{providers: list}
}

// ListConfigured returns the configured providers in priority order.
func (r *Registry) ListConfigured() []models.ProviderConfig {
	out := make([]models.ProviderConfig, len(r.providers))
	copy(out, r.providers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Get returns the configured provider of the given kind.
func (r *Registry) Get(kind string) (models.ProviderConfig, bool) {
	for _, p := range r.providers {
		if p.Kind == kind {
			return p, true
		}
	}
	return models.ProviderConfig{}, false
}

// Ordered returns the candidate probe order: priority order, with the
// preferred kind moved to the front when it is configured. Preference
// bypasses ordering only, never probing.
func (r *Registry) Ordered(preference string) []models.ProviderConfig {
	ordered := r.ListConfigured()
	if preference == "" {
		return ordered
	}
	var preferred, others []models.ProviderConfig
	for _, p := range ordered {
		if p.Kind == preference {
			preferred = append(preferred, p)
		} else {
			others = append(others, p)
		}
	}
	return append(preferred, others...)
}
