package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/lumiagent/lumiagent/pkg/models"
)

// Selector resolves the single provider to use for a request. Selection
// is sticky within the probe freshness window: once a provider's
// successful probe is cached it keeps winning until the window lapses.
type Selector struct {
	registry *Registry
	prober   *Prober
}

// NewSelector creates a selector over the given registry and prober.
func NewSelector(registry *Registry, prober *Prober) *Selector {
	return &Selector{registry: registry, prober: prober}
}

// Select resolves a provider. preference names a provider kind to try
// first; it reorders probing but never bypasses it. Returns a typed
// NoProviderAvailable error carrying every probe failure when nothing
// is reachable.
func (s *Selector) Select(ctx context.Context, preference string) (*models.ResolvedProvider, error) {
	configured := s.registry.ListConfigured()
	if len(configured) == 0 {
		return nil, models.NewError(models.ErrNoProvider,
			"no model backend configured: set QWEN_API_BASE, DEEPSEEK_API_KEY, or DASHSCOPE_API_KEY",
			"no provider configured")
	}

	// Preference short-circuit: probe the preferred provider first and
	// return immediately on success without probing the rest.
	probed := make(map[string]models.ProbeResult)
	if preference != "" {
		if preferred, ok := s.registry.Get(preference); ok {
			probe := s.prober.Probe(ctx, preferred, false)
			if probe.OK {
				return &models.ResolvedProvider{Config: preferred, Probe: probe}, nil
			}
			// Fall through to the remaining order; remember the failure
			// so the loop below does not ping the same provider twice.
			probed[preferred.Name] = probe
		}
	}

	// Sticky window: among fresh successful cached probes, priority
	// rank decides; latency breaks ties between equal ranks only. The
	// preferred provider, if any, was already probed above, so its
	// failure cannot be shadowed here.
	if resolved := s.bestCached(configured); resolved != nil {
		return resolved, nil
	}

	var details []string
	for _, candidate := range s.registry.Ordered(preference) {
		probe, seen := probed[candidate.Name]
		if !seen {
			probe = s.prober.Probe(ctx, candidate, false)
		}
		if probe.OK {
			return &models.ResolvedProvider{Config: candidate, Probe: probe}, nil
		}
		detail := probe.Error
		if detail == "" {
			detail = "probe failed"
		}
		details = append(details, fmt.Sprintf("%s: %s", candidate.Name, detail))
	}

	return nil, models.NewError(models.ErrNoProvider,
		"all configured model backends are unreachable", details...)
}

func (s *Selector) bestCached(configured []models.ProviderConfig) *models.ResolvedProvider {
	type candidate struct {
		config models.ProviderConfig
		probe  models.ProbeResult
	}
	var healthy []candidate
	for _, p := range configured {
		if cached, ok := s.prober.Cached(p.Name); ok && cached.OK {
			healthy = append(healthy, candidate{config: p, probe: cached})
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	sort.SliceStable(healthy, func(i, j int) bool {
		if healthy[i].config.Priority != healthy[j].config.Priority {
			return healthy[i].config.Priority < healthy[j].config.Priority
		}
		return healthy[i].probe.LatencyMs < healthy[j].probe.LatencyMs
	})
	best := healthy[0]
	return &models.ResolvedProvider{Config: best.config, Probe: best.probe}
}

// StatusAll returns the current best ProbeResult per configured
// provider, probing (or refreshing) each. Used by the explicit
// "recheck" surface.
func (s *Selector) StatusAll(ctx context.Context, force bool) []models.ProbeResult {
	configured := s.registry.ListConfigured()
	results := make([]models.ProbeResult, 0, len(configured))
	for _, p := range configured {
		results = append(results, s.prober.Probe(ctx, p, force))
	}
	return results
}
