// Package taxonomy maps provider-specific service names onto a unified category set.
// Resolution order is client rule, built-in table, fuzzy match, then an unmapped fallback.
package taxonomy

import (
	"github.com/rs/zerolog"

	"cost-insight/pkg/api"
)

// DefaultFuzzyThreshold is the minimum Jaro-Winkler similarity accepted as a fuzzy match.
const DefaultFuzzyThreshold = 0.88

// Mapper resolves service names for any client
type Mapper struct {
	catalog   *Catalog
	caches    *Registry
	threshold float64
	logger    zerolog.Logger
}

// NewMapper creates a mapper over a catalog and an explicit per-client cache registry.
func NewMapper(catalog *Catalog, caches *Registry) *Mapper {
	if catalog == nil {
		catalog = NewCatalog()
	}
	if caches == nil {
		caches = NewRegistry()
	}
	return &Mapper{
		catalog:   catalog,
		caches:    caches,
		threshold: DefaultFuzzyThreshold,
		logger:    zerolog.Nop(),
	}
}

// WithFuzzyThreshold overrides the similarity cutoff.
func (m *Mapper) WithFuzzyThreshold(t float64) *Mapper {
	if t > 0 && t <= 1 {
		m.threshold = t
	}
	return m
}

// WithLogger sets the logger
func (m *Mapper) WithLogger(l zerolog.Logger) *Mapper {
	m.logger = l
	return m
}

// Catalog returns the underlying catalog.
func (m *Mapper) Catalog() *Catalog {
	return m.catalog
}

// Caches returns the per-client cache registry.
func (m *Mapper) Caches() *Registry {
	return m.caches
}

// Map resolves a service name for a client. It never fails.
func (m *Mapper) Map(provider api.Provider, raw, clientID string) api.ServiceMapping {
	cache := m.caches.For(clientID)
	snap := cache.Snapshot()

	if rule, ok := snap.matchRule(provider, raw); ok {
		return api.ServiceMapping{
			Provider:        provider,
			RawServiceName:  raw,
			UnifiedCategory: rule.Category,
			Confidence:      1.0,
			Source:          api.SourceCustomRule,
		}
	}

	if e, ok := m.catalog.BuiltIn(provider, raw); ok {
		return api.ServiceMapping{
			Provider:        provider,
			RawServiceName:  raw,
			UnifiedCategory: e.Category,
			Confidence:      1.0,
			Source:          api.SourceBuiltIn,
		}
	}

	key := learnKey(provider, raw)
	if learned, ok := snap.learned[key]; ok {
		return learned
	}

	if mapping, ok := m.fuzzy(provider, raw); ok {
		version := cache.Learn(key, mapping)
		m.logger.Debug().
			Str("client_id", clientID).
			Str("provider", string(provider)).
			Str("service", raw).
			Str("category", mapping.UnifiedCategory).
			Float64("confidence", mapping.Confidence).
			Uint64("cache_version", version).
			Msg("learned fuzzy service mapping")
		return mapping
	}

	m.logger.Info().
		Str("client_id", clientID).
		Str("provider", string(provider)).
		Str("service", raw).
		Msg("service name unmapped, flagged for review")
	return api.ServiceMapping{
		Provider:        provider,
		RawServiceName:  raw,
		UnifiedCategory: CategoryUncategorized,
		Confidence:      0.0,
		Source:          api.SourceUnmapped,
		NeedsReview:     true,
	}
}

func (m *Mapper) fuzzy(provider api.Provider, raw string) (api.ServiceMapping, bool) {
	target := normalize(raw)
	if target == "" {
		return api.ServiceMapping{}, false
	}

	providers := []api.Provider{provider}
	if !provider.Valid() {
		providers = []api.Provider{api.ProviderAWS, api.ProviderGCP, api.ProviderAzure}
	}

	var best Entry
	bestScore := 0.0
	for _, p := range providers {
		// Entries are sorted, so ties resolve to the same entry every time.
		for _, e := range m.catalog.Entries(p) {
			if s := similarity(target, e.Normalized); s > bestScore {
				best, bestScore = e, s
			}
		}
	}
	if bestScore < m.threshold {
		return api.ServiceMapping{}, false
	}
	return api.ServiceMapping{
		Provider:        provider,
		RawServiceName:  raw,
		UnifiedCategory: best.Category,
		Confidence:      bestScore,
		Source:          api.SourceFuzzy,
		NeedsReview:     bestScore < m.threshold+(1-m.threshold)/2,
	}, true
}

// EquivalentServices returns each provider's service names for a unified category.
func (m *Mapper) EquivalentServices(category string) map[api.Provider][]string {
	return m.catalog.Equivalents(category)
}

func learnKey(provider api.Provider, raw string) string {
	return string(provider) + "|" + normalize(raw)
}
