package taxonomy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cost-insight/pkg/api"
)

// CatalogSource lists the service names a provider currently bills under.
type CatalogSource interface {
	Provider() api.Provider
	ServiceNames(ctx context.Context) ([]string, error)
}

// Entry is one known service name and its category
type Entry struct {
	Name       string
	Normalized string
	Category   string
	BuiltIn    bool
}

type providerCatalog struct {
	entries   []Entry
	expiresAt time.Time
}

// Catalog is the set of known service names used for exact and fuzzy lookups.
// Built-in names are always present; names fetched from sources are cached for a TTL and
// the previous set is kept when a refresh fails.
type Catalog struct {
	mu       sync.RWMutex
	builtin  map[api.Provider]map[string]Entry
	fetched  map[api.Provider]providerCatalog
	sources  map[api.Provider]CatalogSource
	cacheTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewCatalog creates a catalog seeded with the built-in tables.
func NewCatalog(sources ...CatalogSource) *Catalog {
	c := &Catalog{
		builtin:  make(map[api.Provider]map[string]Entry),
		fetched:  make(map[api.Provider]providerCatalog),
		sources:  make(map[api.Provider]CatalogSource),
		cacheTTL: 24 * time.Hour,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for provider, services := range builtinServices {
		m := make(map[string]Entry, len(services))
		for name, category := range services {
			n := normalize(name)
			m[n] = Entry{Name: name, Normalized: n, Category: category, BuiltIn: true}
		}
		c.builtin[provider] = m
	}
	for _, s := range sources {
		c.sources[s.Provider()] = s
	}
	return c
}

// AddSource registers or replaces the source for its provider.
func (c *Catalog) AddSource(s CatalogSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[s.Provider()] = s
}

// WithTTL sets how long fetched names stay fresh.
func (c *Catalog) WithTTL(ttl time.Duration) *Catalog {
	c.cacheTTL = ttl
	return c
}

// WithLogger sets the logger
func (c *Catalog) WithLogger(l zerolog.Logger) *Catalog {
	c.logger = l
	return c
}

// BuiltIn looks up an exact built-in name for provider.
func (c *Catalog) BuiltIn(provider api.Provider, raw string) (Entry, bool) {
	e, ok := c.builtin[provider][normalize(raw)]
	return e, ok
}

// Entries returns built-in and fetched names for provider, sorted by name.
func (c *Catalog) Entries(provider api.Provider) []Entry {
	c.mu.RLock()
	fetched := c.fetched[provider].entries
	c.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]Entry, 0, len(c.builtin[provider])+len(fetched))
	for _, e := range c.builtin[provider] {
		seen[e.Normalized] = true
		out = append(out, e)
	}
	for _, e := range fetched {
		if !seen[e.Normalized] {
			seen[e.Normalized] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Normalized < out[j].Normalized })
	return out
}

// Stale reports whether any source is due for a refresh.
func (c *Catalog) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	for p := range c.sources {
		if now.After(c.fetched[p].expiresAt) {
			return true
		}
	}
	return false
}

// RefreshIfStale refreshes expired providers. Source failures are logged and the previous
// names are kept; the returned error joins every failure for the caller's records.
func (c *Catalog) RefreshIfStale(ctx context.Context) error {
	c.mu.RLock()
	sources := make(map[api.Provider]CatalogSource, len(c.sources))
	for p, src := range c.sources {
		sources[p] = src
	}
	c.mu.RUnlock()

	var failed []string
	for p, src := range sources {
		c.mu.RLock()
		fresh := c.now().Before(c.fetched[p].expiresAt)
		c.mu.RUnlock()
		if fresh {
			continue
		}
		if err := c.refresh(ctx, p, src); err != nil {
			c.logger.Warn().Err(err).Str("provider", string(p)).Msg("service catalog refresh failed, keeping previous names")
			failed = append(failed, fmt.Sprintf("%s: %v", p, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("catalog refresh: %v", failed)
	}
	return nil
}

func (c *Catalog) refresh(ctx context.Context, p api.Provider, src CatalogSource) error {
	names, err := src.ServiceNames(ctx)
	if err != nil {
		return err
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		n := normalize(name)
		if n == "" {
			continue
		}
		if e, ok := c.builtin[p][n]; ok {
			entries = append(entries, e)
			continue
		}
		category, ok := CategorizeByKeyword(name)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Name: name, Normalized: n, Category: category})
	}

	c.mu.Lock()
	c.fetched[p] = providerCatalog{entries: entries, expiresAt: c.now().Add(c.cacheTTL)}
	c.mu.Unlock()

	c.logger.Debug().Str("provider", string(p)).Int("names", len(entries)).Msg("service catalog refreshed")
	return nil
}

// Equivalents returns the built-in service names per provider for a category.
func (c *Catalog) Equivalents(category string) map[api.Provider][]string {
	out := make(map[api.Provider][]string)
	for p, entries := range c.builtin {
		for _, e := range entries {
			if e.Category == category {
				out[p] = append(out[p], e.Name)
			}
		}
		sort.Strings(out[p])
	}
	for p, names := range out {
		if len(names) == 0 {
			delete(out, p)
		}
	}
	return out
}
