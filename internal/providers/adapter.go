// Package providers holds the per-provider adapters in front of the collection layer.
// The insight engine never depends on an adapter directly; it consumes the normalized
// records a Registry yields as an insight.RecordSource.
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cost-insight/decision/insight"
	"cost-insight/decision/taxonomy"
	"cost-insight/pkg/api"
)

// Adapter is the capability set every provider implements
type Adapter interface {
	Provider() api.Provider
	Collect(ctx context.Context, batch *Batch) ([]api.NormalizedCostRecord, error)
	ValidateCredentials(ctx context.Context) error
	MapService(rawServiceName, clientID string) api.ServiceMapping
}

// Batch is one store read for a (client, window), grouped by provider and shared by
// every adapter in a run.
type Batch struct {
	ClientID string
	Window   api.Window

	byProvider map[api.Provider][]api.NormalizedCostRecord
}

// NewBatch groups records by provider, keeping their order within each provider.
func NewBatch(clientID string, window api.Window, records []api.NormalizedCostRecord) *Batch {
	b := &Batch{ClientID: clientID, Window: window, byProvider: make(map[api.Provider][]api.NormalizedCostRecord)}
	for _, r := range records {
		b.byProvider[r.Provider] = append(b.byProvider[r.Provider], r)
	}
	return b
}

// For returns the records of provider p.
func (b *Batch) For(p api.Provider) []api.NormalizedCostRecord {
	return b.byProvider[p]
}

// Providers lists the providers present in the batch in order.
func (b *Batch) Providers() []api.Provider {
	out := make([]api.Provider, 0, len(b.byProvider))
	for p := range b.byProvider {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// base takes a provider's share of already-normalized records and maps service names
// through the taxonomy.
type base struct {
	provider api.Provider
	mapper   *taxonomy.Mapper
}

func (b base) Provider() api.Provider {
	return b.provider
}

func (b base) Collect(ctx context.Context, batch *Batch) ([]api.NormalizedCostRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: collect: %w", b.provider, err)
	}
	recs := batch.For(b.provider)
	out := make([]api.NormalizedCostRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (b base) MapService(raw, clientID string) api.ServiceMapping {
	return b.mapper.Map(b.provider, raw, clientID)
}

// Registry reads a run's records once and fans them out to every registered adapter
type Registry struct {
	source insight.RecordSource
	logger zerolog.Logger

	mu       sync.RWMutex
	adapters map[api.Provider]Adapter
}

// NewRegistry creates a registry reading from source with the given adapters
func NewRegistry(source insight.RecordSource, adapters ...Adapter) *Registry {
	r := &Registry{source: source, logger: zerolog.Nop(), adapters: make(map[api.Provider]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// WithLogger sets the logger
func (r *Registry) WithLogger(l zerolog.Logger) *Registry {
	r.logger = l
	return r
}

// Register adds or replaces the adapter for its provider
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
}

// Adapter returns the adapter for p
func (r *Registry) Adapter(p api.Provider) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

// Providers lists registered providers in order
func (r *Registry) Providers() []api.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Records reads the store once, then collects from every adapter concurrently. Any
// failure fails the call so a run never sees a silently partial bill. Records of a
// provider with no adapter are dropped with a warning.
func (r *Registry) Records(ctx context.Context, clientID string, window api.Window) ([]api.NormalizedCostRecord, error) {
	if r.source == nil {
		return nil, nil
	}
	all, err := r.source.Records(ctx, clientID, window)
	if err != nil {
		return nil, fmt.Errorf("collect: %w", err)
	}
	batch := NewBatch(clientID, window, all)

	for _, p := range batch.Providers() {
		if _, ok := r.Adapter(p); !ok {
			r.logger.Warn().
				Str("component", "providers").
				Str("client_id", clientID).
				Str("window", window.Key()).
				Str("provider", string(p)).
				Int("records", len(batch.For(p))).
				Msg("records for a provider that is not enabled were dropped")
		}
	}

	providers := r.Providers()
	parts := make([][]api.NormalizedCostRecord, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		i, p := i, p
		a, _ := r.Adapter(p)
		g.Go(func() error {
			recs, err := a.Collect(gctx, batch)
			if err != nil {
				return err
			}
			parts[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []api.NormalizedCostRecord
	for _, p := range parts {
		out = append(out, p...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// ValidateAll checks every adapter's credentials and returns the failures by provider
func (r *Registry) ValidateAll(ctx context.Context) map[api.Provider]error {
	failures := make(map[api.Provider]error)
	for _, p := range r.Providers() {
		a, _ := r.Adapter(p)
		if err := a.ValidateCredentials(ctx); err != nil {
			failures[p] = err
		}
	}
	return failures
}

var _ insight.RecordSource = (*Registry)(nil)
