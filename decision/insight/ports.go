package insight

import (
	"context"
	"errors"
	"sync"
	"time"

	"cost-insight/pkg/api"
)

// ErrBundleNotFound is returned by a BundleStore with no bundle for the key.
var ErrBundleNotFound = errors.New("insight bundle not found")

// ErrNoPreferences is returned by a PreferenceSource without stored settings for a client.
var ErrNoPreferences = errors.New("no stored preferences")

// RecordSource supplies a client's normalized cost records for a window
type RecordSource interface {
	Records(ctx context.Context, clientID string, window api.Window) ([]api.NormalizedCostRecord, error)
}

// BundleStore persists bundles. Replace must make the new bundle visible in one step,
// superseding any earlier bundle for the same client and window.
type BundleStore interface {
	Replace(ctx context.Context, bundle *api.InsightBundle) error
	Latest(ctx context.Context, clientID string, window api.Window) (*api.InsightBundle, error)
}

// PreferenceSource supplies client preferences
type PreferenceSource interface {
	Preferences(ctx context.Context, clientID string) (api.ClientPreferences, error)
}

// Publisher announces published bundles to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, bundle *api.InsightBundle) error
}

// Observer receives run telemetry
type Observer interface {
	RunCompleted(bundle *api.InsightBundle, elapsed time.Duration)
	RunFailed(clientID string, err error)
	ComponentFailed(component string, count int)
	LLMAttempt(outcome string)
}

type nopObserver struct{}

func (nopObserver) RunCompleted(*api.InsightBundle, time.Duration) {}
func (nopObserver) RunFailed(string, error)                        {}
func (nopObserver) ComponentFailed(string, int)                    {}
func (nopObserver) LLMAttempt(string)                              {}

// MemoryStore keeps bundles in process. It backs tests and single-shot CLI runs.
type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[string]*api.InsightBundle
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[string]*api.InsightBundle)}
}

func (s *MemoryStore) Replace(ctx context.Context, bundle *api.InsightBundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[bundle.Key()] = bundle
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, clientID string, window api.Window) (*api.InsightBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[clientID+"/"+window.Key()]
	if !ok {
		return nil, ErrBundleNotFound
	}
	return b, nil
}

// Len returns the number of stored bundles.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bundles)
}

// StaticPreferences serves preferences from a map
type StaticPreferences map[string]api.ClientPreferences

func (m StaticPreferences) Preferences(_ context.Context, clientID string) (api.ClientPreferences, error) {
	p, ok := m[clientID]
	if !ok {
		return api.ClientPreferences{}, ErrNoPreferences
	}
	return p, nil
}
