package taxonomy

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"cost-insight/pkg/api"
)

type compiledRule struct {
	rule  api.MappingRule
	match func(string) bool
}

// Snapshot is an immutable view of one client's mapping state.
// Readers hold a snapshot for the duration of a lookup and never see a partial update.
type Snapshot struct {
	Version uint64
	rules   []compiledRule
	learned map[string]api.ServiceMapping
}

// Rules returns the client's custom rules in evaluation order.
func (s *Snapshot) Rules() []api.MappingRule {
	out := make([]api.MappingRule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.rule
	}
	return out
}

// LearnedCount returns the number of remembered fuzzy matches.
func (s *Snapshot) LearnedCount() int {
	return len(s.learned)
}

func (s *Snapshot) matchRule(provider api.Provider, raw string) (api.MappingRule, bool) {
	for _, r := range s.rules {
		if r.rule.Provider != "" && r.rule.Provider != provider {
			continue
		}
		if r.match(raw) {
			return r.rule, true
		}
	}
	return api.MappingRule{}, false
}

// ClientCache holds the mapping state of a single client.
// Every update builds a new Snapshot and swaps it in with a higher version.
type ClientCache struct {
	clientID string
	current  atomic.Pointer[Snapshot]
	writeMu  sync.Mutex
}

func newClientCache(clientID string) *ClientCache {
	c := &ClientCache{clientID: clientID}
	c.current.Store(&Snapshot{learned: map[string]api.ServiceMapping{}})
	return c
}

// ClientID returns the owning client.
func (c *ClientCache) ClientID() string {
	return c.clientID
}

// Snapshot returns the current state.
func (c *ClientCache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Version returns the current snapshot version.
func (c *ClientCache) Version() uint64 {
	return c.current.Load().Version
}

// ReplaceRules compiles rules and installs them. Learned fuzzy matches are dropped because a
// new rule set may shadow them. Nothing changes when any rule fails to compile.
func (c *ClientCache) ReplaceRules(rules []api.MappingRule) (uint64, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		m, err := r.Compile()
		if err != nil {
			return c.Version(), fmt.Errorf("client %s rule %d: %w", c.clientID, i, err)
		}
		compiled = append(compiled, compiledRule{rule: r, match: m})
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	next := &Snapshot{
		Version: c.current.Load().Version + 1,
		rules:   compiled,
		learned: map[string]api.ServiceMapping{},
	}
	c.current.Store(next)
	return next.Version, nil
}

// EnsureRules replaces the rule set only when it differs from the installed one.
func (c *ClientCache) EnsureRules(rules []api.MappingRule) (uint64, bool, error) {
	if slices.Equal(c.Snapshot().Rules(), rules) {
		return c.Version(), false, nil
	}
	v, err := c.ReplaceRules(rules)
	return v, err == nil, err
}

// Learn remembers a fuzzy match so later lookups return the same mapping.
func (c *ClientCache) Learn(key string, m api.ServiceMapping) uint64 {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	prev := c.current.Load()
	if _, ok := prev.learned[key]; ok {
		return prev.Version
	}
	learned := make(map[string]api.ServiceMapping, len(prev.learned)+1)
	for k, v := range prev.learned {
		learned[k] = v
	}
	learned[key] = m
	next := &Snapshot{Version: prev.Version + 1, rules: prev.rules, learned: learned}
	c.current.Store(next)
	return next.Version
}

// Invalidate forgets learned matches and keeps custom rules.
func (c *ClientCache) Invalidate() uint64 {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	prev := c.current.Load()
	next := &Snapshot{Version: prev.Version + 1, rules: prev.rules, learned: map[string]api.ServiceMapping{}}
	c.current.Store(next)
	return next.Version
}

// Registry owns one ClientCache per client.
type Registry struct {
	mu     sync.Mutex
	caches map[string]*ClientCache
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]*ClientCache)}
}

// For returns the cache for clientID, creating it on first use.
func (r *Registry) For(clientID string) *ClientCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[clientID]
	if !ok {
		c = newClientCache(clientID)
		r.caches[clientID] = c
	}
	return c
}

// Replace installs a new rule set for clientID.
func (r *Registry) Replace(clientID string, rules []api.MappingRule) (uint64, error) {
	return r.For(clientID).ReplaceRules(rules)
}

// Invalidate drops learned matches for clientID.
func (r *Registry) Invalidate(clientID string) uint64 {
	return r.For(clientID).Invalidate()
}

// Clients lists clients with a cache.
func (r *Registry) Clients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.caches))
	for id := range r.caches {
		out = append(out, id)
	}
	return out
}
