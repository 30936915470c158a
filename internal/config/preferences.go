package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"cost-insight/decision/insight"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

type preferenceDocument struct {
	Clients []api.ClientPreferences `yaml:"clients"`
}

// ParsePreferences decodes a YAML preference document of the form
//
//	clients:
//	  - client_id: acme
//	    anomaly_sensitivity: high
//
// Missing optional fields take their defaults. Any invalid entry, duplicate client or
// unknown field rejects the whole document.
func ParsePreferences(data []byte) (map[string]api.ClientPreferences, error) {
	var doc preferenceDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidPreferences, fmt.Sprintf("preferences: %v", err))
	}

	out := make(map[string]api.ClientPreferences, len(doc.Clients))
	for i, p := range doc.Clients {
		p = p.WithDefaults()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("preferences entry %d: %w", i, err)
		}
		if _, dup := out[p.ClientID]; dup {
			return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidPreferences,
				fmt.Sprintf("preferences: client %s listed twice", p.ClientID))
		}
		out[p.ClientID] = p
	}
	return out, nil
}

// PreferenceFile serves client preferences from a YAML file and can reload it in place.
type PreferenceFile struct {
	path  string
	mu    sync.RWMutex
	prefs map[string]api.ClientPreferences
}

// LoadPreferenceFile reads and validates the file at path
func LoadPreferenceFile(path string) (*PreferenceFile, error) {
	f := &PreferenceFile{path: path}
	if _, err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the watched file path
func (f *PreferenceFile) Path() string {
	return f.path
}

func (f *PreferenceFile) Preferences(_ context.Context, clientID string) (api.ClientPreferences, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prefs[clientID]
	if !ok {
		return api.ClientPreferences{}, insight.ErrNoPreferences
	}
	return p, nil
}

// Clients lists configured client IDs in order
func (f *PreferenceFile) Clients() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.prefs))
	for id := range f.prefs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reload re-reads the file and returns the clients whose preferences were added, changed
// or removed. A file that fails to parse leaves the current preferences in place.
func (f *PreferenceFile) Reload() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	next, err := ParsePreferences(data)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	prev := f.prefs
	f.prefs = next
	f.mu.Unlock()

	var changed []string
	for id, p := range next {
		if old, ok := prev[id]; !ok || !reflect.DeepEqual(old, p) {
			changed = append(changed, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

var _ insight.PreferenceSource = (*PreferenceFile)(nil)
