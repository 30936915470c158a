package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"cost-insight/decision/taxonomy"
)

// PreferenceWatcher reloads a PreferenceFile when it changes on disk and installs each
// changed client's custom mapping rules as a new cache version.
type PreferenceWatcher struct {
	file     *PreferenceFile
	caches   *taxonomy.Registry
	debounce time.Duration
	onReload func(changed []string)
	logger   zerolog.Logger
}

// NewPreferenceWatcher creates a watcher over file feeding caches
func NewPreferenceWatcher(file *PreferenceFile, caches *taxonomy.Registry) *PreferenceWatcher {
	return &PreferenceWatcher{
		file:     file,
		caches:   caches,
		debounce: 250 * time.Millisecond,
		logger:   zerolog.Nop(),
	}
}

// WithDebounce sets how long writes must settle before a reload
func (w *PreferenceWatcher) WithDebounce(d time.Duration) *PreferenceWatcher {
	w.debounce = d
	return w
}

// WithLogger sets the logger
func (w *PreferenceWatcher) WithLogger(l zerolog.Logger) *PreferenceWatcher {
	w.logger = l.With().Str("component", "preferences").Logger()
	return w
}

// OnReload registers a callback run after every successful reload
func (w *PreferenceWatcher) OnReload(fn func(changed []string)) *PreferenceWatcher {
	w.onReload = fn
	return w
}

// Run watches until ctx is done. The file's directory is watched so editors that
// replace the file by rename are still seen.
func (w *PreferenceWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.file.Path())
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("preference watcher error")

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *PreferenceWatcher) reload() {
	changed, err := w.file.Reload()
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.file.Path()).Msg("preference reload rejected, keeping previous")
		return
	}
	for _, id := range changed {
		// a removed client yields zero preferences, clearing its rules
		p, _ := w.file.Preferences(context.Background(), id)
		version, err := w.caches.Replace(id, p.CustomRules)
		if err != nil {
			w.logger.Error().Err(err).Str("client_id", id).Msg("mapping rules rejected")
			continue
		}
		w.logger.Info().Str("client_id", id).Uint64("cache_version", version).Msg("mapping cache replaced")
	}
	if w.onReload != nil {
		w.onReload(changed)
	}
}
