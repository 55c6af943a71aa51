package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codenomad/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches .nomad/config.yaml for changes and reloads it without a
// restart. Rapid editor saves are debounced so a reload fires once per burst.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	workspace   string // Base workspace directory
	configDir   string // Full path being watched (workspace/.nomad)
	onReload    func(*Config)
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity for debugging.
type WatcherStats struct {
	FilesModified    int
	ReloadsTriggered int
	Errors           int
	LastEventTime    time.Time
	LastEventPath    string
	LastEventType    string
}

// NewWatcher creates a config watcher for the given workspace. onReload is
// called with the freshly loaded config after each settled change; it may be
// nil.
func NewWatcher(workspace string, onReload func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:     watcher,
		workspace:   workspace,
		configDir:   filepath.Join(workspace, ".nomad"),
		onReload:    onReload,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	return w, nil
}

// Start begins watching the .nomad directory for config changes.
// This method is non-blocking; it starts the watcher in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.configDir, 0755); err != nil {
		logging.ConfigWarn("Watcher: failed to create config dir %s: %v (continuing anyway)", w.configDir, err)
	}

	// Watch the directory, not the file: editors replace config.yaml on save
	// and a file watch would be lost after the first rename.
	if err := w.watcher.Add(w.configDir); err != nil {
		logging.ConfigWarn("Watcher: initial watch failed (dir may not exist): %v", err)
	} else {
		logging.Config("Watcher: watching directory: %s", w.configDir)
	}

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.ConfigError("Watcher: error closing watcher: %v", err)
	}
	logging.Config("Watcher: stopped")
}

// run is the main event loop for the watcher.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// Debounce timer for batching rapid changes
	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Config("Watcher: context cancelled")
			return

		case <-w.stopCh:
			logging.Config("Watcher: stop signal received")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				logging.Config("Watcher: event channel closed")
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				logging.Config("Watcher: error channel closed")
				return
			}
			logging.ConfigError("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebouncedEvents()
		}
	}
}

// handleEvent processes a single filesystem event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Only care about the config file itself
	if filepath.Base(event.Name) != "config.yaml" {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return // Ignore chmod and removes
	}

	logging.ConfigDebug("Watcher: %s event for %s", eventType, event.Name)

	w.mu.Lock()
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.stats.LastEventType = eventType
	w.stats.FilesModified++

	// Debounce: record the event for later processing
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebouncedEvents reloads paths that have settled past the debounce window.
func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	toProcess := make([]string, 0)

	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			toProcess = append(toProcess, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range toProcess {
		w.reload(path)
	}
}

// reload loads the changed config file and fans it out.
func (w *Watcher) reload(path string) {
	logging.Config("Watcher: reloading config: %s", path)

	cfg, err := Load(path)
	if err != nil {
		logging.ConfigError("Watcher: failed to reload %s: %v", path, err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	if err := cfg.Validate(); err != nil {
		logging.ConfigWarn("Watcher: reloaded config is invalid, keeping previous: %v", err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.stats.ReloadsTriggered++
	w.mu.Unlock()

	// Let the logging package pick up level/category changes
	if err := logging.ReloadConfig(); err != nil {
		logging.ConfigWarn("Watcher: logging reload failed: %v", err)
	}

	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// GetStats returns the current watcher statistics.
func (w *Watcher) GetStats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// ResetStats resets the watcher statistics.
func (w *Watcher) ResetStats() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats = WatcherStats{}
}

// IsWatching returns true if the watcher is currently running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetWatchedDirs returns the directories being watched.
func (w *Watcher) GetWatchedDirs() []string {
	return w.watcher.WatchList()
}

// TriggerReload manually reloads the config file if it exists.
// Useful at startup.
func (w *Watcher) TriggerReload() error {
	path := WorkspaceConfigPath(w.workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			logging.ConfigDebug("Watcher: config does not exist: %s", path)
			return nil
		}
		return err
	}
	w.reload(path)
	return nil
}
