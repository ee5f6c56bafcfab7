package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce coalesces editor save bursts into one reload.
const reloadDebounce = 100 * time.Millisecond

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path      string
	config    *Config
	migration *MigrationResult
	mu        sync.RWMutex
	watcher   *fsnotify.Watcher
	cbMu      sync.Mutex
	onChange  []func(old, new *Config)
	ctx       context.Context
	cancel    context.CancelFunc
	errChan   chan error
	wg        sync.WaitGroup
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load reads, migrates, and validates the configuration file. An outdated
// file is backed up before its migrated form is used; the file itself is not
// rewritten.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, result, err := loadConfigFromFile(l.path, true)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.config = cfg
	l.migration = result
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Migration returns the migration applied by the last Load, or nil.
func (l *Loader) Migration() *MigrationResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.migration
}

// Watch starts watching the configuration file for changes. Valid changes
// replace the current configuration and invoke the registered callbacks.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	// Watch the directory so atomic renames by editors are seen.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	l.wg.Add(1)
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer l.wg.Done()
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// reload attempts to reload the configuration. An invalid file keeps the
// current configuration.
func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	newCfg, _, err := loadConfigFromFile(l.path, false)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}
	newCfg.ApplyEnvOverrides()
	if err := newCfg.Validate(); err != nil {
		l.report(fmt.Errorf("validate new config: %w", err))
		return
	}

	l.mu.Lock()
	oldCfg := l.config
	l.config = newCfg
	l.mu.Unlock()

	l.cbMu.Lock()
	cbs := append([]func(old, new *Config){}, l.onChange...)
	l.cbMu.Unlock()
	for _, cb := range cbs {
		cb(oldCfg, newCfg)
	}
}

// OnChange registers a callback invoked after a successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	var err error
	if l.watcher != nil {
		err = l.watcher.Close()
	}
	l.wg.Wait()
	return err
}

// loadConfigFromFile reads a config file, migrates it to the current version
// and overlays it on the defaults. A missing file yields the defaults.
func loadConfigFromFile(path string, backup bool) (*Config, *MigrationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil, nil
		}
		return nil, nil, fmt.Errorf("read config: %w", err)
	}

	doc, err := decodeDocument(path, data)
	if err != nil {
		return nil, nil, err
	}

	backupPath := ""
	if backup {
		backupPath = path
	}
	result, err := MigrateConfig(doc, backupPath)
	if err != nil {
		return nil, result, err
	}

	// Sections decode over the defaults, so omitted keys keep their default.
	bridged, err := json.Marshal(doc)
	if err != nil {
		return nil, result, fmt.Errorf("normalize config: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(bridged, cfg); err != nil {
		return nil, result, fmt.Errorf("decode config: %w", err)
	}
	return cfg, result, nil
}

// decodeDocument parses raw config bytes into a generic document.
func decodeDocument(path string, data []byte) (map[string]any, error) {
	doc := make(map[string]any)
	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := decodeJSON(data, &doc); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return autoDetectAndParse(data)
	}
	return doc, nil
}

func decodeJSON(data []byte, doc *map[string]any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(doc)
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte) (map[string]any, error) {
	doc := make(map[string]any)
	if err := toml.Unmarshal(data, &doc); err == nil {
		return doc, nil
	}
	doc = make(map[string]any)
	if err := decodeJSON(data, &doc); err == nil {
		return doc, nil
	}
	doc = make(map[string]any)
	if err := yaml.Unmarshal(data, &doc); err == nil {
		return doc, nil
	}
	return nil, fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadOrCreate loads the configuration at path, writing the defaults there
// first if the file doesn't exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}
	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
