// manager.go: ConfigManager holds the named limiter configurations, merges
// file overrides over the built-in presets, and optionally watches the
// override file for live reload.
package ratelimit

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConfigChangeCallback is invoked after a successful reload with the full
// updated config set.
type ConfigChangeCallback func(configs map[string]Config)

// configOverride mirrors Config for YAML decoding; durations are accepted in
// Go duration syntax ("30s", "15m").
type configOverride struct {
	Algorithm   string   `yaml:"algorithm"`
	Window      string   `yaml:"window"`
	Limit       int      `yaml:"limit"`
	KeyPrefix   string   `yaml:"key_prefix"`
	AllowList   []string `yaml:"allow_list"`
	DenyList    []string `yaml:"deny_list"`
	EmitHeaders *bool    `yaml:"emit_headers"`
}

// ConfigManager is safe for concurrent use.
type ConfigManager struct {
	mu        sync.RWMutex
	configs   map[string]Config
	callbacks []ConfigChangeCallback

	watcher *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// NewConfigManager starts from the built-in presets.
func NewConfigManager(logger *zap.Logger) *ConfigManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigManager{
		configs: DefaultPresets(),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Get returns the config for a category name.
func (cm *ConfigManager) Get(name string) (Config, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cfg, ok := cm.configs[name]
	return cfg, ok
}

// All returns a copy of every named config.
func (cm *ConfigManager) All() map[string]Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[string]Config, len(cm.configs))
	for k, v := range cm.configs {
		out[k] = v
	}
	return out
}

// Set stores or replaces a named config after validating it.
func (cm *ConfigManager) Set(name string, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cm.mu.Lock()
	cfg.Name = name
	cm.configs[name] = cfg
	cm.mu.Unlock()
	return nil
}

// OnChange registers a callback fired after each successful file reload.
func (cm *ConfigManager) OnChange(cb ConfigChangeCallback) {
	cm.mu.Lock()
	cm.callbacks = append(cm.callbacks, cb)
	cm.mu.Unlock()
}

// LoadFile merges YAML overrides over the current config set. Unknown
// category names create new entries; invalid entries reject the whole file
// so a bad deploy cannot partially apply.
func (cm *ConfigManager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overrides map[string]configOverride
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("ratelimit: parse override file: %w", err)
	}

	cm.mu.Lock()
	merged := make(map[string]Config, len(cm.configs))
	for k, v := range cm.configs {
		merged[k] = v
	}
	for name, ov := range overrides {
		base, ok := merged[name]
		if !ok {
			base = Config{Name: name, EmitHeaders: true}
		}
		if ov.Algorithm != "" {
			base.Algorithm = Algorithm(ov.Algorithm)
		}
		if ov.Window != "" {
			w, err := time.ParseDuration(ov.Window)
			if err != nil {
				cm.mu.Unlock()
				return fmt.Errorf("ratelimit: override %q: bad window: %w", name, err)
			}
			base.Window = w
		}
		if ov.Limit != 0 {
			base.Limit = ov.Limit
		}
		if ov.KeyPrefix != "" {
			base.KeyPrefix = ov.KeyPrefix
		}
		if ov.AllowList != nil {
			base.AllowList = ov.AllowList
		}
		if ov.DenyList != nil {
			base.DenyList = ov.DenyList
		}
		if ov.EmitHeaders != nil {
			base.EmitHeaders = *ov.EmitHeaders
		}
		if err := base.validate(); err != nil {
			cm.mu.Unlock()
			return fmt.Errorf("ratelimit: override %q: %w", name, err)
		}
		merged[name] = base
	}
	cm.configs = merged
	callbacks := append([]ConfigChangeCallback(nil), cm.callbacks...)
	snapshot := make(map[string]Config, len(merged))
	for k, v := range merged {
		snapshot[k] = v
	}
	cm.mu.Unlock()

	for _, cb := range callbacks {
		cb(snapshot)
	}
	return nil
}

// Watch reloads the override file whenever it changes on disk. A reload that
// fails validation is logged and skipped; the last good config set stays
// active.
func (cm *ConfigManager) Watch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}
	cm.watcher = watcher

	go func() {
		for {
			select {
			case <-cm.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := cm.LoadFile(path); err != nil {
					cm.logger.Warn("rate limit override reload failed, keeping previous configs",
						zap.String("file", path), zap.Error(err))
					continue
				}
				cm.logger.Info("rate limit overrides reloaded", zap.String("file", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cm.logger.Warn("rate limit override watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (cm *ConfigManager) Close() error {
	close(cm.done)
	if cm.watcher != nil {
		return cm.watcher.Close()
	}
	return nil
}
