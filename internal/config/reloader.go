package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the freshly loaded configuration.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration when the file changes or on SIGHUP.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	signals  chan os.Signal
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback
}

// NewConfigReloader creates a reloader. An empty path disables file watching.
func NewConfigReloader(path string, initial *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: initial,
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory: editors and config maps replace the file instead of writing it.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", path, err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the callback invoked after a successful reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *r.current
	return &cp
}

// Start blocks, processing file and signal events until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	for {
		select {
		case <-r.stop:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.logger.WithField("file", event.Name).Info("Configuration file changed, reloading")
			r.reload()
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Stop releases the watcher and signal subscription.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		signal.Stop(r.signals)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	if r.path == "" {
		r.logger.Warn("No configuration file to reload")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping current")
		return
	}

	r.mu.Lock()
	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		r.mu.Unlock()
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	r.current = next
	cb := r.onReload
	r.mu.Unlock()

	if cb != nil {
		if err := cb(old, next); err != nil {
			r.logger.WithError(err).Error("Configuration reload callback failed")
		}
	}
}

// validateReloadSafety rejects changes to settings wired into long-lived clients.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.Cache.Backend != new.Cache.Backend {
		return fmt.Errorf("cache.backend cannot be changed during hot reload")
	}
	if old.Redis.URL != new.Redis.URL {
		return fmt.Errorf("redis.url cannot be changed during hot reload")
	}
	if old.Storage.PublicKeyBucket != new.Storage.PublicKeyBucket ||
		old.Storage.PrivateKeyBucket != new.Storage.PrivateKeyBucket {
		return fmt.Errorf("storage key buckets cannot be changed during hot reload")
	}
	if old.Storage.MediaBucket != new.Storage.MediaBucket {
		return fmt.Errorf("storage.media_bucket cannot be changed during hot reload")
	}
	if old.Stats.Prefix != new.Stats.Prefix {
		return fmt.Errorf("stats.prefix cannot be changed during hot reload")
	}
	if old.Database.DSN != new.Database.DSN {
		return fmt.Errorf("database.dsn cannot be changed during hot reload")
	}
	return nil
}
