package catalog

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Options configures a Catalog.
type Options struct {
	// Path of the manifest file. Empty serves Fallback only.
	Path string
	// Fallback is served when Path is empty and merged under the file's
	// tools otherwise.
	Fallback Manifest
	Debounce time.Duration
	Logger   zerolog.Logger
}

// Catalog holds the current manifest and reloads it when its file changes.
type Catalog struct {
	path     string
	fallback Manifest
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.RWMutex
	manifest Manifest

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	timerMu  sync.Mutex
	timer    *time.Timer
	onReload []func(Manifest)
}

// New loads the initial manifest.
func New(opts Options) (*Catalog, error) {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	c := &Catalog{
		path:     opts.Path,
		fallback: opts.Fallback,
		debounce: debounce,
		logger:   opts.Logger.With().Str("component", "catalog").Logger(),
		done:     make(chan struct{}),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Current returns the active manifest.
func (c *Catalog) Current() Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manifest
}

// OnReload registers fn to run after every successful reload.
func (c *Catalog) OnReload(fn func(Manifest)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = append(c.onReload, fn)
}

// Reload re-reads the manifest file. On error the previous manifest stays.
func (c *Catalog) Reload() error {
	next := c.fallback
	if c.path != "" {
		loaded, err := Load(c.path)
		if err != nil {
			return err
		}
		next = loaded.Merge(c.fallback)
	}
	if next.APIVersion == "" {
		next.APIVersion = DefaultAPIVersion
	}

	c.mu.Lock()
	c.manifest = next
	hooks := append([]func(Manifest){}, c.onReload...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(next)
	}
	c.logger.Debug().
		Str("api_version", next.APIVersion).
		Int("tools", len(next.Tools)).
		Msg("Tool manifest loaded")
	return nil
}

// Watch starts reloading on file changes. It watches the directory so
// editors that replace the file on save are still seen.
func (c *Catalog) Watch() error {
	if c.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch manifest: %w", err)
	}
	c.watcher = watcher
	go c.eventLoop()

	c.logger.Info().Str("path", c.path).Msg("Watching tool manifest")
	return nil
}

func (c *Catalog) eventLoop() {
	target := filepath.Clean(c.path)
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c.scheduleReload()

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("Watcher error")

		case <-c.done:
			return
		}
	}
}

func (c *Catalog) scheduleReload() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		select {
		case <-c.done:
			return
		default:
		}
		if err := c.Reload(); err != nil {
			c.logger.Warn().Err(err).Msg("Tool manifest reload failed, keeping previous")
		}
	})
}

// Close stops watching.
func (c *Catalog) Close() error {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.timerMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerMu.Unlock()
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
