package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/relay/pkg/models"
)

// Snapshot is the read-only view of the active configuration handed to the
// router, loop, and supervisor. Readers obtain a consistent *Config pointer;
// reload replaces the pointer atomically.
type Snapshot struct {
	current atomic.Pointer[Config]
	path    string
}

// NewSnapshot wraps an already-loaded Config.
func NewSnapshot(cfg *Config, path string) *Snapshot {
	s := &Snapshot{path: path}
	s.current.Store(cfg)
	return s
}

// Get returns the current configuration. The returned Config must be treated
// as immutable.
func (s *Snapshot) Get() *Config {
	return s.current.Load()
}

// Reload re-reads the config file and swaps the snapshot. On error the
// previous configuration stays active.
func (s *Snapshot) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)
	return nil
}

// Publisher is the narrow event-bus capability the watcher needs.
type Publisher interface {
	Publish(event models.Event)
}

// logger is the narrow logging capability the watcher needs.
type logger interface {
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
}

// Watch observes the config file and the capability profile store for writes
// and publishes invalidation events. A config write also reloads the
// snapshot. Watch blocks until ctx is cancelled.
//
// Editors replace files with rename+create, so the watcher observes the
// parent directories, filters events by path, and debounces bursts of events
// for the same path.
func (s *Snapshot) Watch(ctx context.Context, bus Publisher, log logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watchPaths := map[string]models.EventType{}
	if s.path != "" {
		watchPaths[filepath.Clean(s.path)] = models.EventConfigInvalidated
	}
	if cfg := s.Get(); cfg != nil && cfg.Profiles.Path != "" {
		watchPaths[filepath.Clean(cfg.Profiles.Path)] = models.EventProfilesInvalidated
	}

	dirs := map[string]bool{}
	for p := range watchPaths {
		dir := filepath.Dir(p)
		if !dirs[dir] {
			if err := watcher.Add(dir); err != nil {
				return err
			}
			dirs[dir] = true
		}
	}

	const debounce = 200 * time.Millisecond
	pending := map[string]*time.Timer{}
	fire := make(chan string, 8)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(event.Name)
			if _, watched := watchPaths[path]; !watched {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if t, exists := pending[path]; exists {
				t.Stop()
			}
			p := path
			pending[path] = time.AfterFunc(debounce, func() {
				select {
				case fire <- p:
				case <-ctx.Done():
				}
			})

		case path := <-fire:
			delete(pending, path)
			eventType := watchPaths[path]
			if eventType == models.EventConfigInvalidated {
				if err := s.Reload(); err != nil {
					if log != nil {
						log.Warn(ctx, "config reload failed, keeping previous", "error", err)
					}
					continue
				}
			}
			if log != nil {
				log.Info(ctx, "configuration change detected", "path", path, "signal", string(eventType))
			}
			if bus != nil {
				bus.Publish(models.Event{Type: eventType, Time: time.Now()})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if log != nil {
				log.Warn(ctx, "config watcher error", "error", err)
			}
		}
	}
}
