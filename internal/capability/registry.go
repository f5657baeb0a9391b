package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/haasonsaas/relay/pkg/models"
)

// View is the read-only capability surface the router, loop, and provider
// adapter depend on. Keeping them off the full Registry breaks the
// router ↔ adapter ↔ registry dependency cycle.
type View interface {
	// Lookup returns the profile for a model id, synthesising a default
	// profile for unknown models. The second return reports whether the
	// profile came from the store.
	Lookup(modelID string) (Profile, bool)

	// ResolveAlias maps a model's native tool name to the canonical
	// tool-server name. Idempotent.
	ResolveAlias(modelID, name string) string
}

// Registry is the copy-on-write profile store. Readers obtain a consistent
// snapshot pointer; Refresh replaces the pointer atomically.
type Registry struct {
	path     string
	profiles atomic.Pointer[map[string]Profile]
}

// NewRegistry loads the profile store at path. An empty path yields an empty
// registry that serves synthesised defaults for every model.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh reloads profiles from the store file. On error the previous
// snapshot stays active and the error is returned.
func (r *Registry) Refresh() error {
	loaded, err := loadProfiles(r.path)
	if err != nil {
		if r.profiles.Load() == nil {
			empty := map[string]Profile{}
			r.profiles.Store(&empty)
		}
		return err
	}
	r.profiles.Store(&loaded)
	return nil
}

// loadProfiles reads and validates the JSON profile store.
func loadProfiles(path string) (map[string]Profile, error) {
	if path == "" {
		return map[string]Profile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile store: %w", err)
	}

	var doc struct {
		Profiles []Profile `json:"profiles"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profile store: %w", err)
	}

	out := make(map[string]Profile, len(doc.Profiles))
	for i := range doc.Profiles {
		p := doc.Profiles[i]
		if err := p.validate(); err != nil {
			return nil, err
		}
		out[p.ModelID] = p
	}
	return out, nil
}

// Lookup implements View.
func (r *Registry) Lookup(modelID string) (Profile, bool) {
	snapshot := r.profiles.Load()
	if snapshot != nil {
		if p, ok := (*snapshot)[modelID]; ok {
			return p, true
		}
	}
	return DefaultProfile(modelID), false
}

// ResolveAlias implements View.
func (r *Registry) ResolveAlias(modelID, name string) string {
	p, _ := r.Lookup(modelID)
	return p.ResolveAlias(name)
}

// Len returns the number of stored profiles.
func (r *Registry) Len() int {
	snapshot := r.profiles.Load()
	if snapshot == nil {
		return 0
	}
	return len(*snapshot)
}

// eventSource is the narrow bus capability the invalidation listener needs.
type eventSource interface {
	Events() <-chan models.Event
}

// logger is the narrow logging capability the invalidation listener needs.
type logger interface {
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
}

// ListenInvalidation consumes profiles-invalidated signals from a bus
// subscription and refreshes the registry. Blocks until ctx is cancelled or
// the subscription closes.
func (r *Registry) ListenInvalidation(ctx context.Context, sub eventSource, log logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Type != models.EventProfilesInvalidated {
				continue
			}
			if err := r.Refresh(); err != nil {
				if log != nil {
					log.Warn(ctx, "profile refresh failed, keeping previous snapshot", "error", err)
				}
				continue
			}
			if log != nil {
				log.Info(ctx, "capability profiles refreshed", "profiles", r.Len())
			}
		}
	}
}
