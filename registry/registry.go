// Package registry loads and indexes entrypoint definitions: the registered
// functions and workflows the engine can invoke. Definitions are YAML or
// JSON files; a directory can be watched so edits take effect without a
// restart.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/slogger"
	"github.com/fsnotify/fsnotify"
)

// Entrypoint is a registered function or workflow definition. Versions are
// immutable: a new revision of a definition gets a new version string, and
// running invocations keep executing the version they started with.
type Entrypoint struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
	Kind    string `yaml:"kind" json:"kind"` // "function" or "workflow"

	// Source is the program source executed for this entrypoint.
	Source string `yaml:"source" json:"source"`

	// Timeout bounds a single attempt's wall-clock time. The platform
	// guardrail ceiling still applies on top of it.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxSuspension bounds how long the entrypoint may stay suspended
	// before it is failed. Zero means the platform default.
	MaxSuspension Duration `yaml:"max_suspension,omitempty" json:"max_suspension,omitempty"`

	Retry *cascade.RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Validate checks required fields.
func (e *Entrypoint) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entrypoint id is required")
	}
	if e.Version == "" {
		return fmt.Errorf("entrypoint %q: version is required", e.ID)
	}
	if e.Kind != "function" && e.Kind != "workflow" {
		return fmt.Errorf("entrypoint %q: kind must be function or workflow", e.ID)
	}
	if e.Source == "" {
		return fmt.Errorf("entrypoint %q: source is required", e.ID)
	}
	return nil
}

// Registry indexes entrypoints by id and version.
type Registry struct {
	entrypoints map[string]map[string]*Entrypoint // id -> version -> definition
	latest      map[string]string                 // id -> latest registered version
	logger      slogger.Logger
	watcher     *fsnotify.Watcher
	mutex       sync.RWMutex
}

// New creates an empty registry.
func New(logger slogger.Logger) *Registry {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Registry{
		entrypoints: make(map[string]map[string]*Entrypoint),
		latest:      make(map[string]string),
		logger:      logger,
	}
}

// Register adds or replaces an entrypoint version.
func (r *Registry) Register(e *Entrypoint) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	versions, exists := r.entrypoints[e.ID]
	if !exists {
		versions = make(map[string]*Entrypoint)
		r.entrypoints[e.ID] = versions
	}
	versions[e.Version] = e
	r.latest[e.ID] = e.Version
	return nil
}

// Get returns the entrypoint with the given id and version. An empty version
// selects the latest registered version.
func (r *Registry) Get(id, version string) (*Entrypoint, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	versions, exists := r.entrypoints[id]
	if !exists {
		return nil, fmt.Errorf("entrypoint not found: %s", id)
	}
	if version == "" {
		version = r.latest[id]
	}
	e, exists := versions[version]
	if !exists {
		return nil, fmt.Errorf("entrypoint not found: %s version %s", id, version)
	}
	return e, nil
}

// List returns the latest version of every registered entrypoint.
func (r *Registry) List() []*Entrypoint {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]*Entrypoint, 0, len(r.latest))
	for id, version := range r.latest {
		out = append(out, r.entrypoints[id][version])
	}
	return out
}

// Watch reloads the directory whenever definition files change. It returns
// once the watcher is installed; reloads happen in the background until the
// context is done.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	r.mutex.Lock()
	r.watcher = watcher
	r.mutex.Unlock()

	go func() {
		defer watcher.Close()
		// Coalesce bursts of write events before reloading.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					pending = time.After(250 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("watcher error", "error", err)
			case <-pending:
				pending = nil
				if err := r.LoadDirectory(dir); err != nil {
					r.logger.Error("failed to reload entrypoints", "dir", dir, "error", err)
				} else {
					r.logger.Info("reloaded entrypoint definitions", "dir", dir)
				}
			}
		}
	}()
	return nil
}
