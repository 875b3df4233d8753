package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for operations on an unregistered name.
	ErrNotFound = errors.New("pipeline not registered")

	// ErrAlreadyRegistered is returned by Register for a duplicate name.
	ErrAlreadyRegistered = errors.New("pipeline already registered")

	// ErrInvalidMetadata is returned when registration metadata fails
	// shape validation.
	ErrInvalidMetadata = errors.New("invalid pipeline metadata")

	// ErrNoProcess is returned by Create when a factory yields a nil
	// pipeline.
	ErrNoProcess = errors.New("factory returned no pipeline")
)

// DefaultCategory is assigned when registration metadata omits one.
const DefaultCategory = "general"

// cleanupTimeout bounds the fire-and-forget instance cleanup on
// unregister.
const cleanupTimeout = 5 * time.Second

// entry is one registration: factory, metadata, live instances, stats.
type entry struct {
	factory   Factory
	meta      Metadata
	instances []Pipeline
	stats     Stats
	// totalExecTime backs the running average in stats.
	totalExecTime time.Duration
}

// Registry is the pipeline store, indexed by name, category, capability,
// and tags. Reads vastly outnumber writes; a single RWMutex guards all
// indexes.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	byCategory map[string]map[string]struct{}

	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger disables logging.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Registry{
		entries:    make(map[string]*entry),
		byCategory: make(map[string]map[string]struct{}),
		logger:     logger,
	}
}

// Register validates the metadata, applies defaults, and adds the factory
// under the given name.
func (r *Registry) Register(name string, factory Factory, meta Metadata) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMetadata)
	}

	if factory == nil {
		return fmt.Errorf("%w: nil factory for %s", ErrInvalidMetadata, name)
	}

	if len(meta.Capabilities) == 0 {
		return fmt.Errorf("%w: %s declares no capabilities", ErrInvalidMetadata, name)
	}

	if meta.Category == "" {
		meta.Category = DefaultCategory
	}

	if meta.RegisteredAt.IsZero() {
		meta.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	r.entries[name] = &entry{factory: factory, meta: meta}

	if r.byCategory[meta.Category] == nil {
		r.byCategory[meta.Category] = make(map[string]struct{})
	}

	r.byCategory[meta.Category][name] = struct{}{}

	r.logger.Info("pipeline registered", "name", name, "category", meta.Category)

	return nil
}

// RegisterPipeline registers an already-built pipeline under its own id
// with a trivial factory.
func (r *Registry) RegisterPipeline(p Pipeline, meta Metadata) error {
	if p == nil {
		return fmt.Errorf("%w: nil pipeline", ErrInvalidMetadata)
	}

	if len(meta.Capabilities) == 0 {
		meta.Capabilities = p.Capabilities()
	}

	err := r.Register(p.ID(), func(map[string]any) (Pipeline, error) { return p, nil }, meta)
	if err != nil {
		return err
	}

	// A prebuilt pipeline is immediately live.
	r.mu.Lock()
	r.entries[p.ID()].instances = append(r.entries[p.ID()].instances, p)
	r.mu.Unlock()

	return nil
}

// Unregister removes a pipeline from every index and asks its live
// instances to clean up, fire-and-forget with a timeout. The second call
// for the same name reports false.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()

	ent, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()

		return false
	}

	delete(r.entries, name)
	delete(r.byCategory[ent.meta.Category], name)

	instances := ent.instances
	r.mu.Unlock()

	for _, inst := range instances {
		cleaner, ok := inst.(Cleaner)
		if !ok {
			continue
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()

			err := cleaner.Cleanup(ctx)
			if err != nil {
				r.logger.Warn("pipeline cleanup failed", "name", name, "error", err)
			}
		}()
	}

	r.logger.Info("pipeline unregistered", "name", name)

	return true
}

// IsRegistered reports whether a name is currently registered.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[name]

	return ok
}

// Create invokes the factory and stores the live instance. The factory
// must return a non-nil pipeline.
func (r *Registry) Create(name string, config map[string]any) (Pipeline, error) {
	r.mu.RLock()
	ent, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	inst, err := ent.factory(config)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", name, err)
	}

	if inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProcess, name)
	}

	r.mu.Lock()
	// Re-check: the entry may have been unregistered while the factory
	// ran; an orphaned instance must not linger in the registry.
	if live, still := r.entries[name]; still {
		live.instances = append(live.instances, inst)
	}
	r.mu.Unlock()

	return inst, nil
}

// GetInfo returns the registration metadata for a name.
func (r *Registry) GetInfo(name string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, ok := r.entries[name]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return ent.meta, nil
}

// GetStats returns the execution stats for a name.
func (r *Registry) GetStats(name string) (Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, ok := r.entries[name]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return ent.stats, nil
}

// List returns all registered names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}

	return names
}

// FindByCategory returns the names registered under a category.
func (r *Registry) FindByCategory(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byCategory[category]))
	for name := range r.byCategory[category] {
		names = append(names, name)
	}

	return names
}

// FindByCapability returns the names whose capability set contains the
// given capability.
func (r *Registry) FindByCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string

	for name, ent := range r.entries {
		for _, c := range ent.meta.Capabilities {
			if c == capability {
				names = append(names, name)

				break
			}
		}
	}

	return names
}

// FindByTags returns the names carrying every one of the given tags.
func (r *Registry) FindByTags(tags []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string

	for name, ent := range r.entries {
		if containsAll(ent.meta.Tags, tags) {
			names = append(names, name)
		}
	}

	return names
}

// matching returns the names whose capability set is a superset of the
// required capabilities.
func (r *Registry) matching(required []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string

	for name, ent := range r.entries {
		if containsAll(ent.meta.Capabilities, required) {
			names = append(names, name)
		}
	}

	return names
}

// recordResult folds one execution outcome into the stats.
func (r *Registry) recordResult(name string, elapsed time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.entries[name]
	if !ok {
		return
	}

	if success {
		ent.stats.SuccessCount++
	} else {
		ent.stats.FailureCount++
	}

	ent.totalExecTime += elapsed
	total := ent.stats.SuccessCount + ent.stats.FailureCount
	ent.stats.AvgExecutionTime = ent.totalExecTime / time.Duration(total)
}

// containsAll reports whether every needle appears in the haystack. An
// empty needle set matches vacuously.
func containsAll(haystack, needles []string) bool {
	for _, needle := range needles {
		found := false

		for _, hay := range haystack {
			if hay == needle {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}
