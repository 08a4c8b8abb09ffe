package plugin

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/gpsgate/errors"
)

// Registry holds loaded decoder plugins in registration order and matches
// raw frames to decoders. It is read-mostly: matching takes a read lock,
// and membership changes are only legal while no matches are in flight,
// which the pipeline guarantees during reload.
type Registry struct {
	mu      sync.RWMutex
	ordered []*entry
	byName  map[string]*entry
	logger  *slog.Logger
}

type entry struct {
	desc        Descriptor
	quarantined bool
	lastError   error
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]*entry),
		logger: logger.With("component", "plugin-registry"),
	}
}

// Register validates the descriptor, runs its init hook, and appends it to
// the match order. A hook failure (error or panic) returns ErrPluginInit
// and leaves the registry unchanged.
func (r *Registry) Register(desc Descriptor, cfg map[string]any) error {
	if desc.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "plugin name validation")
	}
	if !desc.Protocol.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("unknown protocol tag %q", desc.Protocol),
			"Registry", "Register", "protocol validation")
	}
	if desc.CanDecode == nil || desc.Decoder == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "decoder validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[desc.Name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("plugin %q is already registered", desc.Name),
			"Registry", "Register", "duplicate plugin check")
	}

	if desc.Init != nil {
		if err := r.runInit(desc, cfg); err != nil {
			return err
		}
	}

	e := &entry{desc: desc}
	r.ordered = append(r.ordered, e)
	r.byName[desc.Name] = e

	r.logger.Info("Plugin registered",
		"plugin", desc.Name,
		"version", desc.Version,
		"protocol", desc.Protocol)
	return nil
}

// runInit invokes the init hook with panic isolation.
func (r *Registry) runInit(desc Descriptor, cfg map[string]any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Wrap(
				fmt.Errorf("%w: init panic: %v", errors.ErrPluginInit, rec),
				"Registry", "Register", "init hook")
		}
	}()

	if hookErr := desc.Init(cfg); hookErr != nil {
		return errors.Wrap(
			fmt.Errorf("%w: %v", errors.ErrPluginInit, hookErr),
			"Registry", "Register", "init hook")
	}
	return nil
}

// MatchForBytes returns the first registered plugin whose predicate
// accepts data, in registration order. A predicate that panics quarantines
// its plugin: the error is recorded, the plugin is skipped from further
// matching, and the sweep continues.
func (r *Registry) MatchForBytes(data []byte) (Descriptor, bool) {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.ordered))
	for _, e := range r.ordered {
		if !e.quarantined {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range candidates {
		if r.safeCanDecode(e, data) {
			return e.desc, true
		}
	}
	return Descriptor{}, false
}

// safeCanDecode runs the predicate with panic isolation.
func (r *Registry) safeCanDecode(e *entry, data []byte) (matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			matched = false
			r.quarantine(e, fmt.Errorf("%w: predicate panic: %v", errors.ErrPluginRuntime, rec))
		}
	}()
	return e.desc.CanDecode(data)
}

// quarantine removes a plugin from matching without unloading it.
func (r *Registry) quarantine(e *entry, err error) {
	r.mu.Lock()
	e.quarantined = true
	e.lastError = err
	r.mu.Unlock()

	r.logger.Error("Plugin quarantined",
		"plugin", e.desc.Name,
		"error", err)
}

// GetByProtocol returns the first plugin registered for the given
// protocol tag.
func (r *Registry) GetByProtocol(p Protocol) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.ordered {
		if e.desc.Protocol == p && !e.quarantined {
			return e.desc, true
		}
	}
	return Descriptor{}, false
}

// Unregister removes a plugin by name, running its cleanup hook. Only
// legal at quiescence (pipeline stopped or not yet started).
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	e, exists := r.byName[name]
	if !exists {
		r.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("plugin %q is not registered", name),
			"Registry", "Unregister", "plugin lookup")
	}
	delete(r.byName, name)
	for i, cand := range r.ordered {
		if cand == e {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.runCleanup(e)
	return nil
}

// Shutdown runs every plugin's cleanup hook in reverse registration
// order. Individual failures are logged and do not abort the sweep.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := make([]*entry, len(r.ordered))
	copy(entries, r.ordered)
	r.ordered = nil
	r.byName = make(map[string]*entry)
	r.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		r.runCleanup(entries[i])
	}
}

// runCleanup invokes a cleanup hook with panic isolation.
func (r *Registry) runCleanup(e *entry) {
	if e.desc.Cleanup == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Plugin cleanup panicked",
				"plugin", e.desc.Name,
				"panic", rec)
		}
	}()

	if err := e.desc.Cleanup(); err != nil {
		r.logger.Error("Plugin cleanup failed",
			"plugin", e.desc.Name,
			"error", err)
	}
}

// List returns the names of registered plugins in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ordered))
	for _, e := range r.ordered {
		names = append(names, e.desc.Name)
	}
	return names
}

// LastError returns the recorded error for a quarantined plugin, or nil.
func (r *Registry) LastError(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byName[name]; ok {
		return e.lastError
	}
	return nil
}
