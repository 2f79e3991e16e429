package plugin

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/snowmerak/osquery.go/lib/osquery"
)

var (
	ErrDuplicateRegistration = errors.New("plugin already registered")
	ErrNotFound              = errors.New("plugin not found")
	ErrRegistryFrozen        = errors.New("registry is frozen")
	ErrInvalidPlugin         = errors.New("invalid plugin")
)

type registryKey struct {
	kind Kind
	name string
}

// Registry maps (kind, name) to plugin implementations.
//
// Plugins are registered during startup. Freeze ends that phase; from then
// on the registry is read-only and lookups take no lock.
type Registry struct {
	mu      sync.Mutex
	plugins map[registryKey]Plugin
	frozen  atomic.Bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[registryKey]Plugin)}
}

// Register adds p under its kind and name. A second plugin with the same
// kind and name is rejected and leaves the registry unchanged.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrInvalidPlugin)
	}
	key := registryKey{kind: p.Kind(), name: p.Name()}
	if !key.kind.Valid() {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidPlugin, key.kind)
	}
	if key.name == "" {
		return fmt.Errorf("%w: empty %s plugin name", ErrInvalidPlugin, key.kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot register %s/%s", ErrRegistryFrozen, key.kind, key.name)
	}
	if _, exists := r.plugins[key]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateRegistration, key.kind, key.name)
	}
	r.plugins[key] = p
	return nil
}

// Freeze ends registration. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup finds the plugin registered under kind and name.
func (r *Registry) Lookup(kind Kind, name string) (Plugin, error) {
	key := registryKey{kind: kind, name: name}

	var (
		p  Plugin
		ok bool
	)
	if r.frozen.Load() {
		p, ok = r.plugins[key]
	} else {
		r.mu.Lock()
		p, ok = r.plugins[key]
		r.mu.Unlock()
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, name)
	}
	return p, nil
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plugins)
}

// All returns one Registration per plugin, ordered by kind then name.
func (r *Registry) All() []Registration {
	r.mu.Lock()
	regs := make([]Registration, 0, len(r.plugins))
	for key, p := range r.plugins {
		regs = append(regs, Registration{Kind: key.kind, Name: key.name, Routes: p.Routes()})
	}
	r.mu.Unlock()

	slices.SortFunc(regs, func(a, b Registration) int {
		if c := strings.Compare(string(a.Kind), string(b.Kind)); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return regs
}

// Routes builds the registry advertised to the host at registration.
func (r *Registry) Routes() osquery.ExtensionRegistry {
	reg := osquery.ExtensionRegistry{}
	for _, item := range r.All() {
		table, ok := reg[string(item.Kind)]
		if !ok {
			table = osquery.ExtensionRouteTable{}
			reg[string(item.Kind)] = table
		}
		routes := item.Routes
		if routes == nil {
			routes = osquery.ExtensionPluginResponse{}
		}
		table[item.Name] = routes
	}
	return reg
}
