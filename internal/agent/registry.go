// ABOUTME: Name to factory registry for agents with a plugin-directory fallback
// ABOUTME: Plugin manifests are loaded at most once per name, even under concurrent dispatch

package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ManifestLoader reads a plugin manifest from path.
type ManifestLoader func(path string) (*Manifest, error)

// Registry maps agent names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory

	pluginDir string
	load      ManifestLoader
	logger    *slog.Logger

	pluginMu sync.Mutex
	plugins  map[string]*pluginSlot
}

type pluginSlot struct {
	once    sync.Once
	factory Factory
	err     error
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithManifestLoader replaces the plugin manifest reader.
func WithManifestLoader(fn ManifestLoader) RegistryOption {
	return func(r *Registry) { r.load = fn }
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry. pluginDir may be empty.
func NewRegistry(pluginDir string, opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		pluginDir: pluginDir,
		load:      LoadManifest,
		logger:    slog.Default(),
		plugins:   make(map[string]*pluginSlot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefaultRegistry creates a registry holding every built-in agent.
func NewDefaultRegistry(pluginDir string, opts ...RegistryOption) *Registry {
	r := NewRegistry(pluginDir, opts...)
	for name, f := range Builtins() {
		r.Register(name, f)
	}
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// Names lists registered (non-plugin) agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve finds the factory for name, consulting the plugin directory
// when no registered agent matches.
func (r *Registry) Resolve(name string) (Factory, error) {
	name = strings.ToLower(name)

	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if ok {
		return f, nil
	}

	if r.pluginDir == "" || !validPluginName(name) {
		return nil, &UnknownAgentError{Name: name}
	}
	return r.resolvePlugin(name)
}

func (r *Registry) resolvePlugin(name string) (Factory, error) {
	r.pluginMu.Lock()
	slot, ok := r.plugins[name]
	if !ok {
		slot = &pluginSlot{}
		r.plugins[name] = slot
	}
	r.pluginMu.Unlock()

	slot.once.Do(func() {
		path := filepath.Join(r.pluginDir, name+".yaml")
		m, err := r.load(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slot.err = &UnknownAgentError{Name: name}
			} else {
				slot.err = fmt.Errorf("loading plugin %s: %w", name, err)
			}
			return
		}
		r.logger.Info("loaded agent plugin", "agent", name, "command", m.Command, "methods", m.Methods)
		slot.factory = m.Factory(name)
	})

	return slot.factory, slot.err
}

func validPluginName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`+string(os.PathSeparator))
}
