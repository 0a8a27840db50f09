package tools

import (
	"context"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry merges locally registered definitions with the definitions
// supplied by remote sources into one namespace.
type Registry struct {
	mu      sync.RWMutex
	local   map[string]Definition
	sources []Source
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{local: make(map[string]Definition)}
}

// AddSource attaches a provider of remote definitions
func (r *Registry) AddSource(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, s)
}

// Register adds a definition. Re-registering a name from the same origin
// replaces it; a name held by a different origin fails with DuplicateToolName.
func (r *Registry) Register(ctx context.Context, def Definition) error {
	if def.Name == "" {
		return ErrSchemaValidationFailed.Withf("", "tool name must not be empty")
	}
	if err := CheckSchema(def.Name, def.Parameters); err != nil {
		return err
	}

	// collisions are checked against cached remote names only
	for _, remote := range r.cachedRemoteDefinitions() {
		if remote.Name == def.Name && remote.Origin != def.Origin {
			return ErrDuplicateToolName.Withf(def.Name, "already provided by %s", remote.Origin)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.local[def.Name]; ok && existing.Origin != def.Origin {
		return ErrDuplicateToolName.Withf(def.Name, "already provided by %s", existing.Origin)
	}
	r.local[def.Name] = def.clone()
	zap.S().Debugw("tool_registered", "tool_name", def.Name, "origin", def.Origin, "mode", def.Mode)
	return nil
}

// Unregister removes a registered definition
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.local[name]; ok {
		delete(r.local, name)
		zap.S().Debugw("tool_unregistered", "tool_name", name)
	}
}

// Snapshot builds a fresh immutable view of every available tool
func (r *Registry) Snapshot(ctx context.Context) *Snapshot {
	remote := r.remoteDefinitions(ctx)

	r.mu.RLock()
	defs := make(map[string]Definition, len(r.local)+len(remote))
	for name, def := range r.local {
		defs[name] = def.clone()
	}
	r.mu.RUnlock()

	// remote servers in a stable order so collisions resolve the same way
	// every time
	sort.SliceStable(remote, func(i, j int) bool {
		if remote[i].Origin != remote[j].Origin {
			return remote[i].Origin < remote[j].Origin
		}
		return remote[i].Name < remote[j].Name
	})

	var conflicts []Conflict
	for _, def := range remote {
		if held, ok := defs[def.Name]; ok {
			conflicts = append(conflicts, Conflict{Name: def.Name, Kept: held.Origin, Dropped: def.Origin})
			zap.S().Warnw("tool_name_conflict", "tool_name", def.Name, "kept", held.Origin, "dropped", def.Origin)
			continue
		}
		defs[def.Name] = def.clone()
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	slices.Sort(names)

	return &Snapshot{defs: defs, names: names, conflicts: conflicts}
}

// Lookup resolves names against a fresh snapshot
func (r *Registry) Lookup(ctx context.Context, names []string) ([]Definition, error) {
	return r.Snapshot(ctx).Lookup(names)
}

func (r *Registry) cachedRemoteDefinitions() []Definition {
	r.mu.RLock()
	sources := slices.Clone(r.sources)
	r.mu.RUnlock()

	var out []Definition
	for _, s := range sources {
		out = append(out, s.CachedDefinitions()...)
	}
	return out
}

func (r *Registry) remoteDefinitions(ctx context.Context) []Definition {
	r.mu.RLock()
	sources := slices.Clone(r.sources)
	r.mu.RUnlock()

	var out []Definition
	for _, s := range sources {
		out = append(out, s.RemoteDefinitions(ctx)...)
	}
	return out
}

// Conflict records a remote definition left out of a snapshot because its
// name was already taken.
type Conflict struct {
	Name    string
	Kept    Origin
	Dropped Origin
}

// Snapshot is an immutable name to definition mapping
type Snapshot struct {
	defs      map[string]Definition
	names     []string
	conflicts []Conflict
}

// Get returns a copy of the named definition
func (s *Snapshot) Get(name string) (Definition, bool) {
	if s == nil {
		return Definition{}, false
	}
	def, ok := s.defs[name]
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

// Len returns the number of tools in the snapshot
func (s *Snapshot) Len() int {
	return len(s.names)
}

// Names returns the tool names in sorted order
func (s *Snapshot) Names() []string {
	return slices.Clone(s.names)
}

// Definitions returns every definition sorted by name
func (s *Snapshot) Definitions() []Definition {
	out := make([]Definition, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.defs[name].clone())
	}
	return out
}

// Conflicts lists remote definitions excluded because of a name clash
func (s *Snapshot) Conflicts() []Conflict {
	return slices.Clone(s.conflicts)
}

// Lookup returns the definitions for names in request order, failing with
// one UnknownTool error that lists every miss.
func (s *Snapshot) Lookup(names []string) ([]Definition, error) {
	var (
		found   []Definition
		missing []string
		seen    = make(map[string]bool, len(names))
	)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		def, ok := s.Get(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		found = append(found, def)
	}
	if len(missing) > 0 {
		return nil, UnknownTools(missing...)
	}
	return found, nil
}
