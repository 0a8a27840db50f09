package tools

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// AllTools is the request token for every available tool
const AllTools = "all"

// Resolution is a resolved tool set together with the snapshot it came
// from; calls produced by a provider are dispatched against that snapshot.
type Resolution struct {
	Snapshot    *Snapshot
	Definitions []Definition
}

// Names returns the resolved tool names
func (r Resolution) Names() []string {
	names := make([]string, len(r.Definitions))
	for i, d := range r.Definitions {
		names[i] = d.Name
	}
	return names
}

// Resolver turns tool requests into concrete definitions
type Resolver struct {
	registry *Registry
}

func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve returns the definitions for the requested names. A request for
// the single name "all" resolves every available tool.
func (r *Resolver) Resolve(ctx context.Context, names []string) (Resolution, error) {
	if len(names) == 1 && strings.EqualFold(names[0], AllTools) {
		return r.ResolveAll(ctx), nil
	}
	snap := r.registry.Snapshot(ctx)
	defs, err := snap.Lookup(names)
	if err != nil {
		zap.S().Debugw("tool_resolution_failed", "requested", names, "error", err)
		return Resolution{}, err
	}
	return Resolution{Snapshot: snap, Definitions: defs}, nil
}

// ResolveAll returns every tool currently available. Unhealthy remote
// servers are left out; this never fails.
func (r *Resolver) ResolveAll(ctx context.Context) Resolution {
	snap := r.registry.Snapshot(ctx)
	zap.S().Debugw("tools_resolved", "count", snap.Len())
	return Resolution{Snapshot: snap, Definitions: snap.Definitions()}
}
