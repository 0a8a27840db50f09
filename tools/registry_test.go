package tools

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
)

type fakeSource struct {
	mu   sync.Mutex
	defs []Definition
}

func (f *fakeSource) RemoteDefinitions(context.Context) []Definition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Definition(nil), f.defs...)
}

func (f *fakeSource) CachedDefinitions() []Definition {
	return f.RemoteDefinitions(context.Background())
}

func (f *fakeSource) set(defs ...Definition) {
	f.mu.Lock()
	f.defs = defs
	f.mu.Unlock()
}

func localDef(name string) Definition {
	return Definition{
		Name:        name,
		Description: "Test tool",
		Parameters:  &jsonschema.Schema{Type: "object"},
		Origin:      OriginLocal,
	}
}

func remoteDef(server, name string) Definition {
	return Definition{Name: name, Description: "Remote tool", Origin: RemoteOrigin(server)}
}

func TestSnapshotUnion(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	src := &fakeSource{}
	src.set(remoteDef("fs", "read_file"), remoteDef("fs", "write_file"), remoteDef("web", "fetch"))
	reg.AddSource(src)

	for _, name := range []string{"add", "uppercase"} {
		if err := reg.Register(ctx, localDef(name)); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	snap := reg.Snapshot(ctx)
	if snap.Len() != 5 {
		t.Errorf("Expected 5 tools, got %d (%v)", snap.Len(), snap.Names())
	}

	want := []string{"add", "fetch", "read_file", "uppercase", "write_file"}
	got := snap.Names()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	def, ok := snap.Get("fetch")
	if !ok {
		t.Fatal("Expected fetch in snapshot")
	}
	if id, _ := def.Origin.ServerID(); id != "web" {
		t.Errorf("Expected origin server web, got %s", def.Origin)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	src := &fakeSource{}
	src.set(remoteDef("fs", "read_file"))
	reg.AddSource(src)

	if err := reg.Register(ctx, localDef("read_file")); !errors.Is(err, ErrDuplicateToolName) {
		t.Errorf("Expected DuplicateToolName against remote tool, got %v", err)
	}

	if err := reg.Register(ctx, localDef("echo")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// same origin replaces
	replacement := localDef("echo")
	replacement.Description = "Replaced"
	if err := reg.Register(ctx, replacement); err != nil {
		t.Fatalf("Re-register from same origin should succeed: %v", err)
	}
	def, _ := reg.Snapshot(ctx).Get("echo")
	if def.Description != "Replaced" {
		t.Errorf("Expected replaced description, got %q", def.Description)
	}

	other := localDef("echo")
	other.Origin = RemoteOrigin("elsewhere")
	if err := reg.Register(ctx, other); !errors.Is(err, ErrDuplicateToolName) {
		t.Errorf("Expected DuplicateToolName, got %v", err)
	}
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	reg := NewRegistry()
	def := localDef("broken")
	def.Parameters = &jsonschema.Schema{Type: "not-a-type"}
	err := reg.Register(context.Background(), def)
	if !errors.Is(err, ErrSchemaValidationFailed) {
		t.Errorf("Expected SchemaValidationFailed, got %v", err)
	}
}

func TestSnapshotConflicts(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	a := &fakeSource{}
	b := &fakeSource{}
	a.set(remoteDef("beta", "search"))
	b.set(remoteDef("alpha", "search"), remoteDef("alpha", "lookup"))
	reg.AddSource(a)
	reg.AddSource(b)
	if err := reg.Register(ctx, localDef("lookup")); err == nil {
		t.Fatal("Expected lookup to clash with remote tool")
	}

	snap := reg.Snapshot(ctx)
	def, ok := snap.Get("search")
	if !ok || def.Origin != RemoteOrigin("alpha") {
		t.Errorf("Expected alpha to win search, got %v", def.Origin)
	}
	if len(snap.Conflicts()) != 1 {
		t.Errorf("Expected 1 conflict, got %v", snap.Conflicts())
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	if err := reg.Register(ctx, localDef("echo")); err != nil {
		t.Fatal(err)
	}

	snap := reg.Snapshot(ctx)
	def, _ := snap.Get("echo")
	def.Parameters.Type = "string"
	def.Description = "mutated"

	again, _ := snap.Get("echo")
	if again.Description != "Test tool" || again.Parameters.Type != "object" {
		t.Error("Snapshot definition was mutated through a copy")
	}

	reg.Unregister("echo")
	if _, ok := snap.Get("echo"); !ok {
		t.Error("Existing snapshot should not see later changes")
	}
	if reg.Snapshot(ctx).Len() != 0 {
		t.Error("Fresh snapshot should reflect unregister")
	}
}

func TestSnapshotFollowsSource(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	src := &fakeSource{}
	src.set(remoteDef("fs", "read_file"))
	reg.AddSource(src)
	if err := reg.Register(ctx, localDef("add")); err != nil {
		t.Fatal(err)
	}

	if reg.Snapshot(ctx).Len() != 2 {
		t.Fatal("Expected remote tool while healthy")
	}

	// server degraded: the source stops reporting its tools
	src.set()
	snap := reg.Snapshot(ctx)
	if _, ok := snap.Get("read_file"); ok {
		t.Error("Degraded server's tool should be hidden")
	}
	if _, ok := snap.Get("add"); !ok {
		t.Error("Local tools must stay available")
	}

	src.set(remoteDef("fs", "read_file"))
	if _, ok := reg.Snapshot(ctx).Get("read_file"); !ok {
		t.Error("Recovered server's tool should return")
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	if err := reg.Register(ctx, localDef("a")); err != nil {
		t.Fatal(err)
	}
	resolver := NewResolver(reg)

	_, err := resolver.Resolve(ctx, []string{"a", "missing"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("Expected UnknownTool, got %v", err)
	}
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("Expected *ToolError, got %T", err)
	}
	if len(te.Names) != 1 || te.Names[0] != "missing" {
		t.Errorf("Expected exactly [missing], got %v", te.Names)
	}

	_, err = resolver.Resolve(ctx, []string{"x", "a", "y", "x"})
	if !errors.As(err, &te) || len(te.Names) != 2 {
		t.Errorf("Expected both misses listed once, got %v", err)
	}

	res, err := resolver.Resolve(ctx, []string{"a", "a"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(res.Definitions) != 1 || res.Names()[0] != "a" {
		t.Errorf("Expected [a], got %v", res.Names())
	}
	if res.Snapshot == nil {
		t.Error("Expected resolution to carry its snapshot")
	}
}

func TestResolveAll(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	src := &fakeSource{}
	src.set(remoteDef("fs", "read_file"))
	reg.AddSource(src)
	if err := reg.Register(ctx, localDef("a")); err != nil {
		t.Fatal(err)
	}
	resolver := NewResolver(reg)

	res, err := resolver.Resolve(ctx, []string{"all"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(res.Definitions) != 2 {
		t.Errorf("Expected 2 definitions, got %d", len(res.Definitions))
	}

	src.set()
	if got := len(resolver.ResolveAll(ctx).Definitions); got != 1 {
		t.Errorf("Expected unhealthy server excluded, got %d", got)
	}
}
