package resolver_test

import (
	"errors"
	"slices"
	"testing"

	"codehook/pkg/protocol"
	"codehook/pkg/registry"
	"codehook/pkg/resolver"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Descriptor{
		{Name: "app", Dependencies: []string{"db", "cache"}, Operations: []string{"deploy"}},
		{Name: "db", Dependencies: []string{"net"}, RequiredEnv: []string{"DB_URL"}, Operations: []string{"query"}},
		{Name: "cache", Dependencies: []string{"net"}, Operations: []string{"get", "set"}},
		{Name: "net", Operations: []string{"ping"}},
		{Name: "x", Operations: []string{"one"}},
		{Name: "y", Operations: []string{"two"}},
		{Name: "z"},
		{Name: "w"},
		{Name: "browser-a", Conflicts: []string{"browser-b"}},
		{Name: "browser-b"},
		{Name: "scraper", Dependencies: []string{"browser-b"}},
		{Name: "loop-a", Dependencies: []string{"loop-b"}},
		{Name: "loop-b", Dependencies: []string{"loop-a"}},
		{Name: "loop-entry", Dependencies: []string{"loop-a"}},
		{
			Name:        "gh",
			RequiredEnv: []string{"GITHUB_TOKEN"},
			OptionalEnv: []string{"GITHUB_API_URL"},
			Env:         map[string]string{"GH_AUTH": "token ${GITHUB_TOKEN}"},
		},
	}, []registry.Preset{
		{Name: "pair", Servers: []string{"x", "y"}},
		{Name: "stack", Servers: []string{"app"}},
		{Name: "bad", Servers: []string{"loop-a"}},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestResolve_DependencyClosureOrder(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	set, err := r.Resolve(resolver.Request{Servers: []string{"app"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"net", "db", "cache", "app"}
	if !slices.Equal(set.Servers, want) {
		t.Fatalf("Servers = %v, want %v", set.Servers, want)
	}
}

func TestResolve_DependenciesBeforeDependents(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)
	r := resolver.New(reg)

	set, err := r.Resolve(resolver.Request{Servers: []string{"x", "app", "y", "cache"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	pos := make(map[string]int)
	for i, s := range set.Servers {
		pos[s] = i
	}
	for _, name := range set.Servers {
		d, _ := reg.Lookup(name)
		for _, dep := range d.Dependencies {
			if pos[dep] >= pos[name] {
				t.Errorf("%s (at %d) must start before %s (at %d)", dep, pos[dep], name, pos[name])
			}
		}
	}
	// Independent servers keep request order.
	if pos["x"] > pos["y"] {
		t.Errorf("x requested before y but ordered after: %v", set.Servers)
	}
}

func TestResolve_TiesBrokenByRequestOrder(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	a, err := r.Resolve(resolver.Request{Servers: []string{"z", "w", "x"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resolve(resolver.Request{Servers: []string{"x", "w", "z"}})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(a.Servers, []string{"z", "w", "x"}) {
		t.Errorf("a.Servers = %v", a.Servers)
	}
	if !slices.Equal(b.Servers, []string{"x", "w", "z"}) {
		t.Errorf("b.Servers = %v", b.Servers)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))
	req := resolver.Request{Servers: []string{"cache", "x", "app"}, Presets: []string{"pair"}}

	first, err := r.Resolve(req)
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		again, err := r.Resolve(req)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(first.Servers, again.Servers) {
			t.Fatalf("order changed: %v vs %v", first.Servers, again.Servers)
		}
		if !slices.Equal(first.AllowedOperations, again.AllowedOperations) {
			t.Fatalf("allow-list changed")
		}
	}
}

func TestResolve_CircularDependency(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	for _, req := range []resolver.Request{
		{Servers: []string{"loop-a"}},
		{Servers: []string{"x", "loop-entry"}},
		{Presets: []string{"bad"}},
	} {
		set, err := r.Resolve(req)
		if set != nil {
			t.Errorf("Resolve(%+v) returned partial set %v", req, set.Servers)
		}
		var cycle *protocol.CircularDependencyError
		if !errors.As(err, &cycle) {
			t.Fatalf("Resolve(%+v) error = %v, want CircularDependencyError", req, err)
		}
		if cycle.Name != "loop-a" {
			t.Errorf("cycle.Name = %q, want loop-a", cycle.Name)
		}
		if !slices.Equal(cycle.Path, []string{"loop-a", "loop-b", "loop-a"}) {
			t.Errorf("cycle.Path = %v", cycle.Path)
		}
	}
}

func TestResolve_Conflict(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	_, err := r.Resolve(resolver.Request{Servers: []string{"browser-a", "browser-b"}})
	var conflict *protocol.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want ConflictError", err)
	}
	if conflict.A != "browser-a" || conflict.B != "browser-b" {
		t.Errorf("conflict = (%s, %s), want (browser-a, browser-b)", conflict.A, conflict.B)
	}

	if _, err := r.Resolve(resolver.Request{Servers: []string{"browser-a"}}); err != nil {
		t.Errorf("browser-a alone should resolve: %v", err)
	}
}

func TestResolve_TransitiveConflict(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	// scraper pulls in browser-b, which browser-a conflicts with.
	_, err := r.Resolve(resolver.Request{Servers: []string{"browser-a", "scraper"}})
	var conflict *protocol.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want ConflictError", err)
	}
}

func TestResolve_PresetEquivalentToExplicit(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	viaPreset, err := r.Resolve(resolver.Request{Presets: []string{"pair"}})
	if err != nil {
		t.Fatal(err)
	}
	explicit, err := r.Resolve(resolver.Request{Servers: []string{"x", "y"}})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(viaPreset.Servers, explicit.Servers) {
		t.Fatalf("preset %v != explicit %v", viaPreset.Servers, explicit.Servers)
	}
	if !slices.Equal(viaPreset.AllowedOperations, explicit.AllowedOperations) {
		t.Fatalf("allow-lists differ")
	}
}

func TestResolve_PresetUnionedAfterServers(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	set, err := r.Resolve(resolver.Request{Servers: []string{"y", "z"}, Presets: []string{"pair"}})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(set.Servers, []string{"y", "z", "x"}) {
		t.Fatalf("Servers = %v, want [y z x]", set.Servers)
	}
}

func TestResolve_UnknownNames(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	_, err := r.Resolve(resolver.Request{Servers: []string{"x", "nope", "y"}})
	var unknown *protocol.UnknownServerError
	if !errors.As(err, &unknown) || unknown.Name != "nope" || unknown.Preset {
		t.Fatalf("error = %v, want unknown server nope", err)
	}

	_, err = r.Resolve(resolver.Request{Presets: []string{"ghost"}})
	if !errors.As(err, &unknown) || !unknown.Preset {
		t.Fatalf("error = %v, want unknown preset", err)
	}
}

func TestResolve_AllowList(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	empty, err := r.Resolve(resolver.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty.Servers) != 0 {
		t.Errorf("empty request resolved servers %v", empty.Servers)
	}
	for _, op := range resolver.BaselineOperations {
		if !slices.Contains(empty.AllowedOperations, op) {
			t.Errorf("baseline op %q missing", op)
		}
	}

	set, err := r.Resolve(resolver.Request{Servers: []string{"cache"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, op := range []string{"mcp__cache__get", "mcp__cache__set", "mcp__net__ping", "Read"} {
		if !slices.Contains(set.AllowedOperations, op) {
			t.Errorf("allow-list missing %q: %v", op, set.AllowedOperations)
		}
	}
	if !slices.IsSorted(set.AllowedOperations) {
		t.Error("allow-list should be sorted")
	}
}

func TestResolve_Environment(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	set, err := r.Resolve(resolver.Request{Servers: []string{"gh"}})
	if err != nil {
		t.Fatal(err)
	}
	if set.Environment["GH_AUTH"] != "token ${GITHUB_TOKEN}" {
		t.Errorf("GH_AUTH = %q, placeholder should be deferred", set.Environment["GH_AUTH"])
	}
	if set.Environment["GITHUB_API_URL"] != "${GITHUB_API_URL}" {
		t.Errorf("GITHUB_API_URL = %q", set.Environment["GITHUB_API_URL"])
	}

	set, err = r.Resolve(resolver.Request{
		Servers: []string{"gh"},
		Env:     map[string]string{"GITHUB_TOKEN": "abc"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if set.Environment["GH_AUTH"] != "token abc" {
		t.Errorf("GH_AUTH = %q, want override applied", set.Environment["GH_AUTH"])
	}
	if set.Environment["GITHUB_TOKEN"] != "abc" {
		t.Errorf("GITHUB_TOKEN = %q", set.Environment["GITHUB_TOKEN"])
	}
}

func TestSet_WithVars(t *testing.T) {
	t.Parallel()
	r := resolver.New(testRegistry(t))

	set, err := r.Resolve(resolver.Request{
		Servers: []string{"gh"},
		Env:     map[string]string{"GITHUB_TOKEN": "abc"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Launches) != len(set.Servers) {
		t.Fatalf("launches = %d, servers = %d", len(set.Launches), len(set.Servers))
	}
	for i, l := range set.Launches {
		if l.Name != set.Servers[i] {
			t.Errorf("launch %d = %q, want startup order %v", i, l.Name, set.Servers)
		}
	}

	run := set.WithVars(map[string]string{"GITHUB_TOKEN": "from-run"})
	if run.Environment["GH_AUTH"] != "token from-run" {
		t.Errorf("GH_AUTH = %q, vars should win over overrides", run.Environment["GH_AUTH"])
	}
	gh := run.Launches[slices.Index(run.Servers, "gh")]
	if gh.Env["GH_AUTH"] != run.Environment["GH_AUTH"] {
		t.Errorf("launch env %q disagrees with Environment %q", gh.Env["GH_AUTH"], run.Environment["GH_AUTH"])
	}
	if set.Environment["GH_AUTH"] != "token abc" || set.Launches[slices.Index(set.Servers, "gh")].Env["GH_AUTH"] != "token abc" {
		t.Error("WithVars modified the original set")
	}
	if !slices.Equal(run.Servers, set.Servers) || run.Tier != set.Tier {
		t.Error("WithVars changed the resolution")
	}
}

func TestTierFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		count int
		want  protocol.Tier
	}{
		{0, protocol.TierMinimal},
		{2, protocol.TierMinimal},
		{3, protocol.TierStandard},
		{5, protocol.TierStandard},
		{6, protocol.TierComprehensive},
		{40, protocol.TierComprehensive},
	}
	for _, tt := range tests {
		if got := resolver.TierFor(tt.count); got != tt.want {
			t.Errorf("TierFor(%d) = %s, want %s", tt.count, got, tt.want)
		}
	}
}

func TestResolve_DefaultRegistryPresets(t *testing.T) {
	t.Parallel()
	reg := registry.Default()
	r := resolver.New(reg)

	for _, name := range reg.PresetNames() {
		if _, err := r.Resolve(resolver.Request{Presets: []string{name}}); err != nil {
			t.Errorf("default preset %s does not resolve: %v", name, err)
		}
	}
}
