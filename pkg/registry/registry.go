package registry

import (
	"fmt"
	"slices"
	"sort"
)

// Registry is an immutable, validated catalog of capability servers and
// presets. The zero value is an empty registry; use New to build one.
type Registry struct {
	servers map[string]Descriptor
	presets map[string]Preset
}

// New validates servers and presets as a whole and returns the registry.
// Any malformed entry is an error: duplicate names, references to unknown
// servers, presets with no members. Dependency cycles are not rejected
// here; the resolver reports them for the request that reaches them.
func New(servers []Descriptor, presets []Preset) (*Registry, error) {
	r := &Registry{
		servers: make(map[string]Descriptor, len(servers)),
		presets: make(map[string]Preset, len(presets)),
	}

	for _, d := range servers {
		d = d.clone()
		d.RequiredEnv = dedupe(d.RequiredEnv)
		d.OptionalEnv = dedupe(d.OptionalEnv)
		d.Dependencies = dedupe(d.Dependencies)
		d.Conflicts = dedupe(d.Conflicts)
		d.Operations = dedupe(d.Operations)
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.servers[d.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate server %q", d.Name)
		}
		r.servers[d.Name] = d
	}

	for _, d := range r.servers {
		for _, dep := range d.Dependencies {
			if _, ok := r.servers[dep]; !ok {
				return nil, fmt.Errorf("registry: server %s depends on unknown server %q", d.Name, dep)
			}
		}
		for _, c := range d.Conflicts {
			if _, ok := r.servers[c]; !ok {
				return nil, fmt.Errorf("registry: server %s conflicts with unknown server %q", d.Name, c)
			}
		}
	}

	for _, p := range presets {
		if !namePattern.MatchString(p.Name) {
			return nil, fmt.Errorf("registry: preset name %q must match %s", p.Name, namePattern)
		}
		if _, dup := r.presets[p.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate preset %q", p.Name)
		}
		members := dedupe(p.Servers)
		if len(members) == 0 {
			return nil, fmt.Errorf("registry: preset %s has no servers", p.Name)
		}
		for _, name := range members {
			if _, ok := r.servers[name]; !ok {
				return nil, fmt.Errorf("registry: preset %s names unknown server %q", p.Name, name)
			}
		}
		r.presets[p.Name] = Preset{Name: p.Name, Servers: members}
	}

	return r, nil
}

// Lookup returns a copy of the named server's descriptor.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.servers[name]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// Has reports whether name is a registered server.
func (r *Registry) Has(name string) bool {
	_, ok := r.servers[name]
	return ok
}

// Preset returns a copy of the named preset.
func (r *Registry) Preset(name string) (Preset, bool) {
	p, ok := r.presets[name]
	if !ok {
		return Preset{}, false
	}
	return Preset{Name: p.Name, Servers: slices.Clone(p.Servers)}, true
}

// Names returns all server names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PresetNames returns all preset names, sorted.
func (r *Registry) PresetNames() []string {
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of servers.
func (r *Registry) Len() int {
	return len(r.servers)
}
