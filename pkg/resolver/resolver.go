// Package resolver turns a capability request into a closed, conflict-free,
// startup-ordered capability set. Resolution is a pure function of the
// request and the injected registry: no I/O, no secret access.
package resolver

import (
	"fmt"
	"maps"
	"slices"
	"sort"

	"codehook/pkg/protocol"
	"codehook/pkg/registry"
)

// Tier thresholds on the resolved server count.
const (
	minimalMaxServers  = 2
	standardMaxServers = 5
)

// BaselineOperations are granted on every run regardless of the requested
// servers: file access plus the basic git operations needed to commit work.
var BaselineOperations = []string{
	"Edit",
	"Glob",
	"Grep",
	"LS",
	"Read",
	"Write",
	"Bash(git add:*)",
	"Bash(git commit:*)",
	"Bash(git diff:*)",
	"Bash(git log:*)",
	"Bash(git push:*)",
	"Bash(git rm:*)",
	"Bash(git status:*)",
}

// Request is what the caller wants resolved. Presets are expanded once,
// before closure, and appended after Servers in declaration order.
type Request struct {
	Servers []string
	Presets []string
	Env     map[string]string
}

// Set is the resolved capability set. It is built fresh per request and
// never mutated after Resolve returns.
type Set struct {
	Servers           []string          // dependency-first startup order
	Launches          []Launch          // one per server, in Servers order
	AllowedOperations []string          // sorted, de-duplicated
	Environment       map[string]string // merged Launch env; later servers win
	Tier              protocol.Tier

	overrides map[string]string
}

// Launch is one resolved server, ready to hand to the execution
// boundary. Env is its template after the first substitution phase;
// placeholders not covered by overrides stay as ${VAR}.
type Launch struct {
	Name     string
	Command  string
	Args     []string
	Env      map[string]string
	Optional []string // env keys that may stay unresolved

	template map[string]string
}

// Resolver resolves requests against a read-only registry.
type Resolver struct {
	reg *registry.Registry
}

// New returns a Resolver bound to reg.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve expands, closes, checks and orders the request. It fails with
// *protocol.UnknownServerError, *protocol.CircularDependencyError or
// *protocol.ConflictError; a failure never yields a partial set.
func (r *Resolver) Resolve(req Request) (*Set, error) {
	requested, err := r.expand(req)
	if err != nil {
		return nil, err
	}

	order, err := r.closure(requested)
	if err != nil {
		return nil, err
	}

	if err := r.checkConflicts(order); err != nil {
		return nil, err
	}

	set := &Set{
		Servers:           order,
		Launches:          r.launches(order),
		AllowedOperations: r.allowList(order),
		Tier:              TierFor(len(order)),
		overrides:         maps.Clone(req.Env),
	}
	set.substitute()
	return set, nil
}

// WithVars returns a copy of s whose first substitution phase also sees
// vars. On a key present in both, vars win over the request's overrides.
func (s *Set) WithVars(vars map[string]string) *Set {
	out := *s
	out.Servers = slices.Clone(s.Servers)
	out.AllowedOperations = slices.Clone(s.AllowedOperations)
	out.Launches = slices.Clone(s.Launches)
	out.overrides = maps.Clone(s.overrides)
	if out.overrides == nil {
		out.overrides = make(map[string]string, len(vars))
	}
	maps.Copy(out.overrides, vars)
	out.substitute()
	return &out
}

// expand unions explicit servers and preset members, keeping first
// occurrence order, and rejects unknown names.
func (r *Resolver) expand(req Request) ([]string, error) {
	var out []string
	add := func(name string) error {
		if _, ok := r.reg.Lookup(name); !ok {
			return &protocol.UnknownServerError{Name: name}
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
		return nil
	}

	for _, name := range req.Servers {
		if err := add(name); err != nil {
			return nil, err
		}
	}
	for _, presetName := range req.Presets {
		preset, ok := r.reg.Preset(presetName)
		if !ok {
			return nil, &protocol.UnknownServerError{Name: presetName, Preset: true}
		}
		for _, name := range preset.Servers {
			if err := add(name); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// visit marks for the depth-first closure.
type mark int

const (
	unvisited mark = iota
	visiting
	done
)

// closure walks dependencies depth-first from each requested server in
// request order and emits servers in post-order, so every dependency
// precedes its dependents and independent servers keep request order.
// Reaching a node that is still being visited is a cycle.
func (r *Resolver) closure(requested []string) ([]string, error) {
	marks := make(map[string]mark)
	var (
		order []string
		stack []string
	)

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			start := slices.Index(stack, name)
			path := append(slices.Clone(stack[start:]), name)
			return &protocol.CircularDependencyError{Name: name, Path: path}
		}

		desc, ok := r.reg.Lookup(name)
		if !ok {
			return &protocol.UnknownServerError{Name: name}
		}

		marks[name] = visiting
		stack = append(stack, name)
		for _, dep := range desc.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		marks[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range requested {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// checkConflicts runs after closure so a conflict pulled in by a
// dependency is caught the same as a requested one.
func (r *Resolver) checkConflicts(order []string) error {
	position := make(map[string]int, len(order))
	for i, name := range order {
		position[name] = i
	}
	for _, name := range order {
		desc, _ := r.reg.Lookup(name)
		for _, other := range desc.Conflicts {
			j, present := position[other]
			if !present {
				continue
			}
			if position[name] < j {
				return &protocol.ConflictError{A: name, B: other}
			}
			return &protocol.ConflictError{A: other, B: name}
		}
	}
	return nil
}

// allowList is the baseline plus every resolved operation, qualified by
// server name.
func (r *Resolver) allowList(order []string) []string {
	seen := make(map[string]struct{}, len(BaselineOperations))
	for _, op := range BaselineOperations {
		seen[op] = struct{}{}
	}
	for _, name := range order {
		desc, _ := r.reg.Lookup(name)
		for _, op := range desc.Operations {
			seen[QualifiedOperation(name, op)] = struct{}{}
		}
	}
	out := slices.Collect(maps.Keys(seen))
	sort.Strings(out)
	return out
}

func (r *Resolver) launches(order []string) []Launch {
	out := make([]Launch, 0, len(order))
	for _, name := range order {
		desc, _ := r.reg.Lookup(name)
		out = append(out, Launch{
			Name:     name,
			Command:  desc.Command,
			Args:     desc.Args,
			Optional: desc.OptionalEnv,
			template: desc.EnvTemplate(),
		})
	}
	return out
}

// substitute runs the first phase over every launch and rebuilds the
// merged Environment. Servers later in startup order win on key
// collisions.
func (s *Set) substitute() {
	s.Environment = make(map[string]string)
	for i := range s.Launches {
		l := &s.Launches[i]
		l.Env = make(map[string]string, len(l.template))
		for key, tmpl := range l.template {
			l.Env[key] = Substitute(tmpl, s.overrides)
			s.Environment[key] = l.Env[key]
		}
	}
}

// QualifiedOperation returns the allow-list entry for a server operation.
func QualifiedOperation(server, op string) string {
	return fmt.Sprintf("mcp__%s__%s", server, op)
}

// TierFor maps a resolved server count to a resource tier.
func TierFor(count int) protocol.Tier {
	switch {
	case count <= minimalMaxServers:
		return protocol.TierMinimal
	case count <= standardMaxServers:
		return protocol.TierStandard
	default:
		return protocol.TierComprehensive
	}
}
