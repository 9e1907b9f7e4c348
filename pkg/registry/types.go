// Package registry holds the static catalog of capability servers the
// downstream worker may be granted: their environment requirements,
// declared dependencies and conflicts, exposed operations, and the named
// presets that bundle them. A Registry is loaded once at startup, validated
// as a whole, and shared read-only by every pipeline run.
package registry

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

// namePattern restricts server and preset names to tokens that are safe
// inside allow-list entries (mcp__<server>__<op>) and directive text.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// envKeyPattern matches a POSIX environment variable name.
var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Descriptor describes one capability server.
type Descriptor struct {
	Name         string            // unique key (e.g. "github")
	Command      string            // executable the worker launches for this server
	Args         []string          // arguments passed to Command
	Env          map[string]string // explicit env templates, values may contain ${VAR}
	RequiredEnv  []string          // variables that must be set at execution time
	OptionalEnv  []string          // variables passed through when set
	Dependencies []string          // servers that must be started first
	Conflicts    []string          // servers that may not be resolved alongside this one
	Operations   []string          // operation names the server exposes, in declared order
}

// Validate checks the descriptor in isolation. Cross-references
// (dependencies, conflicts) are checked by New.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("registry: server name is required")
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("registry: server name %q must match %s", d.Name, namePattern)
	}
	for _, key := range slices.Concat(d.RequiredEnv, d.OptionalEnv, slices.Collect(maps.Keys(d.Env))) {
		if !envKeyPattern.MatchString(key) {
			return fmt.Errorf("registry: server %s: invalid environment variable name %q", d.Name, key)
		}
	}
	for _, op := range d.Operations {
		if strings.TrimSpace(op) == "" || strings.ContainsAny(op, " \t\n,") {
			return fmt.Errorf("registry: server %s: invalid operation name %q", d.Name, op)
		}
	}
	for _, dep := range d.Dependencies {
		if dep == d.Name {
			return fmt.Errorf("registry: server %s depends on itself", d.Name)
		}
		if slices.Contains(d.Conflicts, dep) {
			return fmt.Errorf("registry: server %s both depends on and conflicts with %s", d.Name, dep)
		}
	}
	if slices.Contains(d.Conflicts, d.Name) {
		return fmt.Errorf("registry: server %s conflicts with itself", d.Name)
	}
	return nil
}

// EnvTemplate returns the environment the server needs, before any
// substitution. Explicit Env entries win; every required or optional
// variable not covered by an explicit entry maps to its own placeholder.
func (d Descriptor) EnvTemplate() map[string]string {
	out := make(map[string]string, len(d.Env)+len(d.RequiredEnv)+len(d.OptionalEnv))
	for _, key := range slices.Concat(d.RequiredEnv, d.OptionalEnv) {
		out[key] = "${" + key + "}"
	}
	maps.Copy(out, d.Env)
	return out
}

// clone returns a deep copy so callers cannot mutate registry state.
func (d Descriptor) clone() Descriptor {
	d.Args = slices.Clone(d.Args)
	d.Env = maps.Clone(d.Env)
	d.RequiredEnv = slices.Clone(d.RequiredEnv)
	d.OptionalEnv = slices.Clone(d.OptionalEnv)
	d.Dependencies = slices.Clone(d.Dependencies)
	d.Conflicts = slices.Clone(d.Conflicts)
	d.Operations = slices.Clone(d.Operations)
	return d
}

// Preset is a named shorthand for a fixed, ordered set of servers.
type Preset struct {
	Name    string
	Servers []string
}

// dedupe returns s with later duplicates and empty entries removed,
// preserving first-occurrence order.
func dedupe(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for _, v := range s {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
