package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"codehook/pkg/resolver"
)

// Server is one capability server as the worker should launch it. Env
// values may still hold ${VAR} placeholders; they are filled from the
// secret source right before spawn.
type Server struct {
	Name     string
	Command  string
	Args     []string
	Env      map[string]string
	Optional []string // env keys that are dropped, not fatal, when unresolved
}

// MissingEnvError reports placeholders the secret source could not fill
// for a key the server needs.
type MissingEnvError struct {
	Server string
	Key    string
	Vars   []string
}

func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("server %s: env %s references unset %s", e.Server, e.Key, strings.Join(e.Vars, ", "))
}

// expandServers performs the second substitution phase. Each server gets
// a copy with every placeholder filled; an unresolvable optional key is
// dropped and an unresolvable required one fails the run.
func expandServers(servers []Server, lookup SecretSource) ([]Server, error) {
	out := make([]Server, 0, len(servers))
	for _, srv := range servers {
		expanded := srv
		expanded.Args = slices.Clone(srv.Args)
		expanded.Env = make(map[string]string, len(srv.Env))
		for _, key := range slices.Sorted(maps.Keys(srv.Env)) {
			value, missing := resolver.Expand(srv.Env[key], lookup)
			if len(missing) > 0 {
				if slices.Contains(srv.Optional, key) {
					continue
				}
				return nil, &MissingEnvError{Server: srv.Name, Key: key, Vars: missing}
			}
			expanded.Env[key] = value
		}
		out = append(out, expanded)
	}
	return out, nil
}

// mergedEnv flattens server environments in startup order; later servers
// win on collisions.
func mergedEnv(servers []Server) map[string]string {
	env := make(map[string]string)
	for _, srv := range servers {
		maps.Copy(env, srv.Env)
	}
	return env
}

type launchEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

// renderCapabilityConfig produces {"mcpServers": {...}} with servers
// written in startup order.
func renderCapabilityConfig(servers []Server) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n  \"mcpServers\": {")
	for i, srv := range servers {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(srv.Name)
		if err != nil {
			return nil, err
		}
		args := srv.Args
		if args == nil {
			args = []string{}
		}
		entry, err := json.Marshal(launchEntry{Command: srv.Command, Args: args, Env: srv.Env})
		if err != nil {
			return nil, fmt.Errorf("encode server %s: %w", srv.Name, err)
		}
		buf.WriteString("\n    ")
		buf.Write(name)
		buf.WriteString(": ")
		buf.Write(entry)
	}
	if len(servers) > 0 {
		buf.WriteString("\n  ")
	}
	buf.WriteString("}\n}\n")
	return buf.Bytes(), nil
}
