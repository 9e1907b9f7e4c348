package resolver

import (
	"regexp"
	"slices"
)

// placeholderPattern matches ${VAR} references in env templates.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Substitute replaces each ${VAR} in tmpl that has an entry in vars.
// Placeholders without an entry are left untouched for the execution
// boundary to fill.
func Substitute(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	out, _ := Expand(tmpl, func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	})
	return out
}

// Expand replaces every ${VAR} using lookup and returns the names lookup
// could not supply. Unsupplied placeholders stay in the output verbatim.
func Expand(tmpl string, lookup func(string) (string, bool)) (string, []string) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(ref string) string {
		name := placeholderPattern.FindStringSubmatch(ref)[1]
		if v, ok := lookup(name); ok {
			return v
		}
		if !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
		return ref
	})
	return out, missing
}

// Placeholders lists the distinct variable names referenced by tmpl.
func Placeholders(tmpl string) []string {
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}
