// Package trigger decides whether a piece of free text addresses codehook
// and extracts the instruction and inline capability directives from it.
//
// A trigger phrase only counts when it stands as its own token: preceded by
// start-of-text, whitespace, an opening bracket or a quote, and followed by
// whitespace, end-of-text, or punctuation other than a hyphen or
// underscore. "foo@claude bar" and "@claude-bot" are not triggers;
// "hi @claude, help" and "(@claude)" are.
//
// Directives recognised anywhere in the text:
//
//	use github, fetch        request servers
//	use preset:ci            request a preset
//	env:KEY=VAL,OTHER=VAL    supply environment overrides
//
// Directives accumulate across occurrences and are removed from the
// instruction handed to the worker. With WithServerNames, a use list
// ends at the first item that is neither a known server nor
// preset-prefixed, so "use the helper" stays prose.
package trigger

import (
	"cmp"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"codehook/pkg/protocol"
)

// presetPrefix marks a preset inside a use directive.
const presetPrefix = "preset:"

var (
	// useDirective captures a comma-separated list after "use".
	useDirective = regexp.MustCompile(
		`(?i)(?:^|\s)(use\s+((?:preset:)?[a-z0-9][a-z0-9_-]*\b(?:\s*,\s*(?:preset:)?[a-z0-9][a-z0-9_-]*\b)*))`,
	)

	// envDirective captures KEY=VALUE pairs after "env:". Values stop at
	// whitespace or a comma.
	envDirective = regexp.MustCompile(
		`(?:^|\s)(env:([A-Za-z_][A-Za-z0-9_]*=[^,\s]*(?:,[A-Za-z_][A-Za-z0-9_]*=[^,\s]*)*))`,
	)

	// listItem is one entry of a use list.
	listItem = regexp.MustCompile(`(?i)(?:preset:)?[a-z0-9][a-z0-9_-]*`)

	// leadingNoise is stripped from the front of the instruction payload.
	leadingNoise = regexp.MustCompile(`^[\s:;,.!?\-–—)\]}…]+`)

	// blankRun collapses the gaps left behind by removed directives.
	blankRun = regexp.MustCompile(`[ \t]{2,}`)
)

// Request is the outcome of a successful match. It lives for one
// pipeline run.
type Request struct {
	RawText       string
	MatchedPhrase string
	Instruction   string
	Servers       []string          // requested servers, first-occurrence order
	Presets       []string          // requested presets, directive order
	Env           map[string]string // overrides; later directives win
}

// Matcher evaluates text against a fixed set of trigger phrases.
// It is safe for concurrent use.
type Matcher struct {
	phrases            []phrase
	defaultInstruction string
	known              func(string) bool
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithServerNames limits use lists to names known reports true for, plus
// preset-prefixed items. Without it every name-shaped item is taken.
func WithServerNames(known func(string) bool) Option {
	return func(m *Matcher) { m.known = known }
}

// Phrase boundaries. Hyphen and underscore continue a token.
const (
	phraseBefore = `(?:^|[\s\p{Ps}\p{Pi}"'])`
	phraseAfter  = `(?:[\s\p{Ps}\p{Pe}\p{Pi}\p{Pf}\p{Po}–—]|$)`
)

type phrase struct {
	text    string
	pattern *regexp.Regexp
}

// NewMatcher compiles the trigger phrases. An empty defaultInstruction
// falls back to protocol.DefaultInstruction.
func NewMatcher(phrases []string, defaultInstruction string, opts ...Option) (*Matcher, error) {
	if len(phrases) == 0 {
		return nil, fmt.Errorf("trigger: at least one phrase is required")
	}
	if strings.TrimSpace(defaultInstruction) == "" {
		defaultInstruction = protocol.DefaultInstruction
	}

	m := &Matcher{defaultInstruction: defaultInstruction}
	for _, opt := range opts {
		opt(m)
	}
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("trigger: empty phrase")
		}
		if strings.ContainsAny(p, " \t\n") {
			return nil, fmt.Errorf("trigger: phrase %q must be a single token", p)
		}
		m.phrases = append(m.phrases, phrase{
			text:    p,
			pattern: regexp.MustCompile(phraseBefore + `(` + regexp.QuoteMeta(p) + `)` + phraseAfter),
		})
	}
	return m, nil
}

// Phrases returns the configured trigger phrases.
func (m *Matcher) Phrases() []string {
	out := make([]string, len(m.phrases))
	for i, p := range m.phrases {
		out[i] = p.text
	}
	return out
}

// Matches reports whether text contains a trigger phrase.
func (m *Matcher) Matches(text string) bool {
	_, _, ok := m.locate(text)
	return ok
}

// Evaluate returns the request carried by text, or false when no trigger
// phrase appears with valid boundaries. A trigger with nothing meaningful
// after it yields the default instruction, never an empty one.
func (m *Matcher) Evaluate(text string) (Request, bool) {
	matched, end, ok := m.locate(text)
	if !ok {
		return Request{}, false
	}

	req := Request{
		RawText:       text,
		MatchedPhrase: matched,
		Env:           make(map[string]string),
	}
	spans := m.directives(text, &req)

	payload := strip(text, end, spans)
	payload = leadingNoise.ReplaceAllString(payload, "")
	payload = strings.TrimSpace(payload)
	if payload == "" {
		payload = m.defaultInstruction
	}
	req.Instruction = payload

	return req, true
}

// locate finds the earliest trigger occurrence and returns the phrase and
// the byte offset just past it. When two phrases start at the same offset
// the longer one wins.
func (m *Matcher) locate(text string) (matched string, end int, ok bool) {
	bestStart := -1
	for _, p := range m.phrases {
		loc := p.pattern.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		start, stop := loc[2], loc[3]
		if bestStart == -1 || start < bestStart || (start == bestStart && len(p.text) > len(matched)) {
			bestStart, end, matched = start, stop, p.text
		}
	}
	return matched, end, bestStart >= 0
}

// directives accumulates every use/env directive in text into req and
// returns their byte ranges.
func (m *Matcher) directives(text string, req *Request) [][2]int {
	var spans [][2]int
	for pos := 0; pos < len(text); {
		loc := useDirective.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		start, listStart, listEnd := pos+loc[2], pos+loc[4], pos+loc[5]
		n := m.acceptItems(text[listStart:listEnd], req)
		if n == 0 {
			pos = listStart
			continue
		}
		spans = append(spans, [2]int{start, listStart + n})
		pos = listStart + n
	}

	for _, loc := range envDirective.FindAllStringSubmatchIndex(text, -1) {
		for _, pair := range strings.Split(text[loc[4]:loc[5]], ",") {
			key, value, _ := strings.Cut(pair, "=")
			req.Env[key] = value
		}
		spans = append(spans, [2]int{loc[2], loc[3]})
	}
	return spans
}

// acceptItems adds the leading run of acceptable items in list to req and
// returns the offset just past the last one taken, or 0 if none was.
func (m *Matcher) acceptItems(list string, req *Request) int {
	end := 0
	for _, loc := range listItem.FindAllStringIndex(list, -1) {
		item := strings.ToLower(list[loc[0]:loc[1]])
		name, isPreset := strings.CutPrefix(item, presetPrefix)
		if !isPreset && m.known != nil && !m.known(name) {
			break
		}
		switch {
		case isPreset:
			req.Presets = append(req.Presets, name)
		case !slices.Contains(req.Servers, name):
			req.Servers = append(req.Servers, name)
		}
		end = loc[1]
	}
	return end
}

// strip returns text[from:] with the directive spans replaced by a
// single space each.
func strip(text string, from int, spans [][2]int) string {
	slices.SortFunc(spans, func(a, b [2]int) int { return cmp.Compare(a[0], b[0]) })
	var b strings.Builder
	pos := from
	for _, sp := range spans {
		if sp[1] <= pos {
			continue
		}
		b.WriteString(text[pos:max(sp[0], pos)])
		b.WriteByte(' ')
		pos = sp[1]
	}
	b.WriteString(text[pos:])
	return blankRun.ReplaceAllString(b.String(), " ")
}

// Clone returns a deep copy of r.
func (r Request) Clone() Request {
	r.Servers = slices.Clone(r.Servers)
	r.Presets = slices.Clone(r.Presets)
	r.Env = maps.Clone(r.Env)
	return r
}
