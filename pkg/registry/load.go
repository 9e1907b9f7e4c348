package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a registry document.
type Format string

// Supported registry document formats.
const (
	FormatYAML  Format = "yaml"
	FormatJSONC Format = "jsonc"
)

// FormatFromPath picks a Format from the file extension. Unknown
// extensions default to YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSONC
	default:
		return FormatYAML
	}
}

// document is the on-disk shape of a registry: server name -> descriptor,
// preset name -> ordered server list.
type document struct {
	Servers map[string]serverDoc `yaml:"servers" json:"servers"`
	Presets map[string][]string  `yaml:"presets" json:"presets"`
}

type serverDoc struct {
	Command      string            `yaml:"command" json:"command"`
	Args         []string          `yaml:"args" json:"args"`
	Env          map[string]string `yaml:"env" json:"env"`
	RequiredEnv  []string          `yaml:"required_env" json:"required_env"`
	OptionalEnv  []string          `yaml:"optional_env" json:"optional_env"`
	Dependencies []string          `yaml:"dependencies" json:"dependencies"`
	Conflicts    []string          `yaml:"conflicts" json:"conflicts"`
	Operations   []string          `yaml:"operations" json:"operations"`
}

// Load reads and validates the registry document at path.
func Load(path string) (*Registry, error) {
	//nolint:gosec // registry path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	reg, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes a registry document and validates it. Unknown fields are
// rejected so a typo in a field name aborts startup instead of silently
// dropping a dependency or conflict.
func Parse(data []byte, format Format) (*Registry, error) {
	var doc document

	switch format {
	case FormatJSONC:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse registry: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse registry: %w", err)
		}
	default:
		return nil, fmt.Errorf("parse registry: unsupported format %q", format)
	}

	if len(doc.Servers) == 0 {
		return nil, fmt.Errorf("parse registry: no servers defined")
	}

	return doc.build()
}

// build converts the decoded document into a validated Registry. Map
// iteration is sorted so validation errors are reported deterministically.
func (doc document) build() (*Registry, error) {
	names := make([]string, 0, len(doc.Servers))
	for name := range doc.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]Descriptor, 0, len(names))
	for _, name := range names {
		s := doc.Servers[name]
		servers = append(servers, Descriptor{
			Name:         name,
			Command:      s.Command,
			Args:         s.Args,
			Env:          s.Env,
			RequiredEnv:  s.RequiredEnv,
			OptionalEnv:  s.OptionalEnv,
			Dependencies: s.Dependencies,
			Conflicts:    s.Conflicts,
			Operations:   s.Operations,
		})
	}

	presetNames := make([]string, 0, len(doc.Presets))
	for name := range doc.Presets {
		presetNames = append(presetNames, name)
	}
	sort.Strings(presetNames)

	presets := make([]Preset, 0, len(presetNames))
	for _, name := range presetNames {
		presets = append(presets, Preset{Name: name, Servers: doc.Presets[name]})
	}

	return New(servers, presets)
}
