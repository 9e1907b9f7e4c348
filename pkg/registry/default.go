package registry

import (
	_ "embed"
	"fmt"
)

//go:embed default.yaml
var defaultDocument []byte

// Default returns the built-in registry. The embedded document is covered
// by tests, so a parse failure here is a build defect.
func Default() *Registry {
	reg, err := Parse(defaultDocument, FormatYAML)
	if err != nil {
		panic(fmt.Sprintf("registry: embedded default is invalid: %v", err))
	}
	return reg
}

// DefaultDocument returns a copy of the embedded registry document, for
// operators who want a starting point to edit.
func DefaultDocument() []byte {
	return append([]byte(nil), defaultDocument...)
}
