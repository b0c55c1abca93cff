// Package language maps artifact language identifiers to the interpreter
// invocations used by the execution engine. The table is static: supported
// languages are known at compile time and filtered at runtime by the
// enabled-language list from configuration.
package language

import (
	"fmt"
	"strings"
)

// Spec describes how to run source code for one language.
type Spec struct {
	// Name is the canonical language identifier (lowercase).
	Name string
	// Binary is the interpreter executable looked up on PATH.
	Binary string
	// Extension is the source file extension, without the dot.
	Extension string
	// Args returns the interpreter arguments for the given source file path.
	Args func(file string) []string
}

// UnsupportedError reports a language with no dispatch entry. The message
// names the requested language so callers (and users reading tool results)
// can see exactly what was asked for.
type UnsupportedError struct {
	Language string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported language: %s", e.Language)
}

// table holds every language the engine knows how to run.
var table = map[string]Spec{
	"python": {
		Name:      "python",
		Binary:    "python3",
		Extension: "py",
		Args:      func(file string) []string { return []string{file} },
	},
	"javascript": {
		Name:      "javascript",
		Binary:    "node",
		Extension: "js",
		Args:      func(file string) []string { return []string{file} },
	},
	"bash": {
		Name:      "bash",
		Binary:    "bash",
		Extension: "sh",
		Args:      func(file string) []string { return []string{file} },
	},
}

// aliases maps common alternate identifiers to canonical names.
var aliases = map[string]string{
	"py":      "python",
	"python3": "python",
	"js":      "javascript",
	"node":    "javascript",
	"sh":      "bash",
	"shell":   "bash",
}

// Table resolves languages, restricted to an enabled subset.
type Table struct {
	enabled map[string]bool
}

// NewTable creates a dispatch table limited to the enabled languages.
// An empty list enables every known language.
func NewTable(enabled []string) *Table {
	t := &Table{}
	if len(enabled) == 0 {
		return t
	}
	t.enabled = make(map[string]bool, len(enabled))
	for _, name := range enabled {
		t.enabled[Canonical(name)] = true
	}
	return t
}

// Canonical normalizes a language identifier (lowercase, alias expansion).
func Canonical(lang string) string {
	name := strings.ToLower(strings.TrimSpace(lang))
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}

// Resolve returns the Spec for a language, or an *UnsupportedError if the
// language is unknown or disabled. No process is spawned and no directory
// is created before this check passes.
func (t *Table) Resolve(lang string) (Spec, error) {
	name := Canonical(lang)
	spec, ok := table[name]
	if !ok {
		return Spec{}, &UnsupportedError{Language: lang}
	}
	if t.enabled != nil && !t.enabled[name] {
		return Spec{}, &UnsupportedError{Language: lang}
	}
	return spec, nil
}

// Names returns the canonical names of all languages this table resolves.
func (t *Table) Names() []string {
	var names []string
	for name := range table {
		if t.enabled == nil || t.enabled[name] {
			names = append(names, name)
		}
	}
	return names
}
