// Package langs is the static table of languages recognised in fenced code
// blocks. The table ships inside the binary and is read-only at runtime.
package langs

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// FallbackID is used for fences whose language is not in the table.
	FallbackID = "text"
	// FallbackExtension is returned by ExtensionFor for unknown ids.
	FallbackExtension = "txt"
	// FallbackName is returned by DisplayNameFor for unknown ids.
	FallbackName = "Unknown"
)

//go:embed languages.yaml
var languagesYAML []byte

// Language describes one entry of the table.
type Language struct {
	ID        string   `yaml:"id" json:"id"`
	Extension string   `yaml:"extension" json:"extension"`
	Name      string   `yaml:"name" json:"name"`
	Aliases   []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Registry maps language ids and aliases to their entries.
type Registry struct {
	version int
	entries []Language
	byID    map[string]*Language
}

type registryFile struct {
	Version   int        `yaml:"version"`
	Languages []Language `yaml:"languages"`
}

// Parse builds a registry from YAML data.
func Parse(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse languages: %w", err)
	}
	r := &Registry{
		version: f.Version,
		entries: f.Languages,
		byID:    make(map[string]*Language, len(f.Languages)*2),
	}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].ID < r.entries[j].ID })
	for i := range r.entries {
		lang := &r.entries[i]
		if lang.ID == "" {
			return nil, fmt.Errorf("parse languages: entry %d has no id", i)
		}
		if lang.Extension == "" {
			return nil, fmt.Errorf("parse languages: %s has no extension", lang.ID)
		}
		for _, key := range append([]string{lang.ID}, lang.Aliases...) {
			key = strings.ToLower(key)
			if prev, ok := r.byID[key]; ok {
				return nil, fmt.Errorf("parse languages: %q claimed by %s and %s", key, prev.ID, lang.ID)
			}
			r.byID[key] = lang
		}
	}
	return r, nil
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	r, err := Parse(languagesYAML)
	if err != nil {
		panic(err)
	}
	return r
})

// Default returns the embedded registry.
func Default() *Registry {
	return defaultRegistry()
}

// Version of the embedded table.
func (r *Registry) Version() int { return r.version }

// Lookup returns the entry for an id or alias.
func (r *Registry) Lookup(id string) (Language, bool) {
	lang, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Language{}, false
	}
	return *lang, true
}

// IsSupported reports whether id names a known language.
func (r *Registry) IsSupported(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// ExtensionFor returns the file extension for id, without the dot.
func (r *Registry) ExtensionFor(id string) string {
	if lang, ok := r.Lookup(id); ok {
		return lang.Extension
	}
	return FallbackExtension
}

// DisplayNameFor returns a human readable name for id.
func (r *Registry) DisplayNameFor(id string) string {
	if lang, ok := r.Lookup(id); ok {
		return lang.Name
	}
	return FallbackName
}

// Normalize lowercases a supported id and maps everything else to FallbackID.
// Aliases are kept as written so "js" stays "js".
func (r *Registry) Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if _, ok := r.byID[id]; ok {
		return id
	}
	return FallbackID
}

// Languages returns a copy of all entries sorted by id.
func (r *Registry) Languages() []Language {
	out := make([]Language, len(r.entries))
	copy(out, r.entries)
	return out
}

// IsSupported reports whether id is in the embedded table.
func IsSupported(id string) bool { return Default().IsSupported(id) }

// ExtensionFor looks id up in the embedded table, falling back to "txt".
func ExtensionFor(id string) string { return Default().ExtensionFor(id) }

// DisplayNameFor looks id up in the embedded table, falling back to "Unknown".
func DisplayNameFor(id string) string { return Default().DisplayNameFor(id) }

// Normalize maps id to itself when supported and to "text" otherwise.
func Normalize(id string) string { return Default().Normalize(id) }
