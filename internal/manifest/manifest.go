// Package manifest loads declarative script registrations.
//
// A manifest is a TOML or YAML file with two lists, "defer" and
// "after_load". Each entry names a script URL, optional attributes and an
// optional list of page globs restricting where it is registered.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zot/load-later/internal/registry"
)

// Entry is one registration in a manifest.
type Entry struct {
	URL        string              `toml:"url" yaml:"url" json:"url"`
	Attributes registry.Attributes `toml:"attributes" yaml:"attributes" json:"attributes,omitempty"`
	Pages      []string            `toml:"pages" yaml:"pages" json:"pages,omitempty"`
}

// Manifest is the parsed content of a manifest file.
type Manifest struct {
	Defer     []Entry `toml:"defer" yaml:"defer" json:"defer,omitempty"`
	AfterLoad []Entry `toml:"after_load" yaml:"after_load" json:"afterLoad,omitempty"`

	// Source is the file the manifest was read from.
	Source string `toml:"-" yaml:"-" json:"-"`
}

// Load reads a manifest, choosing the format from the file extension.
func Load(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data, formatOf(file))
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", file, err)
	}
	m.Source = file
	return m, nil
}

// Parse decodes manifest data. format is "toml" or "yaml".
func Parse(data []byte, format string) (*Manifest, error) {
	var m Manifest
	switch format {
	case "toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
			return nil, err
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown manifest format %q", format)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// formatOf maps a file extension to a manifest format.
func formatOf(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// validate checks the page globs. URLs are not validated; they are
// sanitized when rendered.
func (m *Manifest) validate() error {
	for _, list := range [][]Entry{m.Defer, m.AfterLoad} {
		for _, e := range list {
			for _, glob := range e.Pages {
				if _, err := path.Match(glob, "/"); err != nil {
					return fmt.Errorf("entry %s: bad page pattern %q: %w", e.URL, glob, err)
				}
			}
		}
	}
	return nil
}

// Matches reports whether the entry applies to pagePath. An entry with no
// page patterns applies everywhere.
func (e Entry) Matches(pagePath string) bool {
	if len(e.Pages) == 0 {
		return true
	}
	for _, glob := range e.Pages {
		if ok, _ := path.Match(glob, pagePath); ok {
			return true
		}
	}
	return false
}

// Apply registers every entry matching pagePath, in file order, and
// returns how many were registered.
func (m *Manifest) Apply(reg *registry.Registry, pagePath string) int {
	if m == nil {
		return 0
	}
	count := 0
	for _, e := range m.Defer {
		if e.Matches(pagePath) {
			reg.Defer(e.URL, e.Attributes)
			count++
		}
	}
	for _, e := range m.AfterLoad {
		if e.Matches(pagePath) {
			reg.AfterLoad(e.URL, e.Attributes)
			count++
		}
	}
	return count
}

// Len returns the total number of entries.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Defer) + len(m.AfterLoad)
}
