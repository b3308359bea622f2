// Package catalog holds the template descriptors a run selects from.
//
// A Catalog is loaded once, validated, and then shared read-only by every
// concurrent run. The default catalog is embedded in the binary.
package catalog

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is an immutable, ID-sorted set of descriptors.
type Catalog struct {
	version   string
	templates []*Descriptor
	byID      map[string]*Descriptor
}

type catalogFile struct {
	Version   string        `yaml:"version"`
	Templates []*Descriptor `yaml:"templates"`
}

// New builds a catalog from descriptors, validating each one and the
// depends_on references between them.
func New(version string, templates []*Descriptor) (*Catalog, error) {
	c := &Catalog{
		version: version,
		byID:    make(map[string]*Descriptor, len(templates)),
	}
	for _, d := range templates {
		if d == nil {
			continue
		}
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate template id %q", d.ID)
		}
		c.byID[d.ID] = d
		c.templates = append(c.templates, d)
	}
	for _, d := range c.templates {
		for _, dep := range d.DependsOn {
			if _, ok := c.byID[dep]; !ok {
				return nil, fmt.Errorf("catalog: template %s depends on unknown template %q", d.ID, dep)
			}
		}
	}
	sort.Slice(c.templates, func(i, j int) bool { return c.templates[i].ID < c.templates[j].ID })
	return c, nil
}

// Load parses a YAML catalog, expanding ${VAR} references first.
func Load(r io.Reader) (*Catalog, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}
	return LoadBytes(raw)
}

// LoadBytes parses a YAML catalog from memory.
func LoadBytes(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(strings.NewReader(expandEnvVars(string(data))))
	dec.KnownFields(true)
	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	return New(file.Version, file.Templates)
}

// LoadFile reads a catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return LoadBytes(defaultCatalog)
}

// Version is the catalog document version.
func (c *Catalog) Version() string { return c.version }

// Len returns the number of templates.
func (c *Catalog) Len() int { return len(c.templates) }

// Get looks up a descriptor by ID.
func (c *Catalog) Get(id string) (*Descriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// Templates returns descriptors sorted by ID. The slice is a copy; the
// descriptors are shared.
func (c *Catalog) Templates() []*Descriptor {
	return append([]*Descriptor(nil), c.templates...)
}

// Scope returns the permission scope allowed for a variant.
func (c *Catalog) Scope(v Variant) []string { return v.Scope() }

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the environment value. Bare $VAR is
// left untouched since descriptions may contain shell snippets.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(name)
	})
}
