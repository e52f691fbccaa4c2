package models

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog groups model descriptors by project. Models are addressed as
// "project.model".
type Catalog struct {
	Projects map[string]Project `yaml:"projects"`
}

// Project is a named group of models
type Project struct {
	Title  string                `yaml:"title"`
	Models map[string]Descriptor `yaml:"models"`
}

// ParseCatalog decodes a YAML catalog and validates every entry
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing model catalog: %w", err)
	}
	for project, p := range c.Projects {
		for name, d := range p.Models {
			d.Name = project + "." + name
			if err := d.validate(); err != nil {
				return nil, err
			}
			p.Models[name] = d
		}
	}
	return &c, nil
}

// DefaultCatalog returns the catalog compiled into the binary
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup finds a descriptor by its "project.model" name
func (c *Catalog) Lookup(name string) (Descriptor, error) {
	project, model, ok := strings.Cut(name, ".")
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q is not of the form project.model", ErrModelNotFound, name)
	}
	p, ok := c.Projects[project]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: no project %q", ErrModelNotFound, project)
	}
	d, ok := p.Models[model]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}
	return d, nil
}

// List returns every descriptor sorted by name
func (c *Catalog) List() []Descriptor {
	var out []Descriptor
	for _, p := range c.Projects {
		for _, d := range p.Models {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d Descriptor) validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("model %q: unknown type %q", d.Name, d.Type)
	}
	switch d.Backend {
	case BackendBuiltin, BackendOllama:
	default:
		return fmt.Errorf("model %q: unknown backend %q", d.Name, d.Backend)
	}
	if d.Model == "" {
		return fmt.Errorf("model %q: missing model id", d.Name)
	}
	return nil
}
