// Package persona holds the companion persona catalog. Personas are tagged
// data, not behavior: prompt composition reads the voice rules, the
// orchestrator reads the fallback reply, clients read names and theme tags.
package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var defaultCatalogYAML []byte

// ErrNotFound is returned for persona ids absent from the catalog.
var ErrNotFound = errors.New("persona not found")

type Persona struct {
	ID            string   `yaml:"id" json:"id"`
	DisplayName   string   `yaml:"display_name" json:"display_name"`
	ThemeTag      string   `yaml:"theme_tag" json:"theme_tag"`
	VoiceRules    []string `yaml:"voice_rules" json:"-"`
	FallbackReply string   `yaml:"fallback_reply" json:"-"`
	VerbosityCap  int      `yaml:"verbosity_cap" json:"-"`
}

type Catalog struct {
	byID  map[string]Persona
	order []string
}

// Load parses and validates a YAML catalog.
func Load(raw []byte) (*Catalog, error) {
	var doc struct {
		Personas []Persona `yaml:"personas"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse persona catalog: %w", err)
	}
	if len(doc.Personas) == 0 {
		return nil, errors.New("persona catalog is empty")
	}
	c := &Catalog{byID: make(map[string]Persona, len(doc.Personas))}
	for _, p := range doc.Personas {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, errors.New("persona with empty id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		if strings.TrimSpace(p.DisplayName) == "" {
			return nil, fmt.Errorf("persona %q: display_name required", p.ID)
		}
		if strings.TrimSpace(p.FallbackReply) == "" {
			return nil, fmt.Errorf("persona %q: fallback_reply required", p.ID)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Default loads the embedded catalog shipped with the binary.
func Default() (*Catalog, error) {
	return Load(defaultCatalogYAML)
}

func (c *Catalog) Get(id string) (Persona, error) {
	p, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return Persona{}, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return p, nil
}

// List returns personas in catalog declaration order.
func (c *Catalog) List() []Persona {
	out := make([]Persona, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
