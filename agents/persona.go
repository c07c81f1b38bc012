// Package agents loads persona declarations and owns the per-session choice
// between the primary and the backup persona.
package agents

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/tools"
	"github.com/goccy/go-yaml"
)

// Declaration is one entry of the persona document.
type Declaration struct {
	Name       string             `yaml:"name"`
	Persona    string             `yaml:"persona"`
	Competence string             `yaml:"competence,omitempty"`
	Tools      []tools.ToolSchema `yaml:"tools,omitempty"`
}

// Document is the declarative persona file:
//
//	agents:
//	  - name: hotel_agent
//	    persona: You are a hotel desk agent serving {customer_name}...
//	    tools: [...]
type Document struct {
	Agents []Declaration `yaml:"agents"`
}

func ParseDocument(r io.Reader) (*Document, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding persona document: %w", err)
	}
	for i, a := range doc.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("persona document: agent %d has no name", i)
		}
	}
	return &doc, nil
}

func LoadDocument(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening persona document: %w", err)
	}
	defer f.Close()
	return ParseDocument(f)
}

// Find returns the declaration with the given name.
func (d *Document) Find(name string) (Declaration, error) {
	i := slices.IndexFunc(d.Agents, func(a Declaration) bool { return a.Name == name })
	if i < 0 {
		return Declaration{}, fmt.Errorf("%w: %s", shared.ErrNoPersona, name)
	}
	return d.Agents[i], nil
}

// Persona is a loaded, immutable agent configuration shared by all sessions.
type Persona struct {
	Name       string
	Competence string
	Registry   *tools.Registry

	template string
}

// NewPersona binds the declared tools to catalog. Every declared tool needs
// an implementation in the catalog.
func NewPersona(decl Declaration, catalog tools.Catalog) (*Persona, error) {
	reg, err := tools.NewRegistry(decl.Tools, catalog)
	if err != nil {
		return nil, fmt.Errorf("persona %s: %w", decl.Name, err)
	}
	competence := decl.Competence
	if competence == "" {
		competence = decl.Persona
	}
	return &Persona{
		Name:       decl.Name,
		Competence: competence,
		Registry:   reg,
		template:   decl.Persona,
	}, nil
}

// Profile fills the substitution slots of a persona template.
type Profile struct {
	CustomerID   string
	CustomerName string
}

// SystemMessage renders the persona template for one customer.
func (p *Persona) SystemMessage(profile Profile) string {
	return strings.NewReplacer(
		"{customer_name}", profile.CustomerName,
		"{customer_id}", profile.CustomerID,
	).Replace(p.template)
}

// Template returns the unrendered persona text.
func (p *Persona) Template() string {
	return p.template
}
