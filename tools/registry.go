package tools

import (
	"context"
	"fmt"
	"maps"

	"github.com/bt-bridge/realtime-relay/shared"
)

// HandlerFunc implements one tool. It must be safe for concurrent use.
type HandlerFunc func(ctx context.Context, args Args) (string, error)

// Binding is the implementation side of a tool.
type Binding struct {
	Handler   HandlerFunc
	Direction Direction
}

// Catalog maps tool names to implementations. A declaration document picks
// tools out of a catalog by name.
type Catalog map[string]Binding

// Merge returns a catalog holding the bindings of c and others. Later
// catalogs win on name collisions.
func (c Catalog) Merge(others ...Catalog) Catalog {
	out := make(Catalog, len(c))
	maps.Copy(out, c)
	for _, o := range others {
		maps.Copy(out, o)
	}
	return out
}

type Tool struct {
	Schema  ToolSchema
	Binding Binding
}

// Registry is the read-only set of tools of one persona. It is never mutated
// after NewRegistry returns.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry binds every declared schema to its catalog entry. A declared
// tool without an implementation fails with shared.ErrUnknownToolBinding.
func NewRegistry(schemas []ToolSchema, catalog Catalog) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(schemas))}
	for _, s := range schemas {
		if err := s.check(); err != nil {
			return nil, err
		}
		if _, dup := r.tools[s.Name]; dup {
			return nil, fmt.Errorf("tool %s declared twice", s.Name)
		}
		b, ok := catalog[s.Name]
		if !ok || b.Handler == nil {
			return nil, fmt.Errorf("%w: %s", shared.ErrUnknownToolBinding, s.Name)
		}
		if s.Type == "" {
			s.Type = "function"
		}
		if s.Parameters.Type == "" {
			s.Parameters.Type = TypeObject
		}
		r.tools[s.Name] = Tool{Schema: s, Binding: b}
		r.order = append(r.order, s.Name)
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Schemas returns the tool schemas in declaration order.
func (r *Registry) Schemas() []ToolSchema {
	out := make([]ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Schema)
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.order)
}
