package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNoVersion = errors.New("types: graph has no version")

// Decode parses a signature graph document.
func Decode(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &g, nil
}

// SectionCount is the number of entities in one section.
type SectionCount struct {
	Section    string `json:"section"`
	Namespace  string `json:"namespace,omitempty"`
	Entities   int    `json:"entities"`
	Documented int    `json:"documented"`
}

// Stats summarizes a graph section by section, top level first and then each
// namespace's contents.
type Stats struct {
	Version  string         `json:"version"`
	Total    int            `json:"total"`
	Sections []SectionCount `json:"sections"`
}

func (g *Graph) Stats() Stats {
	st := Stats{Version: g.Version}
	add := func(section, ns string, entities []Entity) {
		c := SectionCount{Section: section, Namespace: ns, Entities: len(entities)}
		for _, e := range entities {
			if e.Documented() {
				c.Documented++
			}
		}
		st.Total += c.Entities
		st.Sections = append(st.Sections, c)
	}
	top := g.contents()
	for _, s := range LeafSections {
		add(s, "", top.entities(s))
	}
	nsEntities := make([]Entity, len(g.Namespaces))
	for i, ns := range g.Namespaces {
		nsEntities[i] = ns.Entity
	}
	add(SectionNamespaces, "", nsEntities)
	for _, ns := range g.Namespaces {
		for _, s := range LeafSections {
			add(s, ns.Name, ns.Contents.entities(s))
		}
	}
	return st
}

// Validate checks the graph invariants: a version is present, and every
// entity has a name that is unique within its section.
func (g *Graph) Validate() error {
	var errs []error
	if g.Version == "" {
		errs = append(errs, ErrNoVersion)
	}
	check := func(where string, entities []Entity) {
		seen := make(map[string]bool, len(entities))
		for i, e := range entities {
			switch {
			case e.Name == "":
				errs = append(errs, fmt.Errorf("%s[%d]: missing name", where, i))
			case seen[e.Name]:
				errs = append(errs, fmt.Errorf("%s: duplicate name %q", where, e.Name))
			}
			seen[e.Name] = true
		}
	}
	top := g.contents()
	for _, s := range LeafSections {
		check(s, top.entities(s))
	}
	nsEntities := make([]Entity, len(g.Namespaces))
	for i, ns := range g.Namespaces {
		nsEntities[i] = ns.Entity
		for _, s := range LeafSections {
			check(SectionNamespaces+"."+s+"@"+ns.Name, ns.Contents.entities(s))
		}
	}
	check(SectionNamespaces, nsEntities)
	return errors.Join(errs...)
}

func (g *Graph) contents() Contents {
	return Contents{
		Functions: g.Functions,
		Enums:     g.Enums,
		Types:     g.Types,
		Classes:   g.Classes,
		Constants: g.Constants,
	}
}

func (c Contents) entities(section string) []Entity {
	var out []Entity
	switch section {
	case SectionFunctions:
		for _, x := range c.Functions {
			out = append(out, x.Entity)
		}
	case SectionEnums:
		for _, x := range c.Enums {
			out = append(out, x.Entity)
		}
	case SectionTypes:
		for _, x := range c.Types {
			out = append(out, x.Entity)
		}
	case SectionClasses:
		for _, x := range c.Classes {
			out = append(out, x.Entity)
		}
	case SectionConstants:
		for _, x := range c.Constants {
			out = append(out, x.Entity)
		}
	}
	return out
}
