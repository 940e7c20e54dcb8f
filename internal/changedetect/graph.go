// Package changedetect turns a completion event plus the static dependency
// graph into the set of entities a downstream stage must re-evaluate.
package changedetect

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Edge declares that one entity's output depends on other entities' outputs.
// Configuration-defined and read-only at runtime: cross-entity cascades live
// here, not in stage code.
type Edge struct {
	Entity    string   `yaml:"entity" validate:"required"`
	DependsOn []string `yaml:"depends_on" validate:"required,min=1"`
}

type edgeFile struct {
	Edges []Edge `yaml:"edges"`
}

// Graph indexes the dependency edges for traversal. A change to entity B
// invalidates every entity that (transitively) depends on B.
type Graph struct {
	// dependents maps a dependency to the entities depending on it.
	dependents map[string][]string
}

// NewGraph builds a graph from edges, deduplicating repeated declarations.
func NewGraph(edges []Edge) *Graph {
	dependents := make(map[string][]string)
	seen := make(map[string]bool)
	for _, e := range edges {
		for _, dep := range e.DependsOn {
			key := dep + "->" + e.Entity
			if seen[key] {
				continue
			}
			seen[key] = true
			dependents[dep] = append(dependents[dep], e.Entity)
		}
	}
	for dep := range dependents {
		sort.Strings(dependents[dep])
	}
	return &Graph{dependents: dependents}
}

// LoadGraph reads the dependency-edge configuration from a YAML file.
func LoadGraph(path string) (*Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read edges file: %w", err)
	}

	var file edgeFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse edges file: %w", err)
	}

	for i, e := range file.Edges {
		if strings.TrimSpace(e.Entity) == "" {
			return nil, fmt.Errorf("edge %d: entity is required", i)
		}
		if len(e.DependsOn) == 0 {
			return nil, fmt.Errorf("edge %d (%s): depends_on must not be empty", i, e.Entity)
		}
	}

	return NewGraph(file.Edges), nil
}

// Dependents returns the entities directly depending on the given entity.
func (g *Graph) Dependents(entity string) []string {
	return g.dependents[entity]
}
