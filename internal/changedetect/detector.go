package changedetect

import (
	"sort"
	"strings"

	"boxscore_pipeline/internal/wire"
)

// Reason records why an entity is part of a change set.
type Reason string

const (
	// ReasonDirect marks an entity named by the triggering event itself.
	ReasonDirect Reason = "direct"
	// ReasonTransitive marks an entity reached through dependency edges.
	ReasonTransitive Reason = "transitive"
)

// EntityChangeSet is the stage-scoped result of change detection: either the
// all sentinel, or the set of entities to re-evaluate with the reason each
// one was included. Ephemeral; constructed per triggering event.
type EntityChangeSet struct {
	All     bool
	Reasons map[string]Reason
}

// Entities returns the included entity ids in stable order.
func (s EntityChangeSet) Entities() []string {
	out := make([]string, 0, len(s.Reasons))
	for id := range s.Reasons {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of included entities; 0 for the all sentinel.
func (s EntityChangeSet) Size() int {
	if s.All {
		return 0
	}
	return len(s.Reasons)
}

// FilterKind narrows the set to entities of one kind (the prefix before the
// first colon in an entity id, e.g. "team" matches "team:NYK"). An empty
// kind or the all sentinel pass through unchanged.
func (s EntityChangeSet) FilterKind(kind string) EntityChangeSet {
	if s.All || kind == "" {
		return s
	}
	filtered := EntityChangeSet{Reasons: make(map[string]Reason)}
	for id, reason := range s.Reasons {
		if entityKind(id) == kind {
			filtered.Reasons[id] = reason
		}
	}
	return filtered
}

func entityKind(id string) string {
	if i := strings.Index(id, ":"); i >= 0 {
		return id[:i]
	}
	return id
}

func allSentinel() EntityChangeSet {
	return EntityChangeSet{All: true}
}

// Limits is the fan-out ceiling: past either bound, entity-level dispatch no
// longer pays for itself and detection abandons to the all sentinel.
type Limits struct {
	// MaxEntities bounds the closure size.
	MaxEntities int
	// MaxRosterFraction bounds the closure relative to the active roster.
	MaxRosterFraction float64
	// MaxHops bounds the traversal depth.
	MaxHops int
}

// Detector expands an event's scope through the dependency graph.
// Deterministic and side-effect free: a pure function of the event, the
// edge set, and the active-entity roster.
type Detector struct {
	graph  *Graph
	limits Limits
}

func NewDetector(graph *Graph, limits Limits) *Detector {
	return &Detector{graph: graph, limits: limits}
}

// Detect computes the change set for an event against the active roster.
// The event's scope seeds the directly changed set; dependency edges are
// traversed one hop at a time marking transitively affected entities; an
// entity reachable by multiple paths is included exactly once. If a ceiling
// trips at any point the result is the all sentinel, never a partial list.
func (d *Detector) Detect(ev wire.ChangeEvent, roster []string) EntityChangeSet {
	var seeds []string
	switch ev.Scope.Kind {
	case wire.ScopeEntities:
		if len(ev.Scope.EntityIDs) == 0 {
			// Malformed empty scope: fall back to full-scope processing.
			return allSentinel()
		}
		seeds = ev.Scope.EntityIDs
	case wire.ScopeDate:
		// A date-only event treats every entity active on that date as
		// directly changed.
		seeds = roster
		if len(seeds) == 0 {
			return allSentinel()
		}
	default:
		return allSentinel()
	}

	set := EntityChangeSet{Reasons: make(map[string]Reason, len(seeds))}
	frontier := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if _, ok := set.Reasons[id]; ok {
			continue
		}
		set.Reasons[id] = ReasonDirect
		frontier = append(frontier, id)
	}

	if d.exceeded(set, roster) {
		return allSentinel()
	}

	for hop := 0; hop < d.limits.MaxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, dependent := range d.graph.Dependents(id) {
				if _, ok := set.Reasons[dependent]; ok {
					continue
				}
				set.Reasons[dependent] = ReasonTransitive
				next = append(next, dependent)
			}
		}
		if d.exceeded(set, roster) {
			return allSentinel()
		}
		frontier = next
	}

	return set
}

func (d *Detector) exceeded(set EntityChangeSet, roster []string) bool {
	if d.limits.MaxEntities > 0 && len(set.Reasons) > d.limits.MaxEntities {
		return true
	}
	if d.limits.MaxRosterFraction > 0 && len(roster) > 0 {
		if float64(len(set.Reasons)) > d.limits.MaxRosterFraction*float64(len(roster)) {
			return true
		}
	}
	return false
}
