// Package graph stores the obligations of one corpus generation as nodes in
// a directed graph and answers the structural queries used during matching.
// A Graph is built once per generation snapshot and is read-shared afterwards;
// traversal order follows edge insertion order so repeated queries against an
// unchanged graph are reproducible.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Severity classifies how binding an obligation is.
type Severity string

const (
	SeverityMandatory     Severity = "mandatory"
	SeverityRecommended   Severity = "recommended"
	SeverityInformational Severity = "informational"
)

// ParseSeverity normalises a severity label. Anything unrecognised maps to
// SeverityRecommended: defaulting to mandatory would overstate risk and
// defaulting to informational would understate it.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityMandatory:
		return SeverityMandatory
	case SeverityInformational:
		return SeverityInformational
	default:
		return SeverityRecommended
	}
}

// RelationKind identifies the type of a graph edge.
type RelationKind string

const (
	// RelSupersedes links a newer obligation to the one it replaces.
	// This relation must stay acyclic; AddEdge enforces it.
	RelSupersedes RelationKind = "supersedes"
	// RelDependsOn links an obligation to obligations it is conditioned on.
	RelDependsOn RelationKind = "depends_on"
	// RelBelongsToSection links an obligation to the obligation of its
	// enclosing regulation section.
	RelBelongsToSection RelationKind = "belongs_to_section"
)

// Obligation is one atomic regulatory requirement.
type Obligation struct {
	ID          int64    `json:"id"`
	SourcePath  string   `json:"source_path"`
	Subject     string   `json:"subject"`
	Condition   string   `json:"condition,omitempty"`
	Requirement string   `json:"requirement"`
	Severity    Severity `json:"severity"`
}

// Edge is a typed relation between two obligations.
type Edge struct {
	From int64        `json:"from_obligation_id"`
	To   int64        `json:"to_obligation_id"`
	Kind RelationKind `json:"relation_kind"`
}

// ErrCycleRejected is returned by AddEdge when a supersedes edge would close
// a cycle. The graph is left unchanged.
var ErrCycleRejected = errors.New("graph: supersedes edge would create a cycle")

// maxTraversalDepth caps Neighbors traversal to keep fan-out bounded on
// dense corpora.
const maxTraversalDepth = 4

// Graph holds the obligations and edges of one corpus generation.
// It is not safe for concurrent mutation; build it fully, then share it
// read-only across matcher tasks.
type Graph struct {
	nodes map[int64]Obligation
	order []int64 // obligation insertion order

	// adjacency per relation kind; neighbour lists keep insertion order.
	out map[RelationKind]map[int64][]int64
	in  map[RelationKind]map[int64][]int64

	edges []Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[int64]Obligation),
		out:   make(map[RelationKind]map[int64][]int64),
		in:    make(map[RelationKind]map[int64][]int64),
	}
}

// AddObligation registers an obligation node. Re-adding an existing ID
// replaces its record but keeps its position in insertion order.
func (g *Graph) AddObligation(o Obligation) {
	if _, exists := g.nodes[o.ID]; !exists {
		g.order = append(g.order, o.ID)
	}
	g.nodes[o.ID] = o
}

// Obligation returns the obligation with the given ID.
func (g *Graph) Obligation(id int64) (Obligation, bool) {
	o, ok := g.nodes[id]
	return o, ok
}

// Len returns the number of registered obligations.
func (g *Graph) Len() int {
	return len(g.order)
}

// AddEdge inserts a typed edge. Endpoints need not be registered
// obligations: supersedes edges may reference obligations of an earlier
// generation, which are traversable by ID but not part of this
// generation's section queries.
//
// For RelSupersedes the edge is rejected with ErrCycleRejected when the
// target already reaches the source over supersedes edges; the graph is
// left unchanged in that case.
func (g *Graph) AddEdge(e Edge) error {
	if e.Kind == "" {
		return fmt.Errorf("graph: edge %d->%d has no relation kind", e.From, e.To)
	}
	if e.Kind == RelSupersedes && g.reaches(e.To, e.From, RelSupersedes) {
		return fmt.Errorf("%w: %d -> %d", ErrCycleRejected, e.From, e.To)
	}

	if g.out[e.Kind] == nil {
		g.out[e.Kind] = make(map[int64][]int64)
	}
	if g.in[e.Kind] == nil {
		g.in[e.Kind] = make(map[int64][]int64)
	}
	g.out[e.Kind][e.From] = append(g.out[e.Kind][e.From], e.To)
	g.in[e.Kind][e.To] = append(g.in[e.Kind][e.To], e.From)
	g.edges = append(g.edges, e)
	return nil
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// reaches reports whether `from` can reach `to` following edges of the
// given kind. A node trivially reaches itself.
func (g *Graph) reaches(from, to int64, kind RelationKind) bool {
	if from == to {
		return true
	}
	adj := g.out[kind]
	if adj == nil {
		return false
	}
	visited := map[int64]bool{from: true}
	queue := []int64{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Neighbors returns the obligation IDs reachable from the given obligation
// over edges of one relation kind within the given depth, following both
// edge directions. Depth is capped at an internal bound. The starting
// obligation itself is not included. Order is deterministic: breadth-first,
// neighbours visited in edge insertion order.
func (g *Graph) Neighbors(obligationID int64, kind RelationKind, depth int) []int64 {
	if depth <= 0 {
		return nil
	}
	if depth > maxTraversalDepth {
		depth = maxTraversalDepth
	}

	visited := map[int64]bool{obligationID: true}
	queue := []int64{obligationID}
	var result []int64

	for d := 0; d < depth && len(queue) > 0; d++ {
		var next []int64
		for _, id := range queue {
			for _, n := range g.out[kind][id] {
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
					result = append(result, n)
				}
			}
			for _, n := range g.in[kind][id] {
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
					result = append(result, n)
				}
			}
		}
		queue = next
	}
	return result
}

// ObligationsUnderSection returns every registered obligation whose
// source_path equals the given section path or sits beneath it
// ("3.1" covers "3.1" and "3.1.2" but not "3.10"). Results follow
// obligation insertion order.
func (g *Graph) ObligationsUnderSection(path string) []Obligation {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	var result []Obligation
	for _, id := range g.order {
		o := g.nodes[id]
		if underSection(o.SourcePath, path) {
			result = append(result, o)
		}
	}
	return result
}

// underSection reports whether sourcePath is the section path itself or a
// descendant of it on a path-segment boundary.
func underSection(sourcePath, section string) bool {
	if sourcePath == section {
		return true
	}
	return strings.HasPrefix(sourcePath, section+".")
}
