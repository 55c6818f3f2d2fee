package schema

import (
	"fmt"
	"strings"
)

// Edge is a foreign-key dependency from one entity to another: a many-to-one
// on From, or the join column a one-to-many on To writes into From
type Edge struct {
	From  string
	Field string
	To    string
}

// String returns the edge as From.Field -> To
func (e Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s", e.From, e.Field, e.To)
}

// RelationshipGraph represents the foreign-key dependency graph between entities
type RelationshipGraph struct {
	nodes map[string]*EntityDescriptor
	order []string
	edges map[string][]Edge // entity -> dependencies
}

// NewRelationshipGraph creates a graph over the given descriptors. order fixes
// the traversal order so results are deterministic.
func NewRelationshipGraph(descriptors map[string]*EntityDescriptor, order []string) *RelationshipGraph {
	graph := &RelationshipGraph{
		nodes: descriptors,
		order: order,
		edges: make(map[string][]Edge),
	}

	for _, name := range order {
		for _, rel := range descriptors[name].relationships {
			switch {
			case rel.Kind == ManyToOne:
				graph.edges[name] = append(graph.edges[name], Edge{From: name, Field: rel.Field, To: rel.Target})
			case rel.OwnsJoinColumn():
				target, ok := descriptors[rel.Target]
				if !ok {
					continue
				}
				if f, ok := target.FieldByColumn(rel.JoinColumn); ok {
					graph.edges[rel.Target] = append(graph.edges[rel.Target], Edge{From: rel.Target, Field: f.Name, To: name})
				}
			}
		}
	}

	return graph
}

// walk runs a depth-first traversal, calling emit in post-order and back for
// every edge that points at a node still on the stack.
func (g *RelationshipGraph) walk(emit func(string), back func(Edge)) {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var dfs func(node string)
	dfs = func(node string) {
		visited[node] = true
		onStack[node] = true

		for _, edge := range g.edges[node] {
			if _, known := g.nodes[edge.To]; !known {
				continue
			}
			if onStack[edge.To] {
				back(edge)
				continue
			}
			if !visited[edge.To] {
				dfs(edge.To)
			}
		}

		onStack[node] = false
		emit(node)
	}

	for _, node := range g.order {
		if !visited[node] {
			dfs(node)
		}
	}
}

// TopologicalSort returns entities in dependency order (dependencies first)
func (g *RelationshipGraph) TopologicalSort() []string {
	result := make([]string, 0, len(g.order))
	g.walk(func(node string) { result = append(result, node) }, func(Edge) {})
	return result
}

// BackEdges returns the edges that close a cycle, self references included
func (g *RelationshipGraph) BackEdges() []Edge {
	var back []Edge
	g.walk(func(string) {}, func(e Edge) { back = append(back, e) })
	return back
}

// FormatEdges formats edges for error messages and CLI output
func FormatEdges(edges []Edge) string {
	parts := make([]string, len(edges))
	for i, e := range edges {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}
