package graph

import (
	"context"
)

// ResolveFunc replaces one edge's version payload. The table is the
// edge's source or target table node; self marks a self-dependency.
type ResolveFunc[V, R any] func(ctx context.Context, table TableNode, spec V, self bool) (R, error)

// Versioned produces a new graph with every edge's version payload
// replaced through resolve. Node set, edge topology, trigger
// designation and edge attributes are preserved exactly. Any
// resolution failure aborts the transform; a partial graph is never
// returned.
func Versioned[V, R any](ctx context.Context, g *ExecutionGraph[V], resolve ResolveFunc[V, R]) (*ExecutionGraph[R], error) {
	out := &ExecutionGraph[R]{
		nodes:   make([]Node, len(g.nodes)),
		edges:   make([]Edge[R], len(g.edges)),
		trigger: g.trigger,
	}
	copy(out.nodes, g.nodes)

	for i, edge := range g.edges {
		table := g.tableOf(edge)

		resolved, err := resolve(ctx, table, edge.Version, edge.Kind == EdgeDependency && edge.SelfDependency)
		if err != nil {
			return nil, err
		}

		out.edges[i] = Edge[R]{
			Kind:           edge.Kind,
			From:           edge.From,
			To:             edge.To,
			Version:        resolved,
			Position:       edge.Position,
			SelfDependency: edge.SelfDependency,
			Optional:       edge.Optional,
		}
	}

	return out, nil
}

func (g *ExecutionGraph[V]) tableOf(edge Edge[V]) TableNode {
	if g.nodes[edge.From].Kind == NodeTable {
		return g.nodes[edge.From].Table
	}
	return g.nodes[edge.To].Table
}
