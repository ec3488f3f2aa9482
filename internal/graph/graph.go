// Package graph provides the arena-based execution graph connecting
// function versions and table versions through Trigger, Dependency and
// Output edges. The graph is generic over the version representation
// carried by its edges: relative specs at template time, resolved data
// version ids at plan time.
package graph

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeIndex addresses a node inside the graph arena. Edges hold
// indices, not references, so a transformed copy shares no pointers
// with its source.
type NodeIndex int

// NodeKind tags the arena entry variants.
type NodeKind int

const (
	NodeFunction NodeKind = iota
	NodeTable
)

// FunctionNode identifies one immutable version of a registered
// function.
type FunctionNode struct {
	CollectionID      uuid.UUID
	FunctionVersionID uuid.UUID
	Name              string
}

// TableNode identifies one version of a table.
type TableNode struct {
	TableID           uuid.UUID
	TableVersionID    uuid.UUID
	FunctionVersionID uuid.UUID
	Name              string
	System            bool
}

// Node is one arena entry. Exactly one of Function/Table is meaningful
// depending on Kind.
type Node struct {
	Kind     NodeKind
	Function FunctionNode
	Table    TableNode
}

// EdgeKind tags the edge variants.
type EdgeKind int

const (
	// EdgeTrigger marks a table output starting a dependent function.
	EdgeTrigger EdgeKind = iota
	// EdgeDependency marks a function consuming a table.
	EdgeDependency
	// EdgeOutput marks a function producing a table.
	EdgeOutput
)

// Edge connects two arena indices. Position disambiguates multiple
// dependencies on the same table and orders outputs; SelfDependency is
// meaningful on Dependency edges only.
type Edge[V any] struct {
	Kind           EdgeKind
	From           NodeIndex
	To             NodeIndex
	Version        V
	Position       int
	SelfDependency bool
	Optional       bool
}

// ExecutionGraph owns all nodes and edges of one trigger closure plus
// the designated manual-trigger node.
type ExecutionGraph[V any] struct {
	nodes   []Node
	edges   []Edge[V]
	trigger NodeIndex
}

// New returns an empty graph. The manual trigger must be set before
// closure queries are used.
func New[V any]() *ExecutionGraph[V] {
	return &ExecutionGraph[V]{trigger: -1}
}

// AddFunction appends a function node and returns its index.
func (g *ExecutionGraph[V]) AddFunction(fn FunctionNode) NodeIndex {
	g.nodes = append(g.nodes, Node{Kind: NodeFunction, Function: fn})
	return NodeIndex(len(g.nodes) - 1)
}

// AddTable appends a table node and returns its index.
func (g *ExecutionGraph[V]) AddTable(table TableNode) NodeIndex {
	g.nodes = append(g.nodes, Node{Kind: NodeTable, Table: table})
	return NodeIndex(len(g.nodes) - 1)
}

// AddEdge appends an edge between existing nodes.
func (g *ExecutionGraph[V]) AddEdge(edge Edge[V]) error {
	if !g.valid(edge.From) || !g.valid(edge.To) {
		return fmt.Errorf("edge references node outside graph: %v -> %v", edge.From, edge.To)
	}

	switch edge.Kind {
	case EdgeTrigger:
		if g.nodes[edge.From].Kind != NodeTable || g.nodes[edge.To].Kind != NodeFunction {
			return fmt.Errorf("trigger edge must connect table to function")
		}
	case EdgeDependency:
		if g.nodes[edge.From].Kind != NodeTable || g.nodes[edge.To].Kind != NodeFunction {
			return fmt.Errorf("dependency edge must connect table to function")
		}
	case EdgeOutput:
		if g.nodes[edge.From].Kind != NodeFunction || g.nodes[edge.To].Kind != NodeTable {
			return fmt.Errorf("output edge must connect function to table")
		}
	}

	g.edges = append(g.edges, edge)
	return nil
}

// SetManualTrigger designates the manually triggered function node.
func (g *ExecutionGraph[V]) SetManualTrigger(idx NodeIndex) error {
	if !g.valid(idx) || g.nodes[idx].Kind != NodeFunction {
		return fmt.Errorf("manual trigger must be a function node: %v", idx)
	}
	g.trigger = idx
	return nil
}

// ManualTrigger returns the manually triggered function node index.
func (g *ExecutionGraph[V]) ManualTrigger() NodeIndex {
	return g.trigger
}

// Node returns the arena entry at idx.
func (g *ExecutionGraph[V]) Node(idx NodeIndex) Node {
	return g.nodes[idx]
}

// Edges returns the edge arena. Callers must not mutate it.
func (g *ExecutionGraph[V]) Edges() []Edge[V] {
	return g.edges
}

// Len returns the node count.
func (g *ExecutionGraph[V]) Len() int {
	return len(g.nodes)
}

func (g *ExecutionGraph[V]) valid(idx NodeIndex) bool {
	return idx >= 0 && int(idx) < len(g.nodes)
}

// Functions returns every function node index, in arena order.
func (g *ExecutionGraph[V]) Functions() []NodeIndex {
	return g.indices(NodeFunction)
}

// Tables returns every table node index, in arena order.
func (g *ExecutionGraph[V]) Tables() []NodeIndex {
	return g.indices(NodeTable)
}

func (g *ExecutionGraph[V]) indices(kind NodeKind) []NodeIndex {
	out := make([]NodeIndex, 0, len(g.nodes))
	for i, node := range g.nodes {
		if node.Kind == kind {
			out = append(out, NodeIndex(i))
		}
	}
	return out
}

// TriggeredFunctions returns every function reachable by following
// Output then Trigger edges forward from the manual function,
// transitively, excluding the manual function itself. A function
// triggered by more than one upstream table is included once, in
// discovery order. Dependency edges are never traversed.
func (g *ExecutionGraph[V]) TriggeredFunctions() []NodeIndex {
	if g.trigger < 0 {
		return nil
	}

	outputs := g.outgoing(EdgeOutput)
	triggers := g.outgoing(EdgeTrigger)

	queue := []NodeIndex{g.trigger}
	seen := map[NodeIndex]struct{}{g.trigger: {}}
	out := make([]NodeIndex, 0)

	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]

		for _, table := range outputs[fn] {
			for _, next := range triggers[table] {
				if _, ok := seen[next]; ok {
					continue
				}
				seen[next] = struct{}{}
				out = append(out, next)
				queue = append(queue, next)
			}
		}
	}

	return out
}

// OutputTable is a (function, table) production pair.
type OutputTable struct {
	Function NodeIndex
	Table    NodeIndex
	Position int
}

// OutputTables returns every table produced by the manual function or
// any triggered function, in closure order then output position.
func (g *ExecutionGraph[V]) OutputTables() []OutputTable {
	if g.trigger < 0 {
		return nil
	}

	outputs := g.outputEdges()
	out := make([]OutputTable, 0)

	for _, fn := range append([]NodeIndex{g.trigger}, g.TriggeredFunctions()...) {
		for _, edge := range outputs[fn] {
			out = append(out, OutputTable{Function: fn, Table: edge.To, Position: edge.Position})
		}
	}

	return out
}

// Requirement is a (function, dependency edge) consumption pair.
type Requirement[V any] struct {
	Function NodeIndex
	Table    NodeIndex
	Edge     Edge[V]
}

// FunctionVersionRequirements returns one entry per Dependency edge
// incoming to the manual function or any triggered function. The
// manual function is included so its own inputs are planned alongside
// the closure it starts.
func (g *ExecutionGraph[V]) FunctionVersionRequirements() []Requirement[V] {
	if g.trigger < 0 {
		return nil
	}

	member := map[NodeIndex]struct{}{g.trigger: {}}
	for _, fn := range g.TriggeredFunctions() {
		member[fn] = struct{}{}
	}

	out := make([]Requirement[V], 0)
	for _, edge := range g.edges {
		if edge.Kind != EdgeDependency {
			continue
		}
		if _, ok := member[edge.To]; !ok {
			continue
		}
		out = append(out, Requirement[V]{Function: edge.To, Table: edge.From, Edge: edge})
	}

	return out
}

// Producer returns the function node producing a table in this graph,
// or -1 when the table has no in-graph producer.
func (g *ExecutionGraph[V]) Producer(table NodeIndex) NodeIndex {
	for _, edge := range g.edges {
		if edge.Kind == EdgeOutput && edge.To == table {
			return edge.From
		}
	}
	return -1
}

func (g *ExecutionGraph[V]) outgoing(kind EdgeKind) map[NodeIndex][]NodeIndex {
	adjacency := make(map[NodeIndex][]NodeIndex)
	for _, edge := range g.edges {
		if edge.Kind == kind {
			adjacency[edge.From] = append(adjacency[edge.From], edge.To)
		}
	}
	return adjacency
}

func (g *ExecutionGraph[V]) outputEdges() map[NodeIndex][]Edge[V] {
	adjacency := make(map[NodeIndex][]Edge[V])
	for _, edge := range g.edges {
		if edge.Kind == EdgeOutput {
			adjacency[edge.From] = append(adjacency[edge.From], edge)
		}
	}
	return adjacency
}
