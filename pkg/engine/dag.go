package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphBuilder constructs the execution DAG from plan units: it validates
// dependency references, rejects cycles, and assigns topological levels so
// independent branches can be applied in parallel.
type GraphBuilder struct {
	units      map[string]*PlanUnit
	dependents map[string][]string // unit -> units that depend on it
	requires   map[string][]string // unit -> units it depends on
	inDegree   map[string]int
	levels     [][]string
}

// NewGraphBuilder creates an empty graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		units:      make(map[string]*PlanUnit),
		dependents: make(map[string][]string),
		requires:   make(map[string][]string),
		inDegree:   make(map[string]int),
	}
}

// Build constructs the execution graph for the given plan units.
func (b *GraphBuilder) Build(units []PlanUnit) (*ExecutionGraph, error) {
	if len(units) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
		}, nil
	}

	if err := b.index(units); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.assemble(), nil
}

// index registers units and validates that every dependency target exists.
func (b *GraphBuilder) index(units []PlanUnit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewPermanentError("plan unit has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, ok := b.units[unit.ID]; ok {
			return NewPermanentError(fmt.Sprintf("duplicate plan unit ID: %s", unit.ID), nil).
				WithCode(ErrCodeValidation)
		}
		b.units[unit.ID] = unit
		b.dependents[unit.ID] = make([]string, 0)
		b.requires[unit.ID] = make([]string, 0)
		b.inDegree[unit.ID] = 0
	}

	for _, unit := range b.units {
		for _, dep := range unit.Dependencies {
			if _, ok := b.units[dep.TargetID]; !ok {
				return NewPermanentError(
					fmt.Sprintf("plan unit %s depends on undeclared unit %s", unit.ID, dep.TargetID),
					nil,
				).WithCode(ErrCodeValidation).WithResource(unit.ResourceID)
			}
			b.dependents[dep.TargetID] = append(b.dependents[dep.TargetID], unit.ID)
			b.requires[unit.ID] = append(b.requires[unit.ID], dep.TargetID)
			b.inDegree[unit.ID]++
		}
	}

	return nil
}

// detectCycles walks the graph depth-first and reports the first cycle
// found, formatted as a readable path.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range b.dependents[id] {
			if !visited[next] {
				if cycle := walk(next, path); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				// Trim the path down to where the cycle begins.
				for i, p := range path {
					if p == next {
						return append(path[i:], next)
					}
				}
				return append(path, next)
			}
		}

		onStack[id] = false
		return nil
	}

	for _, id := range b.sortedUnitIDs() {
		if !visited[id] {
			if cycle := walk(id, nil); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", strings.Join(b.cycleResources(cycle), " -> ")),
					nil,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

// cycleResources maps unit IDs in a cycle to resource IDs for the error
// message, which reads better than opaque unit UUIDs.
func (b *GraphBuilder) cycleResources(cycle []string) []string {
	out := make([]string, 0, len(cycle))
	for _, id := range cycle {
		if u, ok := b.units[id]; ok && u.ResourceID != "" {
			out = append(out, u.ResourceID)
		} else {
			out = append(out, id)
		}
	}
	return out
}

// computeLevels runs Kahn's algorithm, collecting units level by level.
// Units within a level are sorted for deterministic output.
func (b *GraphBuilder) computeLevels() error {
	degree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		degree[id] = d
	}

	current := make([]string, 0)
	for _, id := range b.sortedUnitIDs() {
		if degree[id] == 0 {
			current = append(current, id)
		}
	}
	if len(current) == 0 {
		return NewPermanentError("no root units found: every unit has dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dep := range b.dependents[id] {
				degree[dep]--
				if degree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	// Unreachable if cycle detection holds, kept as an internal guard.
	if processed != len(b.units) {
		return NewPermanentError("not all plan units were levelled", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// assemble builds the final ExecutionGraph and stamps levels back onto the
// plan units.
func (b *GraphBuilder) assemble() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode, len(b.units)),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.requires[id],
				Dependents:   b.dependents[id],
			}
			b.units[id].Level = level
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	for _, id := range b.sortedUnitIDs() {
		unit := b.units[id]
		for _, dep := range unit.Dependencies {
			graph.Edges = append(graph.Edges, GraphEdge{
				From: dep.TargetID,
				To:   unit.ID,
				Type: dep.Type,
			})
		}
	}

	return graph
}

// Levels returns the computed execution levels; each level holds unit IDs
// that may execute in parallel.
func (b *GraphBuilder) Levels() [][]string {
	return b.levels
}

func (b *GraphBuilder) sortedUnitIDs() []string {
	ids := make([]string, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Verify performs consistency checks on a built graph.
func (b *GraphBuilder) Verify(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.units) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}
	for _, edge := range graph.Edges {
		from, ok := graph.Nodes[edge.From]
		if !ok {
			return NewPermanentError(fmt.Sprintf("edge references unknown node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		to, ok := graph.Nodes[edge.To]
		if !ok {
			return NewPermanentError(fmt.Sprintf("edge references unknown node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
		if from.Level >= to.Level {
			return NewPermanentError(
				fmt.Sprintf("edge %s -> %s violates level ordering", edge.From, edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}
	for _, root := range graph.Roots {
		if len(graph.Nodes[root].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", root), nil).
				WithCode(ErrCodeInternal)
		}
	}
	return nil
}

// ToDOT renders the DAG in Graphviz DOT format, one dashed cluster per
// execution level.
func (b *GraphBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			unit := b.units[id]
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, unit.ResourceID, unit.Operation, operationColor(unit.Operation))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range b.sortedUnitIDs() {
		unit := b.units[id]
		for _, dep := range unit.Dependencies {
			style := "style=solid"
			if dep.Type == DependencyOrder {
				style = "style=dotted"
			}
			fmt.Fprintf(&sb, "  %q -> %q [%s];\n", dep.TargetID, unit.ID, style)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func operationColor(op OperationType) string {
	switch op {
	case OperationCreate:
		return "lightgreen"
	case OperationUpdate:
		return "lightblue"
	case OperationDelete, OperationRecreate:
		return "lightcoral"
	case OperationNoop:
		return "lightgray"
	default:
		return "white"
	}
}
