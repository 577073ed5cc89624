package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds a directed acyclic graph (DAG) from units.
// It performs topological sorting and assigns execution levels for parallel execution.
type DAGBuilder struct {
	// units maps unit IDs to their units
	units map[string]*Unit

	// adjacencyList maps unit IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps unit IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to unit IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units:                make(map[string]*Unit),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from units.
// It validates dependencies, detects cycles, and computes execution levels.
func (b *DAGBuilder) BuildGraph(units []Unit) (*Graph, error) {
	if len(units) == 0 {
		return &Graph{
			Nodes:  make(map[string]*Node),
			Levels: make([][]string, 0),
			Roots:  make([]string, 0),
		}, nil
	}

	if err := b.initialize(units); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildGraph(), nil
}

// initialize sets up the internal data structures from units.
func (b *DAGBuilder) initialize(units []Unit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewPermanentError("unit has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if unit.Task == nil {
			return NewPermanentError("unit has no task", nil).
				WithCode(ErrCodeValidation).WithUnit(unit.ID)
		}

		if _, exists := b.units[unit.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate unit ID: %s", unit.ID), nil).
				WithCode(ErrCodeValidation)
		}

		b.units[unit.ID] = unit
		b.adjacencyList[unit.ID] = make([]string, 0)
		b.reverseAdjacencyList[unit.ID] = make([]string, 0)
		b.inDegree[unit.ID] = 0
	}

	for _, id := range b.sortedIDs() {
		unit := b.units[id]
		for _, targetID := range unit.DependsOn {
			if _, exists := b.units[targetID]; !exists {
				return NewPermanentError(
					fmt.Sprintf("unit %s depends on non-existent unit %s", unit.ID, targetID),
					nil,
				).WithCode(ErrCodeValidation).WithUnit(unit.ID)
			}

			// Edge from dependency to unit: the dependency completes first.
			b.adjacencyList[targetID] = append(b.adjacencyList[targetID], unit.ID)
			b.reverseAdjacencyList[unit.ID] = append(b.reverseAdjacencyList[unit.ID], targetID)
			b.inDegree[unit.ID]++
		}
	}

	return nil
}

func (b *DAGBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.sortedIDs() {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
				nil,
			).WithCode(ErrCodeValidation)
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is found.
func (b *DAGBuilder) detectCyclesUtil(nodeID string, visited, recStack map[string]bool, path []string) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels to each unit using Kahn's algorithm.
// Units at the same level can be executed in parallel.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	currentLevel := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	processed := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}

	if processed != len(b.units) {
		return NewPermanentError("failed to process all units - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildGraph creates the final Graph structure.
func (b *DAGBuilder) buildGraph() *Graph {
	graph := &Graph{
		Nodes:  make(map[string]*Node, len(b.units)),
		Levels: b.levels,
		Roots:  make([]string, 0),
		Depth:  len(b.levels),
	}

	for level, unitIDs := range b.levels {
		for _, unitID := range unitIDs {
			graph.Nodes[unitID] = &Node{
				ID:           unitID,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[unitID],
				Dependents:   b.adjacencyList[unitID],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, unitID)
			}
		}
	}

	return graph
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ApplyGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, unitIDs := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")

		for _, unitID := range unitIDs {
			unit := b.units[unitID]
			label := strings.ReplaceAll(unit.Task.Description(), "\"", "'")
			fmt.Fprintf(&sb, "    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				unitID, label, kindColor(unit.Kind))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.sortedIDs() {
		for _, dep := range b.units[id].DependsOn {
			fmt.Fprintf(&sb, "  \"%s\" -> \"%s\";\n", dep, id)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func kindColor(kind string) string {
	switch kind {
	case "bridge":
		return "lightblue"
	case "interface", "tunnel":
		return "lightgreen"
	case "executor":
		return "lightyellow"
	default:
		return "white"
	}
}
