package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is an arena of TaskNodes addressed by NodeID with edges stored as id
// sets. It is not safe for concurrent use; the scheduler's coordinator is its
// only writer during a run.
type Graph struct {
	nodes []*TaskNode

	// tasks maps a task name to the nodes currently standing for it, in Seq order.
	tasks map[string][]NodeID

	// specs holds the declared tasks in declaration order.
	specs []*TaskSpec
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make([]*TaskNode, 0),
		tasks: make(map[string][]NodeID),
	}
}

// AddNode appends a node to the arena and returns its id.
func (g *Graph) AddNode(n *TaskNode) NodeID {
	n.ID = NodeID(len(g.nodes))
	if n.Dependencies == nil {
		n.Dependencies = make(map[NodeID]struct{})
	}
	if n.Dependents == nil {
		n.Dependents = make(map[NodeID]struct{})
	}
	if n.State == "" {
		n.State = NodeStatePending
	}
	g.nodes = append(g.nodes, n)
	if n.Kind != NodeKindRescue {
		g.tasks[n.Task] = append(g.tasks[n.Task], n.ID)
	}
	return n.ID
}

// AddEdge records that node to depends on node from.
func (g *Graph) AddEdge(from, to NodeID) {
	src, dst := g.nodes[from], g.nodes[to]
	if _, exists := dst.Dependencies[from]; exists {
		return
	}
	dst.Dependencies[from] = struct{}{}
	src.Dependents[to] = struct{}{}
	if !src.State.IsTerminal() {
		dst.DependenciesRemaining++
	}
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id NodeID) *TaskNode {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Nodes returns every node in arena order.
func (g *Graph) Nodes() []*TaskNode {
	return g.nodes
}

// Len returns the number of nodes in the arena.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Specs returns the declared tasks in declaration order.
func (g *Graph) Specs() []*TaskSpec {
	return g.specs
}

// TaskNodes returns the nodes standing for a declared task.
func (g *Graph) TaskNodes(task string) []NodeID {
	return g.tasks[task]
}

// ReadySet promotes every Pending node whose dependencies are all terminal.
// Nodes that may run move to Ready and are returned in ready; nodes blocked by
// a dependency that did not satisfy them (and that are not marked always) are
// returned in blocked, still Pending, for the caller to skip.
func (g *Graph) ReadySet() (ready []NodeID, blocked []NodeID) {
	for _, n := range g.nodes {
		if n.State != NodeStatePending || n.DependenciesRemaining > 0 || n.Kind == NodeKindRescue {
			continue
		}
		if n.Blocked && !n.Spec.Always {
			blocked = append(blocked, n.ID)
			continue
		}
		n.State = NodeStateReady
		ready = append(ready, n.ID)
	}
	g.sortIDs(ready)
	g.sortIDs(blocked)
	return ready, blocked
}

// Transition moves a node to a new state, enforcing the node state machine.
func (g *Graph) Transition(id NodeID, to NodeState) (NodeState, error) {
	n := g.nodes[id]
	from := n.State
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid transition for %s: %s -> %s", n.Name, from, to)
	}
	n.State = to
	return from, nil
}

// Release notifies the dependents of a terminal node. Dependents of a node
// that does not satisfy them are marked blocked.
func (g *Graph) Release(id NodeID) {
	n := g.nodes[id]
	for dep := range n.Dependents {
		d := g.nodes[dep]
		if d.DependenciesRemaining > 0 {
			d.DependenciesRemaining--
		}
		if !n.Satisfies() {
			d.Blocked = true
		}
	}
}

// Succeed appends a successor to an until attempt: the new node inherits the
// old node's dependents, and the old node keeps none. The returned node
// depends only on the old one.
func (g *Graph) Succeed(old NodeID, next *TaskNode) NodeID {
	id := g.AddNode(next)
	prev := g.nodes[old]
	for dep := range prev.Dependents {
		d := g.nodes[dep]
		delete(d.Dependencies, old)
		d.Dependencies[id] = struct{}{}
		g.nodes[id].Dependents[dep] = struct{}{}
	}
	prev.Dependents = make(map[NodeID]struct{})
	g.AddEdge(old, id)
	return id
}

// TopologicalOrder returns every non-rescue node so that each appears after all
// of its dependencies. Ties are broken by declaration order.
func (g *Graph) TopologicalOrder() ([]NodeID, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	order := make([]NodeID, 0, len(g.nodes))
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// Levels groups nodes into waves using Kahn's algorithm: level 0 has no
// dependencies, level n depends only on earlier levels.
func (g *Graph) Levels() ([][]NodeID, error) {
	inDegree := make(map[NodeID]int, len(g.nodes))
	var current []NodeID
	total := 0
	for _, n := range g.nodes {
		if n.Kind == NodeKindRescue {
			continue
		}
		total++
		inDegree[n.ID] = len(n.Dependencies)
		if inDegree[n.ID] == 0 {
			current = append(current, n.ID)
		}
	}

	levels := make([][]NodeID, 0)
	processed := 0
	for len(current) > 0 {
		g.sortIDs(current)
		levels = append(levels, current)
		processed += len(current)

		var next []NodeID
		for _, id := range current {
			for dep := range g.nodes[id].Dependents {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if processed != total {
		return nil, NewConfigurationError(
			fmt.Sprintf("graph has a cycle: processed %d of %d nodes", processed, total), nil,
		).WithCode(ErrCodeCycle)
	}
	return levels, nil
}

// sortIDs orders ids by declaration order, then sequence within the task.
func (g *Graph) sortIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.nodes[ids[i]], g.nodes[ids[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}

// ToDOT renders the graph in Graphviz DOT format, colored by node state.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Workflow {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	levels, err := g.Levels()
	if err == nil {
		for level, ids := range levels {
			sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
			sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
			sb.WriteString("    style=dashed;\n")
			for _, id := range ids {
				g.writeDOTNode(&sb, g.nodes[id], "    ")
			}
			sb.WriteString("  }\n\n")
		}
	}
	for _, n := range g.nodes {
		if n.Kind == NodeKindRescue || err != nil {
			g.writeDOTNode(&sb, n, "  ")
		}
	}

	for _, n := range g.nodes {
		deps := make([]NodeID, 0, len(n.Dependencies))
		for dep := range n.Dependencies {
			deps = append(deps, dep)
		}
		g.sortIDs(deps)
		for _, dep := range deps {
			sb.WriteString(fmt.Sprintf("  \"n%d\" -> \"n%d\";\n", dep, n.ID))
		}
		if n.Kind == NodeKindRescue && n.RescueOf >= 0 {
			sb.WriteString(fmt.Sprintf("  \"n%d\" -> \"n%d\" [style=dashed, label=\"rescue\"];\n", n.RescueOf, n.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (g *Graph) writeDOTNode(sb *strings.Builder, n *TaskNode, indent string) {
	label := n.Name
	if n.Spec != nil && n.Spec.Action != "" {
		label = fmt.Sprintf("%s\\n%s", n.Name, n.Spec.Action)
	}
	sb.WriteString(fmt.Sprintf("%s\"n%d\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
		indent, n.ID, strings.ReplaceAll(label, `"`, `\"`), stateColor(n.State)))
}

func stateColor(s NodeState) string {
	switch s {
	case NodeStateSucceeded:
		return "lightgreen"
	case NodeStateFailed:
		return "lightcoral"
	case NodeStateRescued:
		return "gold"
	case NodeStateSkipped:
		return "lightgray"
	case NodeStateRunning:
		return "lightblue"
	default:
		return "white"
	}
}

// Resolver validates declared tasks and builds the node graph.
type Resolver struct{}

// NewResolver creates a dependency graph resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Validate checks task names and depends_on references and detects cycles.
// It returns the task names in a valid execution order.
func (r *Resolver) Validate(specs []TaskSpec) ([]string, error) {
	index := make(map[string]int, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, NewConfigurationError(
				fmt.Sprintf("task at position %d has no name", i), nil,
			).WithCode(ErrCodeValidation)
		}
		if _, exists := index[spec.Name]; exists {
			return nil, NewConfigurationError(
				fmt.Sprintf("duplicate task name: %s", spec.Name), nil,
			).WithCode(ErrCodeDuplicateTask).WithTask(spec.Name)
		}
		index[spec.Name] = i
	}

	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if dep == spec.Name {
				return nil, NewConfigurationError(
					"task depends on itself", nil,
				).WithCode(ErrCodeValidation).WithTask(spec.Name)
			}
			if _, exists := index[dep]; !exists {
				return nil, NewConfigurationError(
					fmt.Sprintf("dependency not declared: %s", dep), nil,
				).WithCode(ErrCodeUnknownDependency).WithTask(spec.Name).WithDetail("dependency", dep)
			}
		}
	}

	if err := r.detectCycles(specs, index); err != nil {
		return nil, err
	}

	return r.order(specs, index), nil
}

// detectCycles runs a depth-first search in declaration order and reports the
// first cycle found with its full path.
func (r *Resolver) detectCycles(specs []TaskSpec, index map[string]int) error {
	visited := make(map[string]bool, len(specs))
	recStack := make(map[string]bool, len(specs))

	var visit func(name string, path []string) []string
	visit = func(name string, path []string) []string {
		visited[name] = true
		recStack[name] = true
		path = append(path, name)

		for _, dep := range specs[index[name]].DependsOn {
			if !visited[dep] {
				if cycle := visit(dep, path); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				for i, id := range path {
					if id == dep {
						cycle := append([]string{}, path[i:]...)
						return append(cycle, dep)
					}
				}
			}
		}

		recStack[name] = false
		return nil
	}

	for _, spec := range specs {
		if visited[spec.Name] {
			continue
		}
		if cycle := visit(spec.Name, nil); cycle != nil {
			return NewConfigurationError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
			).WithCode(ErrCodeCycle).WithTask(cycle[0]).WithDetail("cycle", cycle)
		}
	}
	return nil
}

// order returns a stable topological order of task names.
func (r *Resolver) order(specs []TaskSpec, index map[string]int) []string {
	done := make(map[string]bool, len(specs))
	order := make([]string, 0, len(specs))
	var visit func(name string)
	visit = func(name string) {
		if done[name] {
			return
		}
		done[name] = true
		for _, dep := range specs[index[name]].DependsOn {
			visit(dep)
		}
		order = append(order, name)
	}
	for _, spec := range specs {
		visit(spec.Name)
	}
	return order
}

// Build validates specs and creates the node graph. expansions maps a task
// name to its loop iterations; tasks absent from the map get a single node
// (or the first attempt node for until tasks). A task expanded to zero
// iterations gets no node and places no constraint on its dependents.
func (r *Resolver) Build(specs []TaskSpec, expansions map[string][]Iteration) (*Graph, error) {
	if _, err := r.Validate(specs); err != nil {
		return nil, err
	}

	g := NewGraph()
	for i := range specs {
		spec := &specs[i]
		g.specs = append(g.specs, spec)

		iterations, looped := expansions[spec.Name]
		switch {
		case looped && spec.HasLoop():
			for _, it := range iterations {
				g.AddNode(&TaskNode{
					Name:      fmt.Sprintf("%s[%d]", spec.Name, it.Index),
					Task:      spec.Name,
					Kind:      NodeKindIteration,
					Spec:      spec,
					Order:     i,
					Seq:       it.Index,
					LoopIndex: it.Index,
					Item:      it.Item,
					RescueOf:  -1,
				})
			}
		case spec.HasUntil():
			g.AddNode(&TaskNode{
				Name:      fmt.Sprintf("%s#1", spec.Name),
				Task:      spec.Name,
				Kind:      NodeKindAttempt,
				Spec:      spec,
				Order:     i,
				Seq:       1,
				LoopIndex: -1,
				RescueOf:  -1,
			})
		default:
			g.AddNode(&TaskNode{
				Name:      spec.Name,
				Task:      spec.Name,
				Kind:      NodeKindTask,
				Spec:      spec,
				Order:     i,
				LoopIndex: -1,
				RescueOf:  -1,
			})
		}
	}

	for _, spec := range g.specs {
		for _, dep := range spec.DependsOn {
			for _, from := range g.tasks[dep] {
				for _, to := range g.tasks[spec.Name] {
					g.AddEdge(from, to)
				}
			}
		}
	}

	return g, nil
}

func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
