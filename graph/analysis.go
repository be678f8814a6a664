package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Analysis is the structural view of a template's node graph: the unique
// root, each node's ancestor set (unites-aware) and each node's path set
// used for cycle detection. It is computed once and read many times.
type Analysis struct {
	byIdentifier map[string]*NodeTemplate
	root         *NodeTemplate
	ancestors    map[string]map[string]bool
	paths        map[string]map[string]bool
}

// Analyze builds the structural view of the nodes. It fails on duplicate or
// missing identifiers, a missing or ambiguous root, and disconnected
// components; cycle and unites checks are left to the callers via the
// accessors so the validator can aggregate them as validation errors.
func Analyze(nodes []NodeTemplate) (*Analysis, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("graph has no nodes")
	}

	a := &Analysis{
		byIdentifier: make(map[string]*NodeTemplate, len(nodes)),
		ancestors:    make(map[string]map[string]bool, len(nodes)),
		paths:        make(map[string]map[string]bool, len(nodes)),
	}
	for i := range nodes {
		node := &nodes[i]
		if _, dup := a.byIdentifier[node.Identifier]; dup {
			return nil, fmt.Errorf("duplicate identifier %q", node.Identifier)
		}
		a.byIdentifier[node.Identifier] = node
		a.ancestors[node.Identifier] = make(map[string]bool)
		a.paths[node.Identifier] = make(map[string]bool)
	}

	// The root is the single node with in-degree zero. A unites declaration
	// counts as an in-edge on the declaring node: its join target acts as a
	// parent even when no next_nodes edge points at it.
	inDegree := make(map[string]int, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		for _, next := range node.NextNodes {
			if _, ok := a.byIdentifier[next]; !ok {
				return nil, fmt.Errorf("node %q references next node %q which does not exist", node.Identifier, next)
			}
			inDegree[next]++
		}
		if node.Unites != nil {
			inDegree[node.Identifier]++
		}
	}
	var roots []*NodeTemplate
	for i := range nodes {
		if inDegree[nodes[i].Identifier] == 0 {
			roots = append(roots, &nodes[i])
		}
	}
	if len(roots) != 1 {
		return nil, fmt.Errorf("graph must have exactly one root node, found %d", len(roots))
	}
	a.root = roots[0]

	if err := a.walk(); err != nil {
		return nil, err
	}
	return a, nil
}

// walk runs the unites-aware DFS that fills the ancestor and path sets.
// A node that declares unites inherits the ancestors of its join target
// rather than those of the edge that reached it; such a node is deferred
// until its target has been visited.
func (a *Analysis) walk() error {
	visited := make(map[string]bool, len(a.byIdentifier))
	awaiting := make(map[string][]string)

	var dfs func(id string, parents, path map[string]bool) error
	dfs = func(id string, parents, path map[string]bool) error {
		node := a.byIdentifier[id]
		// A visited join node's ancestor set is pinned to its target's
		// lineage; further in-edges must not widen it.
		if node.Unites == nil || !visited[id] {
			union(a.ancestors[id], parents)
		}
		union(a.paths[id], path)
		if visited[id] {
			return nil
		}
		visited[id] = true

		var forChildren map[string]bool
		switch {
		case node.Unites == nil:
			forChildren = cloneWith(parents, id)
		case a.byIdentifier[node.Unites.Identifier] == nil:
			return fmt.Errorf("node %q unites on %q which does not exist", id, node.Unites.Identifier)
		case visited[node.Unites.Identifier]:
			a.ancestors[id] = cloneWith(a.ancestors[node.Unites.Identifier], node.Unites.Identifier)
			forChildren = cloneWith(a.ancestors[id], id)
		default:
			awaiting[node.Unites.Identifier] = append(awaiting[node.Unites.Identifier], id)
			visited[id] = false
			return nil
		}

		for _, waiter := range awaiting[id] {
			if err := dfs(waiter, forChildren, a.paths[waiter]); err != nil {
				return err
			}
		}
		delete(awaiting, id)

		for _, next := range node.NextNodes {
			if err := dfs(next, forChildren, cloneWith(path, id)); err != nil {
				return err
			}
		}
		return nil
	}

	if err := dfs(a.root.Identifier, map[string]bool{}, map[string]bool{}); err != nil {
		return err
	}
	if len(awaiting) > 0 {
		var at []string
		for id := range awaiting {
			at = append(at, id)
		}
		sort.Strings(at)
		return fmt.Errorf("graph is disconnected at %s", strings.Join(at, ", "))
	}
	return nil
}

// Root returns the unique in-degree-zero node.
func (a *Analysis) Root() *NodeTemplate { return a.root }

// Node returns the node with the given identifier, or nil.
func (a *Analysis) Node(identifier string) *NodeTemplate { return a.byIdentifier[identifier] }

// Ancestors returns the identifiers whose outputs the node may reference.
// For most nodes that is every identifier on a directed path to it; a join
// node's set is its unites target plus the target's own lineage, matching
// the parents its states carry at run time.
func (a *Analysis) Ancestors(identifier string) map[string]bool { return a.ancestors[identifier] }

// IsAncestor reports whether ancestor is in the node's ancestor set.
func (a *Analysis) IsAncestor(ancestor, identifier string) bool {
	return a.ancestors[identifier][ancestor]
}

// Joins returns the join nodes whose unites target is the given identifier
// or one of its ancestors, in identifier order. These are the joins that a
// state of this node may settle when it completes; the node itself is
// excluded since its own join already fired when it was created.
func (a *Analysis) Joins(identifier string) []*NodeTemplate {
	ids := make([]string, 0, len(a.byIdentifier))
	for id := range a.byIdentifier {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var joins []*NodeTemplate
	for _, id := range ids {
		node := a.byIdentifier[id]
		if node.Unites == nil || id == identifier {
			continue
		}
		target := node.Unites.Identifier
		if target == identifier || a.ancestors[identifier][target] {
			joins = append(joins, node)
		}
	}
	return joins
}

// CycleErrors returns one error per node that can reach itself through
// next_nodes edges. Cycles closed only by a unites back-edge do not count.
func (a *Analysis) CycleErrors() []string {
	var errs []string
	ids := make([]string, 0, len(a.byIdentifier))
	for id := range a.byIdentifier {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if a.paths[id][id] {
			errs = append(errs, fmt.Sprintf("node %q is part of a cycle", id))
		}
	}
	return errs
}

// ConnectivityErrors returns one error per node unreachable from the root.
func (a *Analysis) ConnectivityErrors() []string {
	var errs []string
	ids := make([]string, 0, len(a.byIdentifier))
	for id := range a.byIdentifier {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if id == a.root.Identifier {
			continue
		}
		if !a.ancestors[id][a.root.Identifier] {
			errs = append(errs, fmt.Sprintf("node %q is not connected to the root node", id))
		}
	}
	return errs
}

// UnitesErrors checks that every unites target exists, is not the declaring
// node itself, and is a strict ancestor of the declaring node.
func (a *Analysis) UnitesErrors() []string {
	var errs []string
	ids := make([]string, 0, len(a.byIdentifier))
	for id := range a.byIdentifier {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := a.byIdentifier[id]
		if node.Unites == nil {
			continue
		}
		target := node.Unites.Identifier
		switch {
		case target == id:
			errs = append(errs, fmt.Sprintf("node %q unites on itself", id))
		case a.byIdentifier[target] == nil:
			errs = append(errs, fmt.Sprintf("node %q unites on %q which does not exist", id, target))
		case !a.ancestors[id][target]:
			errs = append(errs, fmt.Sprintf("node %q unites on %q which is not an ancestor", id, target))
		}
	}
	return errs
}

func union(dst, src map[string]bool) {
	for k := range src {
		dst[k] = true
	}
}

func cloneWith(src map[string]bool, extra string) map[string]bool {
	out := make(map[string]bool, len(src)+1)
	for k := range src {
		out[k] = true
	}
	out[extra] = true
	return out
}
