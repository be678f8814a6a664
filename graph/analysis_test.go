package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func node(id string, next ...string) NodeTemplate {
	return NodeTemplate{NodeName: "node-" + id, Namespace: "ns", Identifier: id, NextNodes: next}
}

func unitesNode(id, target string, next ...string) NodeTemplate {
	n := node(id, next...)
	n.Unites = &Unites{Identifier: target}
	return n
}

func joinIDs(nodes []*NodeTemplate) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.Identifier)
	}
	return ids
}

func TestAnalyzeRoot(t *testing.T) {
	a, err := Analyze([]NodeTemplate{node("A", "B"), node("B")})
	require.NoError(t, err)
	require.Equal(t, "A", a.Root().Identifier)
}

func TestAnalyzeRejectsMultipleRoots(t *testing.T) {
	_, err := Analyze([]NodeTemplate{node("A"), node("B")})
	require.ErrorContains(t, err, "exactly one root")
}

func TestAnalyzeRejectsDuplicateIdentifiers(t *testing.T) {
	_, err := Analyze([]NodeTemplate{node("A"), node("A")})
	require.ErrorContains(t, err, "duplicate")
}

func TestAnalyzeRejectsUnknownNextNode(t *testing.T) {
	_, err := Analyze([]NodeTemplate{node("A", "missing")})
	require.ErrorContains(t, err, "does not exist")
}

func TestAncestors(t *testing.T) {
	a, err := Analyze([]NodeTemplate{
		node("A", "B", "C"),
		node("B", "D"),
		node("C", "D"),
		node("D"),
	})
	require.NoError(t, err)
	require.True(t, a.IsAncestor("A", "D"))
	require.True(t, a.IsAncestor("B", "D"))
	require.True(t, a.IsAncestor("C", "D"))
	require.False(t, a.IsAncestor("D", "A"))
	require.False(t, a.IsAncestor("B", "C"))
}

func TestCycleDetection(t *testing.T) {
	a, err := Analyze([]NodeTemplate{
		node("A", "B"),
		node("B", "C"),
		node("C", "B"),
	})
	require.NoError(t, err)
	errs := a.CycleErrors()
	require.NotEmpty(t, errs)
}

// A join back-edge alone does not make a cycle: the unites target is an
// ancestor, not a successor.
func TestUnitesBackEdgeIsNotACycle(t *testing.T) {
	a, err := Analyze([]NodeTemplate{
		node("A", "B"),
		node("B", "C"),
		unitesNode("C", "A"),
	})
	require.NoError(t, err)
	require.Empty(t, a.CycleErrors())
	require.Empty(t, a.UnitesErrors())
}

func TestUnitesErrors(t *testing.T) {
	a, err := Analyze([]NodeTemplate{
		node("A", "B", "C"),
		node("B"),
		unitesNode("C", "C"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, a.UnitesErrors())
}

// A join node's ancestors are its unites target and the target's lineage,
// not the branch that reached it: that mirrors the parents its states carry
// at run time.
func TestUnitesAncestorsPinnedToTarget(t *testing.T) {
	a, err := Analyze([]NodeTemplate{
		node("A", "B"),
		node("B", "C"),
		unitesNode("C", "A", "D"),
		node("D"),
	})
	require.NoError(t, err)
	require.True(t, a.IsAncestor("A", "C"))
	require.False(t, a.IsAncestor("B", "C"))

	// Descendants of the join see the join itself plus its pinned lineage.
	require.True(t, a.IsAncestor("C", "D"))
	require.True(t, a.IsAncestor("A", "D"))
	require.False(t, a.IsAncestor("B", "D"))
}

func TestUnitesExtraInEdgesDoNotWidenAncestors(t *testing.T) {
	a, err := Analyze([]NodeTemplate{
		node("A", "B", "X"),
		node("B", "C"),
		node("X", "C"),
		unitesNode("C", "A"),
	})
	require.NoError(t, err)
	require.True(t, a.IsAncestor("A", "C"))
	require.False(t, a.IsAncestor("B", "C"))
	require.False(t, a.IsAncestor("X", "C"))
}

// Joins lists the join nodes a completing state may settle: those uniting
// on the node itself or on one of its ancestors.
func TestJoins(t *testing.T) {
	a, err := Analyze([]NodeTemplate{
		node("A", "B", "C"),
		node("B"),
		node("C", "D"),
		unitesNode("D", "A"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"D"}, joinIDs(a.Joins("A")))
	require.Equal(t, []string{"D"}, joinIDs(a.Joins("B")))
	require.Equal(t, []string{"D"}, joinIDs(a.Joins("C")))

	// A completed join does not re-settle itself.
	require.Empty(t, a.Joins("D"))
}

// A join may unite on a sibling: the target then gates the join on its own,
// and the edge that reaches the join only ties it into the graph.
func TestJoinsOnSiblingTarget(t *testing.T) {
	a, err := Analyze([]NodeTemplate{
		node("A", "B", "C"),
		node("B"),
		unitesNode("C", "B"),
	})
	require.NoError(t, err)
	require.Empty(t, a.UnitesErrors())
	require.True(t, a.IsAncestor("B", "C"))
	require.True(t, a.IsAncestor("A", "C"))

	require.Empty(t, a.Joins("A"))
	require.Equal(t, []string{"C"}, joinIDs(a.Joins("B")))
}

func TestDisconnectedJoinTarget(t *testing.T) {
	// C unites on a node that is never reached from the root.
	_, err := Analyze([]NodeTemplate{
		node("A", "C"),
		unitesNode("C", "B"),
		node("B"),
	})
	require.Error(t, err)
}
