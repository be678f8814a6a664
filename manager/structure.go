package manager

import (
	"context"

	"github.com/exospherehost/state-manager/state"
)

// StructureNode is one state rendered as a node of the run structure.
type StructureNode struct {
	ID         string       `json:"id"`
	NodeName   string       `json:"node_name"`
	Identifier string       `json:"identifier"`
	Status     state.Status `json:"status"`
	Error      string       `json:"error,omitempty"`
}

// StructureEdge is a direct parent -> child edge of the run structure.
type StructureEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// RunStructure is the materialized DAG of one run: every state as a node,
// direct-parent edges between them, and a per-status execution summary.
type RunStructure struct {
	RootStates       []*StructureNode     `json:"root_states"`
	GraphName        string               `json:"graph_name"`
	Nodes            []*StructureNode     `json:"nodes"`
	Edges            []*StructureEdge     `json:"edges"`
	NodeCount        int                  `json:"node_count"`
	EdgeCount        int                  `json:"edge_count"`
	ExecutionSummary map[state.Status]int `json:"execution_summary"`
}

// allStatuses enumerates every status for the zero-initialized execution
// summary, so consumers always see the full key set.
var allStatuses = []state.Status{
	state.Created, state.Queued, state.Executed, state.Success,
	state.Errored, state.Timedout, state.RetryCreated, state.Pruned,
}

// GetRunStructure rebuilds the executed DAG of a run from its states. Each
// state becomes a node; an edge connects each state to its direct parent.
// An unknown run yields an empty structure rather than an error, matching
// the listing endpoints.
func (s *Service) GetRunStructure(ctx context.Context, namespace, runID string) (*RunStructure, error) {
	states, err := s.states.ListByRun(ctx, namespace, runID, "")
	if err != nil {
		return nil, internal("list states by run", err)
	}

	summary := make(map[state.Status]int, len(allStatuses))
	for _, status := range allStatuses {
		summary[status] = 0
	}
	structure := &RunStructure{
		RootStates:       []*StructureNode{},
		Nodes:            []*StructureNode{},
		Edges:            []*StructureEdge{},
		ExecutionSummary: summary,
	}
	if len(states) == 0 {
		return structure, nil
	}
	structure.GraphName = states[0].GraphName

	known := make(map[string]*state.State, len(states))
	for _, st := range states {
		known[st.ID] = st
	}

	for _, st := range states {
		node := &StructureNode{
			ID:         st.ID,
			NodeName:   st.NodeName,
			Identifier: st.Identifier,
			Status:     st.Status,
			Error:      st.Error,
		}
		structure.Nodes = append(structure.Nodes, node)
		summary[st.Status]++

		if len(st.Parents) == 0 {
			structure.RootStates = append(structure.RootStates, node)
			continue
		}
		if parentID := directParent(st, known); parentID != "" {
			structure.Edges = append(structure.Edges, &StructureEdge{Source: parentID, Target: st.ID})
		}
	}
	structure.NodeCount = len(structure.Nodes)
	structure.EdgeCount = len(structure.Edges)
	return structure, nil
}

// directParent resolves the immediate ancestor of a state. Parents accumulate
// along the branch, one entry per ancestor identifier, so among the entries
// resolvable within the run the one created last is the direct parent.
// Entries pointing outside the run are skipped.
func directParent(st *state.State, known map[string]*state.State) string {
	var best *state.State
	for _, parentID := range st.Parents {
		parent, ok := known[parentID]
		if !ok {
			continue
		}
		if best == nil || parent.CreatedAt.After(best.CreatedAt) {
			best = parent
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}
