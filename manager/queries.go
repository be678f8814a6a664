package manager

import (
	"context"
	"errors"

	"github.com/exospherehost/state-manager/state"
)

// RunsPage is one page of the per-namespace runs listing.
type RunsPage struct {
	Namespace string              `json:"namespace"`
	Total     int64               `json:"total"`
	Page      int                 `json:"page"`
	Size      int                 `json:"size"`
	Runs      []*state.RunSummary `json:"runs"`
}

// ListRuns aggregates states grouped by run for the namespace, newest first.
func (s *Service) ListRuns(ctx context.Context, namespace string, page, size int) (*RunsPage, error) {
	if page < 1 {
		return nil, invalidInputf("page must be at least 1, got %d", page)
	}
	if size < 1 || size > 100 {
		return nil, invalidInputf("size must be between 1 and 100, got %d", size)
	}
	summaries, total, err := s.states.RunSummaries(ctx, namespace, page, size)
	if err != nil {
		return nil, internal("aggregate run summaries", err)
	}
	return &RunsPage{
		Namespace: namespace,
		Total:     total,
		Page:      page,
		Size:      size,
		Runs:      summaries,
	}, nil
}

// StatesByRun returns the states of a run ordered by creation time,
// optionally filtered by node identifier.
func (s *Service) StatesByRun(ctx context.Context, namespace, runID, identifier string) ([]*state.State, error) {
	states, err := s.states.ListByRun(ctx, namespace, runID, identifier)
	if err != nil {
		return nil, internal("list states by run", err)
	}
	return states, nil
}

// NodeDetails returns one state of a run by id.
func (s *Service) NodeDetails(ctx context.Context, namespace, runID, stateID string) (*state.State, error) {
	st, err := s.states.Get(ctx, stateID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFoundf("state %s not found", stateID)
	}
	if err != nil {
		return nil, internal("load state", err)
	}
	if st.Namespace != namespace || st.RunID != runID {
		return nil, notFoundf("state %s not found in run %s", stateID, runID)
	}
	return st, nil
}
