package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exospherehost/state-manager/graph"
	"github.com/exospherehost/state-manager/noderegistry"
	"github.com/exospherehost/state-manager/placeholder"
	"github.com/exospherehost/state-manager/runs"
	"github.com/exospherehost/state-manager/state"
	"github.com/exospherehost/state-manager/telemetry"
)

// runFanout drives the fan-out engine for a group of sibling EXECUTED states
// and, on any failure, marks the surviving sources ERRORED with the failure
// message. It runs on a background goroutine; the caller has already
// received its response.
func (s *Service) runFanout(ctx context.Context, namespace, graphName string, ids []string) {
	start := time.Now()
	err := s.createNextStates(ctx, namespace, graphName, ids)
	s.metrics.RecordTimer(telemetry.MetricFanoutDuration, time.Since(start))
	if err == nil {
		return
	}

	s.logger.Error(ctx, "fanout failed",
		"namespace", namespace, "graph", graphName, "states", len(ids), "err", err)
	msg := err.Error()
	for _, id := range ids {
		if _, terr := s.states.Transition(ctx, id, state.Executed, state.Update{
			Status: state.Errored,
			Error:  &msg,
		}); terr != nil && !errors.Is(terr, state.ErrInvalidState) && !errors.Is(terr, state.ErrNotFound) {
			s.logger.Error(ctx, "mark fanout source errored", "state_id", id, "err", terr)
		}
	}
}

// createNextStates materializes the next layer of the DAG for a group of
// sibling EXECUTED states. Successors without a join are created first, one
// per source; then the sources transition to SUCCESS; then joins are
// evaluated, so a satisfied join observes its own sources as complete. A
// join is driven by its unites target's lineage rather than by next_nodes
// edges: it is checked whenever the target itself or one of the target's
// descendants completes. Every insert is deduplicated by the unique
// (run_id, identifier, fanout_id) index, making the whole task safe to
// replay.
func (s *Service) createNextStates(ctx context.Context, namespace, graphName string, ids []string) error {
	tpl, err := s.waitValidTemplate(ctx, namespace, graphName)
	if err != nil {
		return err
	}
	analysis, err := graph.Analyze(tpl.Nodes)
	if err != nil {
		return fmt.Errorf("analyze graph template: %w", err)
	}

	sources, err := s.states.GetMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("load source states: %w", err)
	}
	if len(sources) == 0 {
		return nil
	}
	node := analysis.Node(sources[0].Identifier)
	if node == nil {
		return fmt.Errorf("identifier %q not found in graph template", sources[0].Identifier)
	}

	var plain []*graph.NodeTemplate
	for _, next := range node.NextNodes {
		if successor := analysis.Node(next); successor.Unites == nil {
			plain = append(plain, successor)
		}
	}
	united := analysis.Joins(node.Identifier)

	if len(plain) > 0 {
		children := make([]*state.State, 0, len(plain)*len(sources))
		for _, src := range sources {
			for _, successor := range plain {
				child, err := s.buildChildState(ctx, tpl, src, successor)
				if err != nil {
					return err
				}
				children = append(children, child)
			}
		}
		if err := s.states.InsertMany(ctx, children); err != nil {
			return fmt.Errorf("insert next states: %w", err)
		}
		s.metrics.IncCounter(telemetry.MetricStatesCreated, float64(len(children)), "source", "fanout")
	}

	for _, src := range sources {
		if _, err := s.states.Transition(ctx, src.ID, state.Executed, state.Update{Status: state.Success}); err != nil {
			// A replayed task finds the source already SUCCESS.
			if errors.Is(err, state.ErrInvalidState) || errors.Is(err, state.ErrNotFound) {
				continue
			}
			return fmt.Errorf("transition source state %s to success: %w", src.ID, err)
		}
	}

	for _, successor := range united {
		if err := s.createJoinStates(ctx, tpl, sources, successor); err != nil {
			return err
		}
	}
	return nil
}

// createJoinStates evaluates a join once per distinct target instance among
// the sources. A source that is itself an instance of the target settles its
// own join; otherwise the instance is read from the source's parents. When
// no descendant of that instance is still pending under the join's strategy,
// the join state is created keyed off the instance state, so every sibling
// branch races toward the same unique key and exactly one insert wins.
func (s *Service) createJoinStates(ctx context.Context, tpl *graph.Template, sources []*state.State, successor *graph.NodeTemplate) error {
	target := successor.Unites.Identifier
	done := joinDoneStatuses(successor.Unites.Strategy)
	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		ancestorID := src.ID
		if src.Identifier != target {
			id, ok := src.Parents[target]
			if !ok {
				// This lineage never went through the target; the join is
				// settled by the target's own branch.
				continue
			}
			ancestorID = id
		}
		if seen[ancestorID] {
			continue
		}
		seen[ancestorID] = true

		pending, err := s.states.CountPendingForJoin(ctx, src.Namespace, src.GraphName, target, ancestorID, done)
		if err != nil {
			return fmt.Errorf("count pending for join on %q: %w", target, err)
		}
		if pending > 0 {
			continue
		}

		ancestor, err := s.states.Get(ctx, ancestorID)
		if err != nil {
			return fmt.Errorf("load join ancestor state %s: %w", ancestorID, err)
		}
		child, err := s.buildChildState(ctx, tpl, ancestor, successor)
		if err != nil {
			return err
		}
		err = s.states.Insert(ctx, child)
		if errors.Is(err, state.ErrConflict) {
			// Another branch created the join state first.
			continue
		}
		if err != nil {
			return fmt.Errorf("insert join state for %q: %w", successor.Identifier, err)
		}
		s.metrics.IncCounter(telemetry.MetricStatesCreated, 1, "source", "fanout")
	}
	return nil
}

// joinDoneStatuses maps a unites strategy onto the set of statuses that no
// longer count as pending. ALL_SUCCESS demands completion; ALL_DONE accepts
// any terminal status, so failed or pruned branches still satisfy the join.
func joinDoneStatuses(strategy graph.UnitesStrategy) []state.Status {
	if strategy == graph.UnitesAllDone {
		return []state.Status{
			state.Success, state.RetryCreated, state.Pruned,
			state.Errored, state.Timedout,
		}
	}
	return []state.Status{state.Success, state.RetryCreated}
}

// buildChildState assembles a CREATED state for a successor node, resolving
// its input placeholders against the run store, the current state's outputs
// and the recorded parent states. The current state's own outputs win over a
// parent with the same identifier. Rendered inputs must satisfy the node's
// registered inputs schema, so a node re-registered with stricter
// requirements fails the fan-out instead of handing the runtime a state it
// cannot execute. The child inherits the current state's fanout id; lineage
// stays within the branch.
func (s *Service) buildChildState(ctx context.Context, tpl *graph.Template, current *state.State, node *graph.NodeTemplate) (*state.State, error) {
	rn, err := s.nodes.Get(ctx, node.Namespace, node.NodeName)
	if errors.Is(err, noderegistry.ErrNotFound) {
		return nil, fmt.Errorf("node %s/%s is not registered", node.Namespace, node.NodeName)
	}
	if err != nil {
		return nil, fmt.Errorf("load registered node %s/%s: %w", node.Namespace, node.NodeName, err)
	}

	inputs := make(map[string]string, len(node.Inputs))
	for name, raw := range node.Inputs {
		ds, err := placeholder.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("input %q of node %q: %w", name, node.Identifier, err)
		}
		for _, dep := range ds.IdentifierFields() {
			value, err := s.resolveDependent(ctx, tpl, current, dep)
			if err != nil {
				return nil, fmt.Errorf("input %q of node %q: %w", name, node.Identifier, err)
			}
			ds.SetValue(dep.Identifier, dep.Field, value)
		}
		rendered, err := ds.Render()
		if err != nil {
			return nil, fmt.Errorf("input %q of node %q: %w", name, node.Identifier, err)
		}
		inputs[name] = rendered
	}

	doc := make(map[string]any, len(inputs))
	for name, value := range inputs {
		doc[name] = value
	}
	if err := s.schemas.Validate(schemaKey(rn.Namespace, rn.Name, "inputs"), rn.SchemaRev(), rn.InputsSchema, doc); err != nil {
		return nil, fmt.Errorf("inputs of node %q: %w", node.Identifier, err)
	}

	parents := make(map[string]string, len(current.Parents)+1)
	for k, v := range current.Parents {
		parents[k] = v
	}
	parents[current.Identifier] = current.ID

	return &state.State{
		RunID:          current.RunID,
		GraphName:      current.GraphName,
		Namespace:      current.Namespace,
		NodeName:       node.NodeName,
		Identifier:     node.Identifier,
		Status:         state.Created,
		Inputs:         inputs,
		Outputs:        map[string]any{},
		Parents:        parents,
		FanoutID:       current.FanoutID,
		DoesUnites:     node.Unites != nil,
		EnqueueAfter:   s.nowMillis(),
		TimeoutMinutes: s.timeoutFor(rn),
	}, nil
}

// resolveDependent binds one placeholder: store keys read the run store with
// a fallback to the graph's default values, the current identifier reads the
// current state's outputs, and anything else reads the recorded parent
// state's outputs.
func (s *Service) resolveDependent(ctx context.Context, tpl *graph.Template, current *state.State, dep placeholder.IdentifierField) (string, error) {
	if dep.Identifier == placeholder.StoreIdentifier {
		value, err := s.runs.GetStoreValue(ctx, current.Namespace, current.GraphName, current.RunID, dep.Field)
		if errors.Is(err, runs.ErrNotFound) {
			if fallback, ok := tpl.StoreConfig.DefaultValues[dep.Field]; ok {
				return fallback, nil
			}
			return "", fmt.Errorf("store key %q is not set", dep.Field)
		}
		if err != nil {
			return "", fmt.Errorf("read store key %q: %w", dep.Field, err)
		}
		return value, nil
	}

	if dep.Identifier == current.Identifier {
		return outputValue(current, dep.Field)
	}

	parentID, ok := current.Parents[dep.Identifier]
	if !ok {
		return "", fmt.Errorf("identifier %q not found in parents of state %s", dep.Identifier, current.ID)
	}
	parent, err := s.states.Get(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("load parent state %s: %w", parentID, err)
	}
	return outputValue(parent, dep.Field)
}

func outputValue(st *state.State, field string) (string, error) {
	value, ok := st.Outputs[field]
	if !ok {
		return "", fmt.Errorf("output field %q not found on state %s (%s)", field, st.ID, st.Identifier)
	}
	if str, ok := value.(string); ok {
		return str, nil
	}
	return fmt.Sprintf("%v", value), nil
}

// waitValidTemplate loads the template and, while a validation is pending or
// running, polls until it settles. An INVALID template or an exhausted wait
// fails the fan-out.
func (s *Service) waitValidTemplate(ctx context.Context, namespace, graphName string) (*graph.Template, error) {
	deadline := s.clock().Add(s.validWaitTimeout)
	for {
		tpl, err := s.graphs.Get(ctx, namespace, graphName)
		if err != nil {
			return nil, fmt.Errorf("load graph template: %w", err)
		}
		if tpl.IsValid() {
			return tpl, nil
		}
		if !tpl.IsValidating() {
			return nil, fmt.Errorf("graph template %s/%s is invalid", namespace, graphName)
		}
		if s.clock().After(deadline) {
			return nil, fmt.Errorf("graph template %s/%s did not become valid within %s",
				namespace, graphName, s.validWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.validWaitInterval):
		}
	}
}
