package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/exospherehost/state-manager/graph"
	"github.com/exospherehost/state-manager/noderegistry"
	"github.com/exospherehost/state-manager/placeholder"
	"github.com/exospherehost/state-manager/runs"
	"github.com/exospherehost/state-manager/state"
	"github.com/exospherehost/state-manager/telemetry"
)

// rootFanoutID is the fanout id of every root state. Fan-out siblings and
// retries derive their own ids from it, so background tasks stay idempotent
// under the unique (run_id, identifier, fanout_id) index.
const rootFanoutID = "fanout_0"

// TriggerRequest starts one run of a graph.
type TriggerRequest struct {
	// Store seeds the per-run key/value store; required keys of the graph's
	// store config must be present unless they carry a default.
	Store map[string]string `json:"store,omitempty"`
	// Inputs override the root node's template inputs.
	Inputs map[string]string `json:"inputs,omitempty"`
	// StartDelay postpones the root state's earliest claim time, in
	// milliseconds.
	StartDelay int64 `json:"start_delay,omitempty"`
}

// TriggerResult reports the created run.
type TriggerResult struct {
	Status state.Status `json:"status"`
	RunID  string       `json:"run_id"`
}

// TriggerGraph creates a Run, seeds its store and inserts the root CREATED
// state. The template must be VALID. Root inputs may only reference store
// placeholders; they are left unrendered and substituted at claim time.
func (s *Service) TriggerGraph(ctx context.Context, namespace, graphName string, req TriggerRequest) (*TriggerResult, error) {
	tpl, err := s.graphs.Get(ctx, namespace, graphName)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, notFoundf("graph template %s/%s not found", namespace, graphName)
	}
	if err != nil {
		return nil, internal("load graph template", err)
	}
	if !tpl.IsValid() {
		return nil, preconditionf("graph template %s/%s is not valid (status %s)",
			namespace, graphName, tpl.ValidationStatus)
	}

	analysis, err := graph.Analyze(tpl.Nodes)
	if err != nil {
		return nil, internal("analyze graph template", err)
	}
	root := analysis.Root()

	runStore, err := resolveRunStore(tpl.StoreConfig, req.Store)
	if err != nil {
		return nil, err
	}
	rootInputs, err := resolveRootInputs(root, req.Inputs, runStore)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	now := s.now()
	if err := s.runs.CreateRun(ctx, &runs.Run{
		RunID:     runID,
		GraphName: graphName,
		Namespace: namespace,
		CreatedAt: now,
	}); err != nil {
		return nil, internal("create run", err)
	}

	if len(runStore) > 0 {
		entries := make([]*runs.StoreEntry, 0, len(runStore))
		for key, value := range runStore {
			entries = append(entries, &runs.StoreEntry{
				RunID:     runID,
				Namespace: namespace,
				GraphName: graphName,
				Key:       key,
				Value:     value,
			})
		}
		if err := s.runs.SeedStore(ctx, entries); err != nil {
			return nil, internal("seed run store", err)
		}
	}

	rootState := &state.State{
		RunID:          runID,
		GraphName:      graphName,
		Namespace:      namespace,
		NodeName:       root.NodeName,
		Identifier:     root.Identifier,
		Status:         state.Created,
		Inputs:         rootInputs,
		Outputs:        map[string]any{},
		Parents:        map[string]string{},
		FanoutID:       rootFanoutID,
		DoesUnites:     root.Unites != nil,
		EnqueueAfter:   now.UnixMilli() + req.StartDelay,
		TimeoutMinutes: s.effectiveTimeout(ctx, root),
	}
	if err := s.states.Insert(ctx, rootState); err != nil {
		return nil, internal("insert root state", err)
	}

	s.metrics.IncCounter(telemetry.MetricStatesCreated, 1, "source", "trigger")
	s.logger.Info(ctx, "run triggered",
		"namespace", namespace, "graph", graphName, "run_id", runID)
	return &TriggerResult{Status: state.Created, RunID: runID}, nil
}

// resolveRunStore merges the request's store values over the graph's
// defaults and checks that every required key is present.
func resolveRunStore(cfg graph.StoreConfig, provided map[string]string) (map[string]string, error) {
	store := make(map[string]string, len(cfg.DefaultValues)+len(provided))
	for key, value := range cfg.DefaultValues {
		store[key] = value
	}
	for key, value := range provided {
		store[key] = value
	}
	var missing []string
	for _, key := range cfg.RequiredKeys {
		if _, ok := store[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, invalidInputf("missing required store keys: %s", strings.Join(missing, ", "))
	}
	return store, nil
}

// resolveRootInputs overrides the root template's inputs with the request's
// and checks that every placeholder references a seeded store key. The root
// has no ancestors, so output references are rejected here.
func resolveRootInputs(root *graph.NodeTemplate, overrides map[string]string, runStore map[string]string) (map[string]string, error) {
	inputs := make(map[string]string, len(root.Inputs))
	for name, value := range root.Inputs {
		inputs[name] = value
	}
	for name, value := range overrides {
		inputs[name] = value
	}
	for name, value := range inputs {
		ds, err := placeholder.Parse(value)
		if err != nil {
			return nil, invalidInputf("root input %q: %v", name, err)
		}
		for _, dep := range ds.IdentifierFields() {
			if dep.Identifier != placeholder.StoreIdentifier {
				return nil, invalidInputf(
					"root input %q references %s.outputs.%s; root inputs may only reference the store",
					name, dep.Identifier, dep.Field)
			}
			if _, ok := runStore[dep.Field]; !ok {
				return nil, invalidInputf("root input %q references store key %q which is not set", name, dep.Field)
			}
		}
	}
	return inputs, nil
}

// effectiveTimeout resolves a node's execution timeout: the registered
// node's, falling back to the global default.
func (s *Service) effectiveTimeout(ctx context.Context, node *graph.NodeTemplate) int {
	rn, err := s.nodes.Get(ctx, node.Namespace, node.NodeName)
	if err != nil {
		if !errors.Is(err, noderegistry.ErrNotFound) {
			s.logger.Warn(ctx, "load registered node for timeout",
				"node", fmt.Sprintf("%s/%s", node.Namespace, node.NodeName), "err", err)
		}
		return s.defaultTimeoutMinutes
	}
	return s.timeoutFor(rn)
}

// timeoutFor picks the registered node's own timeout when set, the global
// default otherwise.
func (s *Service) timeoutFor(rn *noderegistry.RegisteredNode) int {
	if rn.TimeoutMinutes > 0 {
		return rn.TimeoutMinutes
	}
	return s.defaultTimeoutMinutes
}
