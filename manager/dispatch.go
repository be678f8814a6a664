package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/exospherehost/state-manager/graph"
	"github.com/exospherehost/state-manager/placeholder"
	"github.com/exospherehost/state-manager/runs"
	"github.com/exospherehost/state-manager/state"
	"github.com/exospherehost/state-manager/telemetry"
)

// EnqueueRequest is a runtime's batch claim.
type EnqueueRequest struct {
	// Nodes restricts the claim to these node names.
	Nodes []string `json:"nodes"`
	// BatchSize caps how many states are claimed; defaults to 10.
	BatchSize int `json:"batch_size,omitempty"`
}

// Enqueue atomically claims up to BatchSize eligible CREATED states for the
// requested node names, FIFO by enqueue_after then created_at, and returns
// them with store placeholders substituted.
func (s *Service) Enqueue(ctx context.Context, namespace string, req EnqueueRequest) ([]*state.State, error) {
	if len(req.Nodes) == 0 {
		return nil, invalidInputf("at least one node name is required")
	}
	if req.BatchSize <= 0 {
		req.BatchSize = defaultDispatcherBatchSize
	}

	claimed, err := s.states.Claim(ctx, state.ClaimRequest{
		Namespace: namespace,
		Nodes:     req.Nodes,
		Limit:     req.BatchSize,
		Now:       s.nowMillis(),
	})
	if err != nil {
		return nil, internal("claim states", err)
	}
	for _, st := range claimed {
		if err := s.resolveStoreInputs(ctx, st); err != nil {
			return nil, internal(fmt.Sprintf("resolve store inputs of state %s", st.ID), err)
		}
	}

	if len(claimed) > 0 {
		s.metrics.IncCounter(telemetry.MetricStatesClaimed, float64(len(claimed)))
		s.logger.Info(ctx, "states claimed", "namespace", namespace, "count", len(claimed))
	}
	return claimed, nil
}

// resolveStoreInputs substitutes store placeholders in the state's inputs
// from the run's store. Root states keep store references until claim time;
// fan-out-created states are already literal, so most states pass through
// untouched.
func (s *Service) resolveStoreInputs(ctx context.Context, st *state.State) error {
	for name, value := range st.Inputs {
		if !strings.Contains(value, "${{") {
			continue
		}
		ds, err := placeholder.Parse(value)
		if err != nil {
			return err
		}
		for _, dep := range ds.IdentifierFields() {
			if dep.Identifier != placeholder.StoreIdentifier {
				return fmt.Errorf("input %q references %s.outputs.%s after creation", name, dep.Identifier, dep.Field)
			}
			v, err := s.runs.GetStoreValue(ctx, st.Namespace, st.GraphName, st.RunID, dep.Field)
			if errors.Is(err, runs.ErrNotFound) {
				return fmt.Errorf("input %q references store key %q which is not set", name, dep.Field)
			}
			if err != nil {
				return err
			}
			ds.SetValue(placeholder.StoreIdentifier, dep.Field, v)
		}
		rendered, err := ds.Render()
		if err != nil {
			return err
		}
		st.Inputs[name] = rendered
	}
	return nil
}

// Executed records a runtime's success report. Zero outputs complete the
// state with an empty output map; N outputs assign outputs[0] to the state
// and materialize one EXECUTED sibling per further output, each with a
// derived fanout id so replays are idempotent. The fan-out engine is then
// scheduled for all of the ids collectively.
func (s *Service) Executed(ctx context.Context, namespace, stateID string, outputs []map[string]any) error {
	st, err := s.states.Get(ctx, stateID)
	if errors.Is(err, state.ErrNotFound) {
		return notFoundf("state %s not found", stateID)
	}
	if err != nil {
		return internal("load state", err)
	}
	if st.Namespace != namespace {
		return notFoundf("state %s not found", stateID)
	}
	if st.Status != state.Queued {
		return invalidStatef("state %s is not queued (status %s)", stateID, st.Status)
	}

	// Siblings go in before the original flips so a crash in between never
	// strands an EXECUTED state without its siblings; the unique
	// (run_id, identifier, fanout_id) index absorbs replays.
	ids := []string{st.ID}
	if len(outputs) > 1 {
		siblings := make([]*state.State, 0, len(outputs)-1)
		for i := 1; i < len(outputs); i++ {
			sibling := cloneForAttempt(st)
			sibling.Status = state.Executed
			sibling.Outputs = outputs[i]
			sibling.FanoutID = fmt.Sprintf("%s_%d", st.FanoutID, i)
			sibling.RetryCount = st.RetryCount
			siblings = append(siblings, sibling)
		}
		if err := s.states.InsertMany(ctx, siblings); err != nil {
			return internal("insert fanout siblings", err)
		}
		for _, sibling := range siblings {
			if sibling.ID != "" {
				ids = append(ids, sibling.ID)
			}
		}
		s.metrics.IncCounter(telemetry.MetricStatesCreated, float64(len(siblings)), "source", "fanout_siblings")
	}

	var first map[string]any
	if len(outputs) > 0 {
		first = outputs[0]
	} else {
		first = map[string]any{}
	}
	if _, err := s.states.Transition(ctx, st.ID, state.Queued, state.Update{
		Status:  state.Executed,
		Outputs: first,
	}); err != nil {
		if errors.Is(err, state.ErrInvalidState) {
			return invalidStatef("state %s is not queued", stateID)
		}
		return internal("transition state to executed", err)
	}

	s.logger.Info(ctx, "state executed",
		"namespace", st.Namespace, "run_id", st.RunID, "state_id", st.ID, "outputs", len(outputs))
	s.spawn(ctx, func(ctx context.Context) {
		s.runFanout(ctx, st.Namespace, st.GraphName, ids)
	})
	return nil
}

// Errored records a runtime's failure report, transitioning the state from
// QUEUED to ERRORED, and spawns a retry sibling when the graph's retry
// policy allows another attempt. It reports whether a retry was created.
func (s *Service) Errored(ctx context.Context, namespace, stateID, errMsg string) (bool, error) {
	st, err := s.states.Get(ctx, stateID)
	if errors.Is(err, state.ErrNotFound) {
		return false, notFoundf("state %s not found", stateID)
	}
	if err != nil {
		return false, internal("load state", err)
	}
	if st.Namespace != namespace {
		return false, notFoundf("state %s not found", stateID)
	}

	updated, err := s.states.Transition(ctx, stateID, state.Queued, state.Update{
		Status: state.Errored,
		Error:  &errMsg,
	})
	if errors.Is(err, state.ErrInvalidState) {
		return false, invalidStatef("state %s is not queued (status %s)", stateID, st.Status)
	}
	if err != nil {
		return false, internal("transition state to errored", err)
	}

	retryCreated, err := s.createRetry(ctx, updated)
	if err != nil {
		return false, err
	}
	s.logger.Info(ctx, "state errored",
		"namespace", st.Namespace, "run_id", st.RunID, "state_id", st.ID, "retry_created", retryCreated)
	return retryCreated, nil
}

// createRetry inserts a CREATED retry sibling for an errored or timed-out
// state when the graph's retry policy allows another attempt. The retry's
// fanout id is derived from the state's own id and the attempt number, so a
// replayed invocation finds the sibling already present and reports it as
// created.
func (s *Service) createRetry(ctx context.Context, st *state.State) (bool, error) {
	tpl, err := s.graphs.Get(ctx, st.Namespace, st.GraphName)
	if err != nil {
		return false, internal("load graph template for retry", err)
	}
	policy := tpl.RetryPolicy
	if st.RetryCount >= policy.MaxRetries {
		return false, nil
	}

	attempt := st.RetryCount + 1
	retry := cloneForAttempt(st)
	retry.Status = state.Created
	retry.FanoutID = fmt.Sprintf("%s_r%d", st.FanoutID, attempt)
	retry.RetryCount = attempt
	retry.EnqueueAfter = st.EnqueueAfter + policy.Backoff(attempt).Milliseconds()

	err = s.states.Insert(ctx, retry)
	if errors.Is(err, state.ErrConflict) {
		return true, nil
	}
	if err != nil {
		return false, internal("insert retry state", err)
	}
	s.metrics.IncCounter(telemetry.MetricStatesCreated, 1, "source", "retry")
	return true, nil
}

// ManualRetry inserts a CREATED sibling of the state under the caller's
// fanout id and moves the original to RETRY_CREATED. The original's status
// is not a precondition: operators may retry states in any status, including
// terminal ones.
func (s *Service) ManualRetry(ctx context.Context, namespace, stateID, fanoutID string) (*state.State, error) {
	fanoutID = strings.TrimSpace(fanoutID)
	if fanoutID == "" {
		return nil, invalidInputf("fanout_id is required")
	}
	st, err := s.states.Get(ctx, stateID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFoundf("state %s not found", stateID)
	}
	if err != nil {
		return nil, internal("load state", err)
	}
	if st.Namespace != namespace {
		return nil, notFoundf("state %s not found", stateID)
	}

	retry := cloneForAttempt(st)
	retry.Status = state.Created
	retry.FanoutID = fanoutID
	retry.EnqueueAfter = s.nowMillis()

	err = s.states.Insert(ctx, retry)
	if errors.Is(err, state.ErrConflict) {
		return nil, conflictf("state with fanout_id %q already exists for %s/%s", fanoutID, st.RunID, st.Identifier)
	}
	if err != nil {
		return nil, internal("insert manual retry state", err)
	}

	if _, err := s.states.SetStatus(ctx, stateID, state.RetryCreated); err != nil {
		return nil, internal("mark state retry_created", err)
	}

	s.metrics.IncCounter(telemetry.MetricStatesCreated, 1, "source", "manual_retry")
	s.logger.Info(ctx, "manual retry created",
		"namespace", st.Namespace, "run_id", st.RunID, "state_id", st.ID, "retry_id", retry.ID)
	return retry, nil
}

// PruneRequest carries the payload a runtime attaches when pruning a state.
type PruneRequest struct {
	Data map[string]any `json:"data"`
}

// Prune cuts a QUEUED state out of its run: the state moves to PRUNED, the
// payload is recorded, and no successors are ever created for it. Join
// strategies decide whether pruned branches satisfy their unite.
func (s *Service) Prune(ctx context.Context, namespace, stateID string, req PruneRequest) (*state.State, error) {
	st, err := s.states.Get(ctx, stateID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFoundf("state %s not found", stateID)
	}
	if err != nil {
		return nil, internal("load state", err)
	}
	if st.Namespace != namespace {
		return nil, notFoundf("state %s not found", stateID)
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	pruned, err := s.states.Transition(ctx, stateID, state.Queued, state.Update{
		Status: state.Pruned,
		Data:   data,
	})
	if errors.Is(err, state.ErrInvalidState) {
		return nil, invalidStatef("state %s is not queued (status %s)", stateID, st.Status)
	}
	if err != nil {
		return nil, internal("transition state to pruned", err)
	}

	s.logger.Info(ctx, "state pruned",
		"namespace", st.Namespace, "run_id", st.RunID, "state_id", st.ID)
	return pruned, nil
}

// ReEnqueueRequest asks for a state to be claimed again after a delay.
type ReEnqueueRequest struct {
	// EnqueueAfter is the delay in milliseconds from now; must be > 0.
	EnqueueAfter int64 `json:"enqueue_after"`
}

// ReEnqueueAfter resets the state to CREATED with enqueue_after pushed
// delay milliseconds into the future, regardless of its current status.
// Runtimes use it to give back work they cannot make progress on yet.
func (s *Service) ReEnqueueAfter(ctx context.Context, namespace, stateID string, req ReEnqueueRequest) (*state.State, error) {
	if req.EnqueueAfter <= 0 {
		return nil, invalidInputf("enqueue_after must be > 0 milliseconds")
	}
	st, err := s.states.Get(ctx, stateID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFoundf("state %s not found", stateID)
	}
	if err != nil {
		return nil, internal("load state", err)
	}
	if st.Namespace != namespace {
		return nil, notFoundf("state %s not found", stateID)
	}

	requeued, err := s.states.Requeue(ctx, stateID, s.nowMillis()+req.EnqueueAfter)
	if err != nil {
		return nil, internal("requeue state", err)
	}

	s.logger.Info(ctx, "state re-enqueued",
		"namespace", st.Namespace, "run_id", st.RunID, "state_id", st.ID,
		"enqueue_after", requeued.EnqueueAfter)
	return requeued, nil
}

// StateSecrets returns the decrypted secrets of the graph the state belongs
// to. Runtimes call it after claiming a state whose node declares secrets;
// plaintext only ever travels on this response, never through the store.
func (s *Service) StateSecrets(ctx context.Context, namespace, stateID string) (map[string]string, error) {
	st, err := s.states.Get(ctx, stateID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFoundf("state %s not found", stateID)
	}
	if err != nil {
		return nil, internal("load state", err)
	}
	if st.Namespace != namespace {
		return nil, notFoundf("state %s not found", stateID)
	}

	tpl, err := s.graphs.Get(ctx, st.Namespace, st.GraphName)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, notFoundf("graph template %s/%s not found", st.Namespace, st.GraphName)
	}
	if err != nil {
		return nil, internal("load graph template", err)
	}

	out := make(map[string]string, len(tpl.Secrets))
	for name, blob := range tpl.Secrets {
		plaintext, err := s.encrypter.Decrypt(blob)
		if err != nil {
			return nil, internal(fmt.Sprintf("decrypt secret %q", name), err)
		}
		out[name] = plaintext
	}
	return out, nil
}

// SweepTimeouts expires every QUEUED state past its deadline and spawns
// retry siblings per the graph's retry policy, returning the number of
// states swept. It is invoked periodically by the lifecycle loop.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	swept, err := s.states.SweepTimeouts(ctx, s.nowMillis())
	if err != nil {
		return 0, internal("sweep timeouts", err)
	}
	for _, st := range swept {
		retryCreated, err := s.createRetry(ctx, st)
		if err != nil {
			s.logger.Error(ctx, "create retry for timed out state",
				"namespace", st.Namespace, "run_id", st.RunID, "state_id", st.ID, "err", err)
			continue
		}
		s.logger.Info(ctx, "state timed out",
			"namespace", st.Namespace, "run_id", st.RunID, "state_id", st.ID, "retry_created", retryCreated)
	}
	if len(swept) > 0 {
		s.metrics.IncCounter(telemetry.MetricStatesTimedout, float64(len(swept)))
	}
	return len(swept), nil
}

// SweepStuckFanouts re-runs the fan-out of states that stayed EXECUTED past
// the recovery age, returning how many were re-driven. The EXECUTED row is
// the durable record of a pending fan-out: a successful run promotes its
// sources to SUCCESS, so anything still EXECUTED lost its driving process.
// Every step of the fan-out tolerates replays, so sweeping a fan-out that is
// merely slow only duplicates idempotent work.
func (s *Service) SweepStuckFanouts(ctx context.Context) (int, error) {
	cutoff := s.nowMillis() - s.fanoutRecoveryAge.Milliseconds()
	stuck, err := s.states.ListStuckExecuted(ctx, cutoff, fanoutRecoveryBatch)
	if err != nil {
		return 0, internal("list stuck executed states", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	// Group by run and identifier: the fan-out engine processes one node's
	// siblings at a time.
	type groupKey struct {
		namespace  string
		graphName  string
		runID      string
		identifier string
	}
	groups := make(map[groupKey][]string)
	for _, st := range stuck {
		key := groupKey{st.Namespace, st.GraphName, st.RunID, st.Identifier}
		groups[key] = append(groups[key], st.ID)
	}
	for key, ids := range groups {
		s.logger.Info(ctx, "recovering stuck fanout",
			"namespace", key.namespace, "graph", key.graphName,
			"run_id", key.runID, "identifier", key.identifier, "states", len(ids))
		s.runFanout(ctx, key.namespace, key.graphName, ids)
	}
	s.metrics.IncCounter(telemetry.MetricFanoutsRecovered, float64(len(stuck)))
	return len(stuck), nil
}

// cloneForAttempt copies the identity and lineage fields of a state into a
// fresh record with no outputs, error or timestamps.
func cloneForAttempt(st *state.State) *state.State {
	inputs := make(map[string]string, len(st.Inputs))
	for k, v := range st.Inputs {
		inputs[k] = v
	}
	parents := make(map[string]string, len(st.Parents))
	for k, v := range st.Parents {
		parents[k] = v
	}
	return &state.State{
		RunID:          st.RunID,
		GraphName:      st.GraphName,
		Namespace:      st.Namespace,
		NodeName:       st.NodeName,
		Identifier:     st.Identifier,
		Inputs:         inputs,
		Outputs:        map[string]any{},
		Parents:        parents,
		DoesUnites:     st.DoesUnites,
		EnqueueAfter:   st.EnqueueAfter,
		TimeoutMinutes: st.TimeoutMinutes,
	}
}
