// Package memory provides an in-memory implementation of the state store.
//
// It replicates the database semantics the engine depends on, namely the
// unique (run_id, identifier, fanout_id) key, atomic claims and
// compare-and-set transitions, and is suitable for development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exospherehost/state-manager/state"
)

// Store is an in-memory implementation of state.Store. It is safe for
// concurrent use.
type Store struct {
	mu     sync.Mutex
	states map[string]*state.State
	// unique guards the (run_id, identifier, fanout_id) key.
	unique map[string]string
}

// Compile-time check that Store implements state.Store.
var _ state.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		states: make(map[string]*state.State),
		unique: make(map[string]string),
	}
}

// EnsureIndexes is a no-op; uniqueness is enforced on insert.
func (s *Store) EnsureIndexes(ctx context.Context) error { return ctx.Err() }

func uniqueKey(st *state.State) string {
	return st.RunID + "\x00" + st.Identifier + "\x00" + st.FanoutID
}

// Insert persists a new state.
func (s *Store) Insert(ctx context.Context, st *state.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(st)
}

func (s *Store) insertLocked(st *state.State) error {
	key := uniqueKey(st)
	if _, taken := s.unique[key]; taken {
		return fmt.Errorf("%w: run_id=%s identifier=%s fanout_id=%s",
			state.ErrConflict, st.RunID, st.Identifier, st.FanoutID)
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	cp := *st
	s.states[st.ID] = &cp
	s.unique[key] = st.ID
	return nil
}

// InsertMany bulk-inserts states, skipping duplicate keys.
func (s *Store) InsertMany(ctx context.Context, states []*state.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if err := s.insertLocked(st); err != nil {
			continue
		}
	}
	return nil
}

// Get returns the state with the given id.
func (s *Store) Get(ctx context.Context, id string) (*state.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// GetMany returns the states with the given ids.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]*state.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*state.State, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.states[id]; ok {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Claim atomically transitions up to req.Limit eligible CREATED states to
// QUEUED, FIFO by enqueue_after then created_at.
func (s *Store) Claim(ctx context.Context, req state.ClaimRequest) ([]*state.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodes := make(map[string]bool, len(req.Nodes))
	for _, n := range req.Nodes {
		nodes[n] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*state.State
	for _, st := range s.states {
		if st.Namespace == req.Namespace && st.Status == state.Created &&
			nodes[st.NodeName] && st.EnqueueAfter <= req.Now {
			eligible = append(eligible, st)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].EnqueueAfter != eligible[j].EnqueueAfter {
			return eligible[i].EnqueueAfter < eligible[j].EnqueueAfter
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if req.Limit > 0 && len(eligible) > req.Limit {
		eligible = eligible[:req.Limit]
	}

	claimed := make([]*state.State, 0, len(eligible))
	for _, st := range eligible {
		st.Status = state.Queued
		st.QueuedAt = req.Now
		st.TimeoutAt = req.Now + int64(st.TimeoutMinutes)*60_000
		st.UpdatedAt = time.Now().UTC()
		cp := *st
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// Transition compare-and-sets the state from the expected status.
func (s *Store) Transition(ctx context.Context, id string, from state.Status, update state.Update) (*state.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	if st.Status != from {
		return nil, fmt.Errorf("%w: have %s, want %s", state.ErrInvalidState, st.Status, from)
	}
	st.Status = update.Status
	if update.Outputs != nil {
		st.Outputs = update.Outputs
	}
	if update.Error != nil {
		st.Error = *update.Error
	}
	if update.Data != nil {
		st.Data = update.Data
	}
	if update.Parents != nil {
		st.Parents = update.Parents
	}
	if update.QueuedAt != nil {
		st.QueuedAt = *update.QueuedAt
	}
	st.UpdatedAt = time.Now().UTC()
	cp := *st
	return &cp, nil
}

// SetStatus moves the state to the given status regardless of its current
// one.
func (s *Store) SetStatus(ctx context.Context, id string, to state.Status) (*state.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	st.Status = to
	st.UpdatedAt = time.Now().UTC()
	cp := *st
	return &cp, nil
}

// Requeue resets the state to CREATED with the given enqueue_after.
func (s *Store) Requeue(ctx context.Context, id string, enqueueAfter int64) (*state.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	st.Status = state.Created
	st.EnqueueAfter = enqueueAfter
	st.QueuedAt = 0
	st.TimeoutAt = 0
	st.UpdatedAt = time.Now().UTC()
	cp := *st
	return &cp, nil
}

// CountPendingForJoin counts states descending from the exact ancestor state
// whose status is outside the done set.
func (s *Store) CountPendingForJoin(ctx context.Context, namespace, graphName, ancestorIdentifier, ancestorStateID string, done []state.Status) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	isDone := make(map[state.Status]bool, len(done))
	for _, d := range done {
		isDone[d] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, st := range s.states {
		if st.Namespace == namespace && st.GraphName == graphName &&
			!isDone[st.Status] &&
			st.Parents[ancestorIdentifier] == ancestorStateID {
			count++
		}
	}
	return count, nil
}

// SweepTimeouts expires QUEUED states past their deadline.
func (s *Store) SweepTimeouts(ctx context.Context, nowMillis int64) ([]*state.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []*state.State
	for _, st := range s.states {
		if st.Status != state.Queued || st.TimeoutAt == 0 || st.TimeoutAt > nowMillis {
			continue
		}
		st.Status = state.Timedout
		st.Error = fmt.Sprintf("Node execution timed out after %d minutes", st.TimeoutMinutes)
		st.UpdatedAt = time.Now().UTC()
		cp := *st
		swept = append(swept, &cp)
	}
	sort.Slice(swept, func(i, j int) bool { return swept[i].CreatedAt.Before(swept[j].CreatedAt) })
	return swept, nil
}

// ListStuckExecuted returns EXECUTED states claimed before queuedBefore,
// oldest first.
func (s *Store) ListStuckExecuted(ctx context.Context, queuedBefore int64, limit int) ([]*state.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*state.State
	for _, st := range s.states {
		if st.Status != state.Executed || st.QueuedAt >= queuedBefore {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByRun returns the states of a run ordered by creation time.
func (s *Store) ListByRun(ctx context.Context, namespace, runID, identifier string) ([]*state.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*state.State
	for _, st := range s.states {
		if st.Namespace != namespace || st.RunID != runID {
			continue
		}
		if identifier != "" && st.Identifier != identifier {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RunSummaries aggregates states grouped by run, newest first.
func (s *Store) RunSummaries(ctx context.Context, namespace string, page, size int) ([]*state.RunSummary, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byRun := make(map[string]*state.RunSummary)
	for _, st := range s.states {
		if st.Namespace != namespace {
			continue
		}
		sum, ok := byRun[st.RunID]
		if !ok {
			sum = &state.RunSummary{RunID: st.RunID, GraphName: st.GraphName, CreatedAt: st.CreatedAt, UpdatedAt: st.UpdatedAt}
			byRun[st.RunID] = sum
		}
		sum.TotalCount++
		switch st.Status {
		case state.Success, state.Pruned:
			sum.SuccessCount++
		case state.Errored:
			sum.ErroredCount++
		case state.Timedout:
			sum.TimedoutCount++
		case state.RetryCreated:
			sum.RetriedCount++
		default:
			sum.PendingCount++
		}
		if st.CreatedAt.Before(sum.CreatedAt) {
			sum.CreatedAt = st.CreatedAt
		}
		if st.UpdatedAt.After(sum.UpdatedAt) {
			sum.UpdatedAt = st.UpdatedAt
		}
	}

	all := make([]*state.RunSummary, 0, len(byRun))
	for _, sum := range byRun {
		sum.DeriveStatus()
		all = append(all, sum)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	start := (page - 1) * size
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}
