// Package memory provides an in-memory implementation of the trigger store,
// suitable for development and testing. TTL expiry is not simulated.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exospherehost/state-manager/triggers"
)

// Store is an in-memory implementation of triggers.Store. It is safe for
// concurrent use.
type Store struct {
	mu   sync.Mutex
	rows map[string]*triggers.Trigger
	// unique guards (type, expression, graph_name, namespace, trigger_time).
	unique map[string]string
}

// Compile-time check that Store implements triggers.Store.
var _ triggers.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		rows:   make(map[string]*triggers.Trigger),
		unique: make(map[string]string),
	}
}

// EnsureIndexes is a no-op; uniqueness is enforced on insert.
func (s *Store) EnsureIndexes(ctx context.Context) error { return ctx.Err() }

func uniqueKey(t *triggers.Trigger) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%d",
		t.Type, t.Expression, t.GraphName, t.Namespace, t.TriggerTime.UTC().UnixMilli())
}

// Insert adds a PENDING row.
func (s *Store) Insert(ctx context.Context, t *triggers.Trigger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := uniqueKey(t)
	if _, taken := s.unique[key]; taken {
		return fmt.Errorf("%w: %s %s at %s", triggers.ErrDuplicate, t.GraphName, t.Expression, t.TriggerTime)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	s.rows[t.ID] = &cp
	s.unique[key] = t.ID
	return nil
}

// ClaimDue atomically moves one due PENDING row to TRIGGERING.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) (*triggers.Trigger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*triggers.Trigger
	for _, t := range s.rows {
		if t.Status == triggers.Pending && !t.TriggerTime.After(now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil, triggers.ErrNotFound
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TriggerTime.Before(due[j].TriggerTime) })
	t := due[0]
	t.Status = triggers.Triggering
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}

// Finish moves a claimed row to a terminal status.
func (s *Store) Finish(ctx context.Context, id string, status triggers.Status, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return triggers.ErrNotFound
	}
	t.Status = status
	at := expiresAt.UTC()
	t.ExpiresAt = &at
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// CancelPending cancels PENDING rows of the graph matching the expression
// and timezone; an empty expression matches every PENDING row of the graph.
func (s *Store) CancelPending(ctx context.Context, namespace, graphName, expression, timezone string, expiresAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	at := expiresAt.UTC()
	for _, t := range s.rows {
		if t.Status != triggers.Pending || t.Namespace != namespace || t.GraphName != graphName {
			continue
		}
		if expression != "" && (t.Expression != expression || t.Timezone != timezone) {
			continue
		}
		t.Status = triggers.Cancelled
		t.ExpiresAt = &at
		t.UpdatedAt = time.Now().UTC()
		count++
	}
	return count, nil
}

// CancelAll cancels every PENDING and TRIGGERING row of the graph.
func (s *Store) CancelAll(ctx context.Context, namespace, graphName string, expiresAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	at := expiresAt.UTC()
	for _, t := range s.rows {
		if t.Namespace != namespace || t.GraphName != graphName {
			continue
		}
		if t.Status != triggers.Pending && t.Status != triggers.Triggering {
			continue
		}
		t.Status = triggers.Cancelled
		t.ExpiresAt = &at
		t.UpdatedAt = time.Now().UTC()
		count++
	}
	return count, nil
}

// ReconcileStale marks terminal rows lacking an expiry as CANCELLED.
func (s *Store) ReconcileStale(ctx context.Context, expiresAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	at := expiresAt.UTC()
	for _, t := range s.rows {
		if t.ExpiresAt != nil {
			continue
		}
		switch t.Status {
		case triggers.Triggered, triggers.Failed, triggers.Triggering:
			t.Status = triggers.Cancelled
			t.ExpiresAt = &at
			t.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

// ListPending returns the PENDING rows of a graph, soonest first.
func (s *Store) ListPending(ctx context.Context, namespace, graphName string) ([]*triggers.Trigger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*triggers.Trigger
	for _, t := range s.rows {
		if t.Status == triggers.Pending && t.Namespace == namespace && t.GraphName == graphName {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerTime.Before(out[j].TriggerTime) })
	return out, nil
}
