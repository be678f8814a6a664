// Package memory provides an in-memory implementation of the run store,
// suitable for development and testing. TTL expiry is not simulated.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/exospherehost/state-manager/runs"
)

// Store is an in-memory implementation of runs.Store. It is safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*runs.Run
	entries map[string]string
}

// Compile-time check that Store implements runs.Store.
var _ runs.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		runs:    make(map[string]*runs.Run),
		entries: make(map[string]string),
	}
}

// EnsureIndexes is a no-op.
func (s *Store) EnsureIndexes(ctx context.Context, retention time.Duration) error {
	return ctx.Err()
}

func runKey(namespace, runID string) string { return namespace + "\x00" + runID }

func entryKey(e *runs.StoreEntry) string {
	return e.Namespace + "\x00" + e.GraphName + "\x00" + e.RunID + "\x00" + e.Key
}

// CreateRun inserts a run row.
func (s *Store) CreateRun(ctx context.Context, run *runs.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.runs[runKey(run.Namespace, run.RunID)]; exists {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	cp := *run
	s.runs[runKey(run.Namespace, run.RunID)] = &cp
	return nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, namespace, runID string) (*runs.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runKey(namespace, runID)]
	if !ok {
		return nil, runs.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// SeedStore writes the run's key/value slots.
func (s *Store) SeedStore(ctx context.Context, entries []*runs.StoreEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[entryKey(e)] = e.Value
	}
	return nil
}

// GetStoreValue returns the value for a key.
func (s *Store) GetStoreValue(ctx context.Context, namespace, graphName, runID, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[namespace+"\x00"+graphName+"\x00"+runID+"\x00"+key]
	if !ok {
		return "", runs.ErrNotFound
	}
	return v, nil
}

// GetStore returns every slot of the run as a map.
func (s *Store) GetStore(ctx context.Context, namespace, graphName, runID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := namespace + "\x00" + graphName + "\x00" + runID + "\x00"
	out := make(map[string]string)
	for k, v := range s.entries {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out, nil
}
