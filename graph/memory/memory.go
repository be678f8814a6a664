// Package memory provides an in-memory implementation of the graph template
// store, suitable for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/exospherehost/state-manager/graph"
)

// Store is an in-memory implementation of graph.Store. It is safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	templates map[string]*graph.Template
}

// Compile-time check that Store implements graph.Store.
var _ graph.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{templates: make(map[string]*graph.Template)}
}

// EnsureIndexes is a no-op.
func (s *Store) EnsureIndexes(ctx context.Context) error { return ctx.Err() }

func key(namespace, name string) string { return namespace + "\x00" + name }

// Get returns the template for (namespace, name).
func (s *Store) Get(ctx context.Context, namespace, name string) (*graph.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[key(namespace, name)]
	if !ok {
		return nil, graph.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Save upserts the template keyed on (namespace, name).
func (s *Store) Save(ctx context.Context, t *graph.Template) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.templates[key(t.Namespace, t.Name)]; ok {
		t.CreatedAt = existing.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	s.templates[key(t.Namespace, t.Name)] = &cp
	return nil
}

// SetValidation records the outcome of a background validation.
func (s *Store) SetValidation(ctx context.Context, namespace, name string, status graph.ValidationStatus, validationErrors []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[key(namespace, name)]
	if !ok {
		return graph.ErrNotFound
	}
	t.ValidationStatus = status
	t.ValidationErrors = validationErrors
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns every template of the namespace ordered by name.
func (s *Store) List(ctx context.Context, namespace string) ([]*graph.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*graph.Template
	for _, t := range s.templates {
		if t.Namespace != namespace {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
