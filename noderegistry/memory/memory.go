// Package memory provides an in-memory implementation of the registered
// node store, suitable for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/exospherehost/state-manager/noderegistry"
)

// Store is an in-memory implementation of noderegistry.Store. It is safe
// for concurrent use.
type Store struct {
	mu    sync.RWMutex
	nodes map[noderegistry.Key]*noderegistry.RegisteredNode
}

// Compile-time check that Store implements noderegistry.Store.
var _ noderegistry.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{nodes: make(map[noderegistry.Key]*noderegistry.RegisteredNode)}
}

// EnsureIndexes is a no-op.
func (s *Store) EnsureIndexes(ctx context.Context) error { return ctx.Err() }

// Upsert inserts or replaces the node keyed on (namespace, name).
func (s *Store) Upsert(ctx context.Context, node *noderegistry.RegisteredNode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	k := noderegistry.Key{Namespace: node.Namespace, Name: node.Name}
	if existing, ok := s.nodes[k]; ok {
		node.CreatedAt = existing.CreatedAt
	} else if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	cp := *node
	s.nodes[k] = &cp
	return nil
}

// Get returns the node for (namespace, name).
func (s *Store) Get(ctx context.Context, namespace, name string) (*noderegistry.RegisteredNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[noderegistry.Key{Namespace: namespace, Name: name}]
	if !ok {
		return nil, noderegistry.ErrNotFound
	}
	cp := *node
	return &cp, nil
}

// GetMany returns the registered nodes among the requested keys.
func (s *Store) GetMany(ctx context.Context, keys []noderegistry.Key) ([]*noderegistry.RegisteredNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*noderegistry.RegisteredNode, 0, len(keys))
	for _, k := range keys {
		if node, ok := s.nodes[k]; ok {
			cp := *node
			out = append(out, &cp)
		}
	}
	return out, nil
}

// List returns every node of the namespace ordered by name.
func (s *Store) List(ctx context.Context, namespace string) ([]*noderegistry.RegisteredNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*noderegistry.RegisteredNode
	for k, node := range s.nodes {
		if k.Namespace != namespace {
			continue
		}
		cp := *node
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Namespaces returns every namespace with at least one registered node.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for k := range s.nodes {
		if !seen[k.Namespace] {
			seen[k.Namespace] = true
			out = append(out, k.Namespace)
		}
	}
	sort.Strings(out)
	return out, nil
}
