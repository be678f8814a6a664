// Package runs persists run rows (one per graph trigger) and the per-run
// key/value store seeded at trigger time. Runs and their states share the
// same TTL retention regime.
package runs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no run exists with the given id.
var ErrNotFound = errors.New("run not found")

// Run records one trigger of a graph.
type Run struct {
	RunID     string    `json:"run_id" bson:"run_id"`
	GraphName string    `json:"graph_name" bson:"graph_name"`
	Namespace string    `json:"namespace" bson:"namespace"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// StoreEntry is one key/value slot of a run's store. Entries are written
// once at trigger time and read-only afterwards.
type StoreEntry struct {
	RunID     string `json:"run_id" bson:"run_id"`
	Namespace string `json:"namespace" bson:"namespace"`
	GraphName string `json:"graph_name" bson:"graph_name"`
	Key       string `json:"key" bson:"key"`
	Value     string `json:"value" bson:"value"`
}

// Store persists runs and their key/value slots.
type Store interface {
	// EnsureIndexes creates the unique run id index, the TTL index on
	// created_at and the unique (run_id, namespace, graph_name, key) index
	// on store entries.
	EnsureIndexes(ctx context.Context, retention time.Duration) error

	// CreateRun inserts a run row.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the run with the given id or ErrNotFound.
	GetRun(ctx context.Context, namespace, runID string) (*Run, error)

	// SeedStore writes the run's key/value slots.
	SeedStore(ctx context.Context, entries []*StoreEntry) error

	// GetStoreValue returns the value for a key, or ErrNotFound.
	GetStoreValue(ctx context.Context, namespace, graphName, runID, key string) (string, error)

	// GetStore returns every slot of the run as a map.
	GetStore(ctx context.Context, namespace, graphName, runID string) (map[string]string, error)
}
