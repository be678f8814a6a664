// Package mongo provides the MongoDB implementation of the run store. Run
// rows and their key/value store entries live in two collections sharing one
// TTL retention regime.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/exospherehost/state-manager/runs"
)

const (
	defaultRunsCollection  = "runs"
	defaultStoreCollection = "stores"
	defaultTimeout         = 5 * time.Second
)

// Options configures the Mongo run store.
type Options struct {
	Client          *mongodriver.Client
	Database        string
	RunsCollection  string
	StoreCollection string
	Timeout         time.Duration
}

// Store is a MongoDB implementation of runs.Store.
type Store struct {
	runs    *mongodriver.Collection
	entries *mongodriver.Collection
	timeout time.Duration
}

// Compile-time check that Store implements runs.Store.
var _ runs.Store = (*Store)(nil)

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runsColl := opts.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	storeColl := opts.StoreCollection
	if storeColl == "" {
		storeColl = defaultStoreCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	return &Store{
		runs:    db.Collection(runsColl),
		entries: db.Collection(storeColl),
		timeout: timeout,
	}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureIndexes creates the unique run id index, the TTL index on created_at
// and the unique key index on store entries.
func (s *Store) EnsureIndexes(ctx context.Context, retention time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.runs.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "namespace", Value: 1},
				{Key: "run_id", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_namespace_run"),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(int32(retention.Seconds())).
				SetName("ttl_created_at"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure run indexes: %w", err)
	}
	_, err = s.entries.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "run_id", Value: 1},
				{Key: "namespace", Value: 1},
				{Key: "graph_name", Value: 1},
				{Key: "key", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_run_key"),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(int32(retention.Seconds())).
				SetName("ttl_created_at"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure run store indexes: %w", err)
	}
	return nil
}

// CreateRun inserts a run row.
func (s *Store) CreateRun(ctx context.Context, run *runs.Run) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if _, err := s.runs.InsertOne(ctx, run); err != nil {
		return fmt.Errorf("mongodb create run %q: %w", run.RunID, err)
	}
	return nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, namespace, runID string) (*runs.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var run runs.Run
	err := s.runs.FindOne(ctx, bson.M{"namespace": namespace, "run_id": runID}).Decode(&run)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, runs.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get run %q: %w", runID, err)
	}
	return &run, nil
}

// storeDocument carries a created_at alongside the entry so the TTL index can
// reclaim store slots together with their run.
type storeDocument struct {
	runs.StoreEntry `bson:",inline"`
	CreatedAt       time.Time `bson:"created_at"`
}

// SeedStore writes the run's key/value slots.
func (s *Store) SeedStore(ctx context.Context, entries []*runs.StoreEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = storeDocument{StoreEntry: *e, CreatedAt: now}
	}
	_, err := s.entries.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongodb seed run store: %w", err)
	}
	return nil
}

// GetStoreValue returns the value for a key.
func (s *Store) GetStoreValue(ctx context.Context, namespace, graphName, runID, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc storeDocument
	err := s.entries.FindOne(ctx, bson.M{
		"namespace":  namespace,
		"graph_name": graphName,
		"run_id":     runID,
		"key":        key,
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", runs.ErrNotFound
		}
		return "", fmt.Errorf("mongodb get store value %q: %w", key, err)
	}
	return doc.Value, nil
}

// GetStore returns every slot of the run as a map.
func (s *Store) GetStore(ctx context.Context, namespace, graphName, runID string) (map[string]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.entries.Find(ctx, bson.M{
		"namespace":  namespace,
		"graph_name": graphName,
		"run_id":     runID,
	})
	if err != nil {
		return nil, fmt.Errorf("mongodb get run store: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []storeDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb get run store decode: %w", err)
	}
	out := make(map[string]string, len(docs))
	for _, doc := range docs {
		out[doc.Key] = doc.Value
	}
	return out, nil
}
