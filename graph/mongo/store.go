// Package mongo provides the MongoDB implementation of the graph template
// store. Templates are upserted on the unique (namespace, name) key.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/exospherehost/state-manager/graph"
)

const (
	defaultCollection = "graph_templates"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Mongo graph template store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store is a MongoDB implementation of graph.Store.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// Compile-time check that Store implements graph.Store.
var _ graph.Store = (*Store)(nil)

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureIndexes creates the unique (namespace, name) index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "namespace", Value: 1},
			{Key: "name", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("uniq_namespace_name"),
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure graph indexes: %w", err)
	}
	return nil
}

// Get returns the template for (namespace, name).
func (s *Store) Get(ctx context.Context, namespace, name string) (*graph.Template, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var t graph.Template
	err := s.coll.FindOne(ctx, bson.M{"namespace": namespace, "name": name}).Decode(&t)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, graph.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get graph %s/%s: %w", namespace, name, err)
	}
	return &t, nil
}

// Save upserts the template keyed on (namespace, name), keeping the original
// created_at on replacement.
func (s *Store) Save(ctx context.Context, t *graph.Template) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	t.UpdatedAt = now
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	update := bson.M{
		"$set": bson.M{
			"nodes":             t.Nodes,
			"validation_status": t.ValidationStatus,
			"validation_errors": t.ValidationErrors,
			"secrets":           t.Secrets,
			"triggers":          t.Triggers,
			"retry_policy":      t.RetryPolicy,
			"store_config":      t.StoreConfig,
			"updated_at":        t.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": t.CreatedAt},
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"namespace": t.Namespace, "name": t.Name},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb save graph %s/%s: %w", t.Namespace, t.Name, err)
	}
	return nil
}

// SetValidation records the outcome of a background validation.
func (s *Store) SetValidation(ctx context.Context, namespace, name string, status graph.ValidationStatus, validationErrors []string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.coll.UpdateOne(ctx,
		bson.M{"namespace": namespace, "name": name},
		bson.M{"$set": bson.M{
			"validation_status": status,
			"validation_errors": validationErrors,
			"updated_at":        time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("mongodb set graph validation %s/%s: %w", namespace, name, err)
	}
	if result.MatchedCount == 0 {
		return graph.ErrNotFound
	}
	return nil
}

// List returns every template of the namespace ordered by name.
func (s *Store) List(ctx context.Context, namespace string) ([]*graph.Template, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx,
		bson.M{"namespace": namespace},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb list graphs %s: %w", namespace, err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*graph.Template
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list graphs decode: %w", err)
	}
	return out, nil
}
