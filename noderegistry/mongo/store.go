// Package mongo provides the MongoDB implementation of the registered node
// store. Nodes are upserted on the unique (namespace, name) key.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/exospherehost/state-manager/noderegistry"
)

const (
	defaultCollection = "registered_nodes"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Mongo node registry store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store is a MongoDB implementation of noderegistry.Store.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// Compile-time check that Store implements noderegistry.Store.
var _ noderegistry.Store = (*Store)(nil)

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
		return fmt.Errorf("mongodb ensure node indexes: %w", err)
	}
	return nil
}

// Upsert inserts or replaces the node keyed on (namespace, name), keeping the
// original created_at on replacement.
func (s *Store) Upsert(ctx context.Context, node *noderegistry.RegisteredNode) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	node.UpdatedAt = now
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	update := bson.M{
		"$set": bson.M{
			"runtime_name":      node.RuntimeName,
			"runtime_namespace": node.RuntimeNamespace,
			"inputs_schema":     node.InputsSchema,
			"outputs_schema":    node.OutputsSchema,
			"secrets":           node.Secrets,
			"timeout_minutes":   node.TimeoutMinutes,
			"updated_at":        node.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": node.CreatedAt},
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"namespace": node.Namespace, "name": node.Name},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb upsert node %s/%s: %w", node.Namespace, node.Name, err)
	}
	return nil
}

// Get returns the node for (namespace, name).
func (s *Store) Get(ctx context.Context, namespace, name string) (*noderegistry.RegisteredNode, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var node noderegistry.RegisteredNode
	err := s.coll.FindOne(ctx, bson.M{"namespace": namespace, "name": name}).Decode(&node)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, noderegistry.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get node %s/%s: %w", namespace, name, err)
	}
	return &node, nil
}

// GetMany returns the registered nodes among the requested keys.
func (s *Store) GetMany(ctx context.Context, keys []noderegistry.Key) ([]*noderegistry.RegisteredNode, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	filters := make([]bson.M, len(keys))
	for i, k := range keys {
		filters[i] = bson.M{"namespace": k.Namespace, "name": k.Name}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx, bson.M{"$or": filters})
	if err != nil {
		return nil, fmt.Errorf("mongodb get nodes: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*noderegistry.RegisteredNode
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb get nodes decode: %w", err)
	}
	return out, nil
}

// List returns every node of the namespace ordered by name.
func (s *Store) List(ctx context.Context, namespace string) ([]*noderegistry.RegisteredNode, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx,
		bson.M{"namespace": namespace},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb list nodes %s: %w", namespace, err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*noderegistry.RegisteredNode
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list nodes decode: %w", err)
	}
	return out, nil
}

// Namespaces returns every namespace with at least one registered node,
// sorted ascending.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	pipeline := mongodriver.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$namespace"}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongodb list namespaces: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var rows []struct {
		Namespace string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongodb list namespaces decode: %w", err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Namespace
	}
	return out, nil
}
