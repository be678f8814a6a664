// Package mongo provides the MongoDB implementation of the trigger store.
//
// The unique (type, expression, graph_name, namespace, trigger_time) index
// makes enqueueing the next fire idempotent across scheduler replicas, and
// ClaimDue hands each due row to exactly one worker via findAndModify.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/exospherehost/state-manager/triggers"
)

const (
	defaultCollection = "graph_triggers"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Mongo trigger store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store is a MongoDB implementation of triggers.Store.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// Compile-time check that Store implements triggers.Store.
var _ triggers.Store = (*Store)(nil)

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

// EnsureIndexes creates the unique fire index, the claim index and the TTL
// index on expires_at.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "type", Value: 1},
				{Key: "expression", Value: 1},
				{Key: "graph_name", Value: 1},
				{Key: "namespace", Value: 1},
				{Key: "trigger_time", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_fire"),
		},
		{
			Keys: bson.D{
				{Key: "trigger_status", Value: 1},
				{Key: "trigger_time", Value: 1},
			},
			Options: options.Index().SetName("due_scan"),
		},
		{
			Keys: bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(0).
				SetName("ttl_expires_at"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure trigger indexes: %w", err)
	}
	return nil
}

// Insert adds a PENDING row.
func (s *Store) Insert(ctx context.Context, t *triggers.Trigger) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if t.ID == "" {
		t.ID = primitive.NewObjectID().Hex()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.TriggerTime = t.TriggerTime.UTC()
	if _, err := s.coll.InsertOne(ctx, t); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s %s at %s",
				triggers.ErrDuplicate, t.GraphName, t.Expression, t.TriggerTime)
		}
		return fmt.Errorf("mongodb insert trigger: %w", err)
	}
	return nil
}

// ClaimDue atomically moves one due PENDING row to TRIGGERING.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) (*triggers.Trigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var t triggers.Trigger
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{
			"trigger_status": triggers.Pending,
			"trigger_time":   bson.M{"$lte": now.UTC()},
		},
		bson.M{"$set": bson.M{
			"trigger_status": triggers.Triggering,
			"updated_at":     time.Now().UTC(),
		}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "trigger_time", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&t)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, triggers.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb claim trigger: %w", err)
	}
	return &t, nil
}

// Finish moves a claimed row to a terminal status with the given expiry.
func (s *Store) Finish(ctx context.Context, id string, status triggers.Status, expiresAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"trigger_status": status,
			"expires_at":     expiresAt.UTC(),
			"updated_at":     time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("mongodb finish trigger %q: %w", id, err)
	}
	if result.MatchedCount == 0 {
		return triggers.ErrNotFound
	}
	return nil
}

// CancelPending cancels PENDING rows of the graph matching the expression and
// timezone; an empty expression matches every PENDING row of the graph.
func (s *Store) CancelPending(ctx context.Context, namespace, graphName, expression, timezone string, expiresAt time.Time) (int64, error) {
	filter := bson.M{
		"trigger_status": triggers.Pending,
		"namespace":      namespace,
		"graph_name":     graphName,
	}
	if expression != "" {
		filter["expression"] = expression
		filter["timezone"] = timezone
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{
		"trigger_status": triggers.Cancelled,
		"expires_at":     expiresAt.UTC(),
		"updated_at":     time.Now().UTC(),
	}})
	if err != nil {
		return 0, fmt.Errorf("mongodb cancel triggers %s/%s: %w", namespace, graphName, err)
	}
	return result.ModifiedCount, nil
}

// CancelAll cancels every PENDING and TRIGGERING row of the graph.
func (s *Store) CancelAll(ctx context.Context, namespace, graphName string, expiresAt time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.coll.UpdateMany(ctx,
		bson.M{
			"trigger_status": bson.M{"$in": bson.A{triggers.Pending, triggers.Triggering}},
			"namespace":      namespace,
			"graph_name":     graphName,
		},
		bson.M{"$set": bson.M{
			"trigger_status": triggers.Cancelled,
			"expires_at":     expiresAt.UTC(),
			"updated_at":     time.Now().UTC(),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongodb cancel all triggers %s/%s: %w", namespace, graphName, err)
	}
	return result.ModifiedCount, nil
}

// ReconcileStale marks terminal rows lacking an expiry as CANCELLED so the
// TTL can reclaim them. Rows stuck in TRIGGERING (a scheduler died mid-fire)
// are swept up as well.
func (s *Store) ReconcileStale(ctx context.Context, expiresAt time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.coll.UpdateMany(ctx,
		bson.M{
			"trigger_status": bson.M{"$in": bson.A{
				triggers.Triggered, triggers.Failed, triggers.Triggering,
			}},
			"expires_at": bson.M{"$exists": false},
		},
		bson.M{"$set": bson.M{
			"trigger_status": triggers.Cancelled,
			"expires_at":     expiresAt.UTC(),
			"updated_at":     time.Now().UTC(),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongodb reconcile stale triggers: %w", err)
	}
	return result.ModifiedCount, nil
}

// ListPending returns the PENDING rows of a graph, soonest first.
func (s *Store) ListPending(ctx context.Context, namespace, graphName string) ([]*triggers.Trigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx,
		bson.M{
			"trigger_status": triggers.Pending,
			"namespace":      namespace,
			"graph_name":     graphName,
		},
		options.Find().SetSort(bson.D{{Key: "trigger_time", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb list pending triggers: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*triggers.Trigger
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list pending triggers decode: %w", err)
	}
	return out, nil
}
