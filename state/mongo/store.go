// Package mongo provides the MongoDB implementation of the state store.
//
// All mutual exclusion lives here: claims, transitions and the timeout sweep
// are findAndModify operations, and the unique (run_id, identifier,
// fanout_id) index backs insert idempotency. No process-level locks are
// involved, so any number of manager replicas can share one database.
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
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/exospherehost/state-manager/state"
)

const (
	defaultCollection = "states"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Mongo state store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store is a MongoDB implementation of state.Store.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// Compile-time check that Store implements state.Store.
var _ state.Store = (*Store)(nil)

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

// Name implements health.Pinger so the store can be listed as a /health
// dependency.
func (s *Store) Name() string { return "mongodb" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the unique attempt key and the secondary indexes the
// dispatcher, sweeper and query surface filter on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "run_id", Value: 1},
				{Key: "identifier", Value: 1},
				{Key: "fanout_id", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_run_identifier_fanout"),
		},
		{
			Keys: bson.D{
				{Key: "namespace", Value: 1},
				{Key: "status", Value: 1},
				{Key: "node_name", Value: 1},
				{Key: "enqueue_after", Value: 1},
			},
			Options: options.Index().SetName("claim_scan"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "timeout_at", Value: 1},
			},
			Options: options.Index().SetName("timeout_scan"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "queued_at", Value: 1},
			},
			Options: options.Index().SetName("fanout_recovery_scan"),
		},
		{
			Keys: bson.D{
				{Key: "namespace", Value: 1},
				{Key: "run_id", Value: 1},
				{Key: "created_at", Value: 1},
			},
			Options: options.Index().SetName("run_listing"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure state indexes: %w", err)
	}
	return nil
}

// Insert persists a new state.
func (s *Store) Insert(ctx context.Context, st *state.State) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	prepare(st)
	if _, err := s.coll.InsertOne(ctx, st); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: run_id=%s identifier=%s fanout_id=%s",
				state.ErrConflict, st.RunID, st.Identifier, st.FanoutID)
		}
		return fmt.Errorf("mongodb insert state: %w", err)
	}
	return nil
}

// InsertMany bulk-inserts states with an unordered write so duplicate keys
// fail individually without aborting the batch.
func (s *Store) InsertMany(ctx context.Context, states []*state.State) error {
	if len(states) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	docs := make([]any, len(states))
	for i, st := range states {
		prepare(st)
		docs[i] = st
	}
	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongodb insert states: %w", err)
	}
	return nil
}

// Get returns the state with the given id.
func (s *Store) Get(ctx context.Context, id string) (*state.State, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var st state.State
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&st); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get state %q: %w", id, err)
	}
	return &st, nil
}

// GetMany returns the states with the given ids.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]*state.State, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("mongodb get states: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*state.State
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb get states decode: %w", err)
	}
	return out, nil
}

// Claim repeatedly findAndModifies one eligible CREATED state to QUEUED until
// the limit is reached or the queue drains. The pipeline update computes the
// timeout deadline from the document's own timeout_minutes so the claim stays
// a single atomic round trip.
func (s *Store) Claim(ctx context.Context, req state.ClaimRequest) ([]*state.State, error) {
	filter := bson.M{
		"namespace":     req.Namespace,
		"status":        state.Created,
		"node_name":     bson.M{"$in": req.Nodes},
		"enqueue_after": bson.M{"$lte": req.Now},
	}
	update := bson.A{bson.M{"$set": bson.M{
		"status":    state.Queued,
		"queued_at": req.Now,
		"timeout_at": bson.M{"$add": bson.A{
			req.Now,
			bson.M{"$multiply": bson.A{"$timeout_minutes", 60_000}},
		}},
		"updated_at": "$$NOW",
	}}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "enqueue_after", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var claimed []*state.State
	for req.Limit <= 0 || len(claimed) < req.Limit {
		st, err := s.findAndModify(ctx, filter, update, opts)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				break
			}
			return claimed, err
		}
		claimed = append(claimed, st)
	}
	return claimed, nil
}

// Transition compare-and-sets the state from the expected status.
func (s *Store) Transition(ctx context.Context, id string, from state.Status, update state.Update) (*state.State, error) {
	set := bson.M{
		"status":     update.Status,
		"updated_at": time.Now().UTC(),
	}
	if update.Outputs != nil {
		set["outputs"] = update.Outputs
	}
	if update.Error != nil {
		set["error"] = *update.Error
	}
	if update.Data != nil {
		set["data"] = update.Data
	}
	if update.Parents != nil {
		set["parents"] = update.Parents
	}
	if update.QueuedAt != nil {
		set["queued_at"] = *update.QueuedAt
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var st state.State
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&st)
	if err == nil {
		return &st, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("mongodb transition state %q: %w", id, err)
	}
	// The filter misses both unknown ids and wrong statuses; one more read
	// tells them apart.
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: have %s, want %s", state.ErrInvalidState, current.Status, from)
}

// SetStatus moves the state to the given status regardless of its current
// one.
func (s *Store) SetStatus(ctx context.Context, id string, to state.Status) (*state.State, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var st state.State
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": to, "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&st)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb set state status %q: %w", id, err)
	}
	return &st, nil
}

// Requeue resets the state to CREATED with the given enqueue_after.
func (s *Store) Requeue(ctx context.Context, id string, enqueueAfter int64) (*state.State, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var st state.State
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":        state.Created,
			"enqueue_after": enqueueAfter,
			"queued_at":     0,
			"timeout_at":    0,
			"updated_at":    time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&st)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb requeue state %q: %w", id, err)
	}
	return &st, nil
}

// CountPendingForJoin counts states descending from the exact ancestor state
// whose status is outside the done set.
func (s *Store) CountPendingForJoin(ctx context.Context, namespace, graphName, ancestorIdentifier, ancestorStateID string, done []state.Status) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	count, err := s.coll.CountDocuments(ctx, bson.M{
		"namespace":                     namespace,
		"graph_name":                    graphName,
		"status":                        bson.M{"$nin": done},
		"parents." + ancestorIdentifier: ancestorStateID,
	})
	if err != nil {
		return 0, fmt.Errorf("mongodb count pending for join: %w", err)
	}
	return count, nil
}

// SweepTimeouts expires QUEUED states past their deadline one findAndModify
// at a time so each swept state is returned exactly once across replicas.
func (s *Store) SweepTimeouts(ctx context.Context, nowMillis int64) ([]*state.State, error) {
	filter := bson.M{
		"status":     state.Queued,
		"timeout_at": bson.M{"$gt": 0, "$lte": nowMillis},
	}
	update := bson.A{bson.M{"$set": bson.M{
		"status": state.Timedout,
		"error": bson.M{"$concat": bson.A{
			"Node execution timed out after ",
			bson.M{"$toString": "$timeout_minutes"},
			" minutes",
		}},
		"updated_at": "$$NOW",
	}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var swept []*state.State
	for {
		st, err := s.findAndModify(ctx, filter, update, opts)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return swept, nil
			}
			return swept, err
		}
		swept = append(swept, st)
	}
}

// ListStuckExecuted returns EXECUTED states claimed before queuedBefore,
// oldest first. Fan-out siblings are inserted EXECUTED without ever being
// claimed, so an absent queued_at also matches.
func (s *Store) ListStuckExecuted(ctx context.Context, queuedBefore int64, limit int) ([]*state.State, error) {
	filter := bson.M{
		"status": state.Executed,
		"$or": bson.A{
			bson.M{"queued_at": bson.M{"$lt": queuedBefore}},
			bson.M{"queued_at": bson.M{"$exists": false}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list stuck executed states: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*state.State
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list stuck executed states decode: %w", err)
	}
	return out, nil
}

// ListByRun returns the states of a run ordered by creation time.
func (s *Store) ListByRun(ctx context.Context, namespace, runID, identifier string) ([]*state.State, error) {
	filter := bson.M{"namespace": namespace, "run_id": runID}
	if identifier != "" {
		filter["identifier"] = identifier
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list run states: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*state.State
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list run states decode: %w", err)
	}
	return out, nil
}

// RunSummaries aggregates states grouped by run, newest first.
func (s *Store) RunSummaries(ctx context.Context, namespace string, page, size int) ([]*state.RunSummary, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	countIf := func(cond bson.M) bson.M {
		return bson.M{"$sum": bson.M{"$cond": bson.A{cond, 1, 0}}}
	}
	group := bson.M{
		"_id":            "$run_id",
		"graph_name":     bson.M{"$first": "$graph_name"},
		"total_count":    bson.M{"$sum": 1},
		"success_count": countIf(bson.M{"$in": bson.A{"$status",
			bson.A{state.Success, state.Pruned}}}),
		"errored_count":  countIf(bson.M{"$eq": bson.A{"$status", state.Errored}}),
		"timedout_count": countIf(bson.M{"$eq": bson.A{"$status", state.Timedout}}),
		"retried_count":  countIf(bson.M{"$eq": bson.A{"$status", state.RetryCreated}}),
		"pending_count": countIf(bson.M{"$in": bson.A{"$status",
			bson.A{state.Created, state.Queued, state.Executed}}}),
		"created_at": bson.M{"$min": "$created_at"},
		"updated_at": bson.M{"$max": "$updated_at"},
	}
	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: bson.M{"namespace": namespace}}},
		{{Key: "$group", Value: group}},
		{{Key: "$facet", Value: bson.M{
			"page": bson.A{
				bson.M{"$sort": bson.M{"created_at": -1}},
				bson.M{"$skip": (page - 1) * size},
				bson.M{"$limit": size},
			},
			"total": bson.A{bson.M{"$count": "count"}},
		}}},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, 0, fmt.Errorf("mongodb run summaries: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var results []struct {
		Page  []*state.RunSummary `bson:"page"`
		Total []struct {
			Count int64 `bson:"count"`
		} `bson:"total"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, 0, fmt.Errorf("mongodb run summaries decode: %w", err)
	}
	if len(results) == 0 {
		return nil, 0, nil
	}
	var total int64
	if len(results[0].Total) > 0 {
		total = results[0].Total[0].Count
	}
	for _, sum := range results[0].Page {
		sum.DeriveStatus()
	}
	return results[0].Page, total, nil
}

func (s *Store) findAndModify(ctx context.Context, filter bson.M, update bson.A, opts *options.FindOneAndUpdateOptions) (*state.State, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var st state.State
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&st); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb find and modify state: %w", err)
	}
	return &st, nil
}

func prepare(st *state.State) {
	if st.ID == "" {
		st.ID = primitive.NewObjectID().Hex()
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
}
