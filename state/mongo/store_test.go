package mongo

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/exospherehost/state-manager/state"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
	setupOnce          sync.Once
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil || testMongoClient.Ping(ctx, nil) != nil {
		skipMongoTests = true
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	setupOnce.Do(setupMongoDB)
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	s, err := New(Options{
		Client:     testMongoClient,
		Database:   "state_manager_test",
		Collection: t.Name(),
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, testMongoClient.Database("state_manager_test").Collection(t.Name()).Drop(ctx))
	require.NoError(t, s.EnsureIndexes(ctx))
	return s
}

func testState(runID, identifier, fanoutID string) *state.State {
	return &state.State{
		RunID:          runID,
		GraphName:      "graph",
		Namespace:      "ns",
		NodeName:       "worker",
		Identifier:     identifier,
		Status:         state.Created,
		Inputs:         map[string]string{"msg": "hi"},
		Outputs:        map[string]any{},
		Parents:        map[string]string{},
		FanoutID:       fanoutID,
		TimeoutMinutes: 2,
	}
}

func TestMongoUniqueAttemptKey(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testState("run", "A", "fanout_0")))
	err := s.Insert(ctx, testState("run", "A", "fanout_0"))
	require.ErrorIs(t, err, state.ErrConflict)

	// InsertMany tolerates per-document duplicates; the rest of the batch
	// still lands.
	require.NoError(t, s.InsertMany(ctx, []*state.State{
		testState("run", "A", "fanout_0"),
		testState("run", "A", "fanout_0_1"),
	}))
	states, err := s.ListByRun(ctx, "ns", "run", "")
	require.NoError(t, err)
	require.Len(t, states, 2)
}

func TestMongoClaimAndTransition(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	early := testState("run", "A", "f1")
	early.EnqueueAfter = 1000
	late := testState("run", "A", "f2")
	late.EnqueueAfter = 2000
	require.NoError(t, s.Insert(ctx, late))
	require.NoError(t, s.Insert(ctx, early))

	claimed, err := s.Claim(ctx, state.ClaimRequest{
		Namespace: "ns", Nodes: []string{"worker"}, Limit: 1, Now: 5000,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, early.ID, claimed[0].ID)
	require.Equal(t, state.Queued, claimed[0].Status)
	require.EqualValues(t, 5000, claimed[0].QueuedAt)
	require.EqualValues(t, 5000+2*60_000, claimed[0].TimeoutAt)

	updated, err := s.Transition(ctx, claimed[0].ID, state.Queued, state.Update{
		Status:  state.Executed,
		Outputs: map[string]any{"x": "1"},
	})
	require.NoError(t, err)
	require.Equal(t, state.Executed, updated.Status)

	_, err = s.Transition(ctx, claimed[0].ID, state.Queued, state.Update{Status: state.Executed})
	require.ErrorIs(t, err, state.ErrInvalidState)
}

func TestMongoSweepTimeouts(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	st := testState("run", "A", "f1")
	require.NoError(t, s.Insert(ctx, st))
	_, err := s.Claim(ctx, state.ClaimRequest{Namespace: "ns", Nodes: []string{"worker"}, Limit: 1, Now: 1000})
	require.NoError(t, err)

	swept, err := s.SweepTimeouts(ctx, 1000+3*60_000)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	require.Equal(t, state.Timedout, swept[0].Status)
	require.Equal(t, "Node execution timed out after 2 minutes", swept[0].Error)

	swept, err = s.SweepTimeouts(ctx, 1000+4*60_000)
	require.NoError(t, err)
	require.Empty(t, swept)
}

func TestMongoListStuckExecuted(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	claimed := testState("run", "A", "f1")
	require.NoError(t, s.Insert(ctx, claimed))
	_, err := s.Claim(ctx, state.ClaimRequest{Namespace: "ns", Nodes: []string{"worker"}, Limit: 1, Now: 1000})
	require.NoError(t, err)
	_, err = s.Transition(ctx, claimed.ID, state.Queued, state.Update{Status: state.Executed})
	require.NoError(t, err)

	// Fan-out siblings are inserted EXECUTED without ever being claimed.
	sibling := testState("run", "A", "f1_1")
	sibling.Status = state.Executed
	require.NoError(t, s.Insert(ctx, sibling))

	fresh := testState("run", "B", "f1")
	require.NoError(t, s.Insert(ctx, fresh))

	stuck, err := s.ListStuckExecuted(ctx, 2000, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 2)

	// A cutoff at the claim time excludes the claimed state but still
	// matches the never-claimed sibling.
	stuck, err = s.ListStuckExecuted(ctx, 1000, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, sibling.ID, stuck[0].ID)
}

func TestMongoSetStatusAndRequeue(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	st := testState("run", "A", "f1")
	require.NoError(t, s.Insert(ctx, st))
	_, err := s.Claim(ctx, state.ClaimRequest{Namespace: "ns", Nodes: []string{"worker"}, Limit: 1, Now: 1000})
	require.NoError(t, err)

	// SetStatus ignores the current status.
	updated, err := s.SetStatus(ctx, st.ID, state.RetryCreated)
	require.NoError(t, err)
	require.Equal(t, state.RetryCreated, updated.Status)
	_, err = s.SetStatus(ctx, "missing", state.RetryCreated)
	require.ErrorIs(t, err, state.ErrNotFound)

	// Requeue resets the claim bookkeeping and delays the next claim.
	requeued, err := s.Requeue(ctx, st.ID, 9000)
	require.NoError(t, err)
	require.Equal(t, state.Created, requeued.Status)
	require.EqualValues(t, 9000, requeued.EnqueueAfter)
	require.Zero(t, requeued.QueuedAt)
	require.Zero(t, requeued.TimeoutAt)

	claimed, err := s.Claim(ctx, state.ClaimRequest{Namespace: "ns", Nodes: []string{"worker"}, Limit: 1, Now: 8000})
	require.NoError(t, err)
	require.Empty(t, claimed)
	claimed, err = s.Claim(ctx, state.ClaimRequest{Namespace: "ns", Nodes: []string{"worker"}, Limit: 1, Now: 10_000})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, st.ID, claimed[0].ID)
}

func TestMongoCountPendingForJoin(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	ancestor := testState("run", "A", "f")
	require.NoError(t, s.Insert(ctx, ancestor))
	b1 := testState("run", "B", "f")
	b1.Parents = map[string]string{"A": ancestor.ID}
	b2 := testState("run", "B", "f2")
	b2.Status = state.Errored
	b2.Parents = map[string]string{"A": ancestor.ID}
	require.NoError(t, s.Insert(ctx, b1))
	require.NoError(t, s.Insert(ctx, b2))

	strict := []state.Status{state.Success, state.RetryCreated}
	count, err := s.CountPendingForJoin(ctx, "ns", "graph", "A", ancestor.ID, strict)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// The widened done set excludes the errored branch.
	wide := []state.Status{state.Success, state.RetryCreated, state.Pruned, state.Errored, state.Timedout}
	count, err = s.CountPendingForJoin(ctx, "ns", "graph", "A", ancestor.ID, wide)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestMongoRunSummaries(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	ok := testState("run1", "A", "f1")
	ok.Status = state.Success
	pending := testState("run2", "A", "f1")
	require.NoError(t, s.Insert(ctx, ok))
	require.NoError(t, s.Insert(ctx, pending))

	summaries, total, err := s.RunSummaries(ctx, "ns", 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, summaries, 2)
	byRun := make(map[string]state.RunStatus, 2)
	for _, sum := range summaries {
		byRun[sum.RunID] = sum.Status
	}
	require.Equal(t, state.RunSuccess, byRun["run1"])
	require.Equal(t, state.RunPending, byRun["run2"])
}
