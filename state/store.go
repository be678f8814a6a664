package state

import (
	"context"
	"errors"
)

// Store errors. Implementations must return these sentinels (possibly
// wrapped) so callers can map them onto the API error taxonomy.
var (
	// ErrNotFound means no state exists with the given id.
	ErrNotFound = errors.New("state not found")
	// ErrConflict means the (run_id, identifier, fanout_id) key is taken.
	ErrConflict = errors.New("state already exists")
	// ErrInvalidState means a transition was attempted from a status other
	// than the expected one.
	ErrInvalidState = errors.New("state is not in the expected status")
)

// ClaimRequest selects CREATED states for a runtime batch claim.
type ClaimRequest struct {
	Namespace string
	// Nodes restricts the claim to these node names.
	Nodes []string
	// Limit caps how many states are claimed.
	Limit int
	// Now is the claim time in wall-clock milliseconds; only states with
	// enqueue_after <= Now are eligible.
	Now int64
}

// Update describes the field changes applied by a Transition. Nil fields are
// left untouched.
type Update struct {
	Status   Status
	Outputs  map[string]any
	Error    *string
	Data     map[string]any
	Parents  map[string]string
	QueuedAt *int64
}

// Store persists states. All mutual exclusion is delegated to the database:
// Claim and Transition are atomic compare-and-set operations and the unique
// (run_id, identifier, fanout_id) index backs insert idempotency.
type Store interface {
	// EnsureIndexes creates the unique and secondary indexes.
	EnsureIndexes(ctx context.Context) error

	// Insert persists a new state. Returns ErrConflict when the
	// (run_id, identifier, fanout_id) key already exists.
	Insert(ctx context.Context, s *State) error

	// InsertMany bulk-inserts states, tolerating per-document duplicate
	// key collisions.
	InsertMany(ctx context.Context, states []*State) error

	// Get returns the state with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*State, error)

	// GetMany returns the states with the given ids; missing ids are
	// silently skipped.
	GetMany(ctx context.Context, ids []string) ([]*State, error)

	// Claim atomically transitions up to req.Limit eligible CREATED states
	// to QUEUED, setting queued_at and the timeout deadline, FIFO by
	// enqueue_after then created_at. A state is claimed by exactly one
	// caller.
	Claim(ctx context.Context, req ClaimRequest) ([]*State, error)

	// Transition compare-and-sets the state from the expected status and
	// applies the update, returning the post-update state. Returns
	// ErrNotFound when the id is unknown and ErrInvalidState when the
	// state is not in the expected status.
	Transition(ctx context.Context, id string, from Status, update Update) (*State, error)

	// SetStatus moves the state to the given status regardless of its
	// current one, returning the post-update state. Used by operator
	// actions (manual retry) that bypass the status machine.
	SetStatus(ctx context.Context, id string, to Status) (*State, error)

	// Requeue resets the state to CREATED with the given enqueue_after,
	// regardless of its current status, returning the post-update state.
	Requeue(ctx context.Context, id string, enqueueAfter int64) (*State, error)

	// CountPendingForJoin counts states descending from the exact ancestor
	// state (parents[ancestorIdentifier] == ancestorStateID) whose status
	// is outside the done set. A join fires only when this count reaches
	// zero.
	CountPendingForJoin(ctx context.Context, namespace, graphName, ancestorIdentifier, ancestorStateID string, done []Status) (int64, error)

	// SweepTimeouts transitions every QUEUED state whose timeout deadline
	// passed to TIMEDOUT and returns the swept states.
	SweepTimeouts(ctx context.Context, nowMillis int64) ([]*State, error)

	// ListStuckExecuted returns up to limit EXECUTED states whose claim time
	// is unset or earlier than queuedBefore, oldest first. These are
	// fan-outs whose driving process died before finishing; callers re-run
	// them.
	ListStuckExecuted(ctx context.Context, queuedBefore int64, limit int) ([]*State, error)

	// ListByRun returns the states of a run, optionally filtered by node
	// identifier, ordered by creation time.
	ListByRun(ctx context.Context, namespace, runID, identifier string) ([]*State, error)

	// RunSummaries aggregates states grouped by run for the namespace,
	// newest first, returning one page and the total number of runs.
	RunSummaries(ctx context.Context, namespace string, page, size int) ([]*RunSummary, int64, error)
}
