// Package triggers persists future cron fires of graph templates and
// computes timezone-aware fire times. Each row is one future fire; the
// unique (type, expression, graph_name, namespace, trigger_time) index makes
// enqueueing idempotent and a PENDING -> TRIGGERING findAndModify gives each
// due fire to exactly one scheduler worker.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/exospherehost/state-manager/graph"
)

// Status is the lifecycle status of a trigger row.
type Status string

const (
	// Pending means the fire is in the future (or due, unclaimed).
	Pending Status = "PENDING"
	// Triggering means a scheduler worker claimed the row.
	Triggering Status = "TRIGGERING"
	// Triggered means the graph was triggered successfully.
	Triggered Status = "TRIGGERED"
	// Failed means triggering the graph failed.
	Failed Status = "FAILED"
	// Cancelled means the trigger was removed from its graph or orphaned.
	Cancelled Status = "CANCELLED"
)

// Store errors.
var (
	// ErrNotFound means no due trigger matched a claim.
	ErrNotFound = errors.New("trigger not found")
	// ErrDuplicate means a row with the same unique key already exists.
	ErrDuplicate = errors.New("trigger already exists")
)

// Trigger is one persisted future fire of a graph.
type Trigger struct {
	ID         string            `json:"id" bson:"_id,omitempty"`
	Type       graph.TriggerType `json:"type" bson:"type"`
	Expression string            `json:"expression" bson:"expression"`
	Timezone   string            `json:"timezone" bson:"timezone"`
	GraphName  string            `json:"graph_name" bson:"graph_name"`
	Namespace  string            `json:"namespace" bson:"namespace"`
	// TriggerTime is the fire time in UTC.
	TriggerTime time.Time `json:"trigger_time" bson:"trigger_time"`
	Status      Status    `json:"trigger_status" bson:"trigger_status"`
	// ExpiresAt is unset while pending and set to now + retention when the
	// row reaches a terminal status; the TTL index removes it afterwards.
	ExpiresAt *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

// Store persists trigger rows.
type Store interface {
	// EnsureIndexes creates the unique fire index and the TTL index on
	// expires_at.
	EnsureIndexes(ctx context.Context) error

	// Insert adds a PENDING row. Returns ErrDuplicate when the unique
	// (type, expression, graph_name, namespace, trigger_time) key exists.
	Insert(ctx context.Context, t *Trigger) error

	// ClaimDue atomically moves one row with trigger_time <= now from
	// PENDING to TRIGGERING and returns it, or ErrNotFound when no row is
	// due.
	ClaimDue(ctx context.Context, now time.Time) (*Trigger, error)

	// Finish moves a claimed row to a terminal status with the given
	// expiry.
	Finish(ctx context.Context, id string, status Status, expiresAt time.Time) error

	// CancelPending moves every PENDING row of the graph matching
	// (expression, timezone) to CANCELLED with the given expiry. An empty
	// expression cancels all PENDING rows of the graph.
	CancelPending(ctx context.Context, namespace, graphName, expression, timezone string, expiresAt time.Time) (int64, error)

	// CancelAll moves every PENDING and TRIGGERING row of the graph to
	// CANCELLED with the given expiry, returning how many rows changed.
	CancelAll(ctx context.Context, namespace, graphName string, expiresAt time.Time) (int64, error)

	// ReconcileStale marks terminal rows lacking an expiry as CANCELLED
	// with a fresh one so the TTL can reclaim them.
	ReconcileStale(ctx context.Context, expiresAt time.Time) (int64, error)

	// ListPending returns the PENDING rows of a graph, soonest first.
	ListPending(ctx context.Context, namespace, graphName string) ([]*Trigger, error)
}

// NextFire computes the first fire time of the cron expression strictly
// after the given instant, interpreted in the trigger's timezone, returned
// in UTC.
func NextFire(expression, timezone string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	next, err := gronx.NextTickAfter(expression, after.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	return next.UTC(), nil
}

// ValidateExpression checks the cron expression grammar.
func ValidateExpression(expression string) error {
	if !gronx.New().IsValid(expression) {
		return fmt.Errorf("invalid cron expression %q", expression)
	}
	return nil
}
