// Package state defines the per-attempt execution record of a node within a
// run, its status machine, and the store contract the dispatcher and fan-out
// engine operate through.
package state

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of a state.
type Status string

const (
	// Created means the state is waiting to be claimed by a runtime.
	Created Status = "CREATED"
	// Queued means a runtime claimed the state and is executing it.
	Queued Status = "QUEUED"
	// Executed means the runtime reported success; fan-out is pending.
	Executed Status = "EXECUTED"
	// Success means fan-out completed and all successor states exist.
	Success Status = "SUCCESS"
	// Errored means the runtime reported failure or fan-out failed.
	Errored Status = "ERRORED"
	// Timedout means the timeout sweeper expired the claim.
	Timedout Status = "TIMEDOUT"
	// RetryCreated means a manual retry sibling supersedes this state.
	RetryCreated Status = "RETRY_CREATED"
	// Pruned means a runtime cut the state out of the run via the prune
	// signal; successors are never created.
	Pruned Status = "PRUNED"
)

// ParseStatus rejects unknown status strings at ingestion.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case Created, Queued, Executed, Success, Errored, Timedout, RetryCreated, Pruned:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown state status %q", s)
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case Success, Errored, Timedout, RetryCreated, Pruned:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the edge s -> to belongs to the status
// machine.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case Created:
		return to == Queued || to == RetryCreated
	case Queued:
		return to == Executed || to == Errored || to == Timedout || to == RetryCreated || to == Pruned
	case Executed:
		return to == Success || to == Errored || to == RetryCreated
	default:
		return false
	}
}

// State is one attempt of one instance of a node within a run. The triple
// (RunID, Identifier, FanoutID) is unique: sibling fan-out states and retry
// attempts are distinguished by FanoutID.
type State struct {
	ID        string `json:"id" bson:"_id,omitempty"`
	RunID     string `json:"run_id" bson:"run_id"`
	GraphName string `json:"graph_name" bson:"graph_name"`
	Namespace string `json:"namespace" bson:"namespace"`
	NodeName  string `json:"node_name" bson:"node_name"`
	// Identifier names the node template instance this state belongs to.
	Identifier string            `json:"identifier" bson:"identifier"`
	Status     Status            `json:"status" bson:"status"`
	Inputs     map[string]string `json:"inputs" bson:"inputs"`
	Outputs    map[string]any    `json:"outputs" bson:"outputs"`
	Error      string            `json:"error,omitempty" bson:"error,omitempty"`
	// Data carries the payload a runtime attached when pruning the state.
	Data map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	// Parents maps each ancestor identifier to the exact parent state id on
	// the path this state descended from. Join checks count siblings that
	// share the same ancestor instance, so fan-out branches never
	// cross-count.
	Parents map[string]string `json:"parents" bson:"parents"`
	// FanoutID distinguishes sibling states of the same identifier within a
	// run; retries reuse the scheme with a deterministic suffix.
	FanoutID   string `json:"fanout_id" bson:"fanout_id"`
	DoesUnites bool   `json:"does_unites" bson:"does_unites"`
	RetryCount int    `json:"retry_count" bson:"retry_count"`
	// EnqueueAfter is the earliest claim time in wall-clock milliseconds.
	EnqueueAfter int64 `json:"enqueue_after" bson:"enqueue_after"`
	// TimeoutMinutes bounds the QUEUED phase; zero falls back to the
	// registered node's timeout, then the global default.
	TimeoutMinutes int   `json:"timeout_minutes,omitempty" bson:"timeout_minutes,omitempty"`
	QueuedAt       int64 `json:"queued_at,omitempty" bson:"queued_at,omitempty"`
	// TimeoutAt is the sweep deadline in milliseconds, computed at claim
	// time as queued_at + timeout_minutes.
	TimeoutAt int64     `json:"timeout_at,omitempty" bson:"timeout_at,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// RunStatus is the aggregate status of a run derived from its states.
type RunStatus string

const (
	// RunSuccess means every state is terminal and none failed.
	RunSuccess RunStatus = "SUCCESS"
	// RunFailed means some terminal state errored or timed out and nothing
	// is still pending.
	RunFailed RunStatus = "FAILED"
	// RunPending means at least one state has work left.
	RunPending RunStatus = "PENDING"
)

// RunSummary aggregates the states of one run.
type RunSummary struct {
	RunID         string    `json:"run_id" bson:"_id"`
	GraphName     string    `json:"graph_name" bson:"graph_name"`
	SuccessCount  int       `json:"success_count" bson:"success_count"`
	PendingCount  int       `json:"pending_count" bson:"pending_count"`
	ErroredCount  int       `json:"errored_count" bson:"errored_count"`
	RetriedCount  int       `json:"retried_count" bson:"retried_count"`
	TimedoutCount int       `json:"timedout_count" bson:"timedout_count"`
	TotalCount    int       `json:"total_count" bson:"total_count"`
	Status        RunStatus `json:"status" bson:"-"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
}

// DeriveStatus computes the aggregate run status from the counters.
func (s *RunSummary) DeriveStatus() {
	switch {
	case s.PendingCount > 0:
		s.Status = RunPending
	case s.ErroredCount > 0 || s.TimedoutCount > 0:
		s.Status = RunFailed
	default:
		s.Status = RunSuccess
	}
}
