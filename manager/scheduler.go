package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/exospherehost/state-manager/telemetry"
	"github.com/exospherehost/state-manager/triggers"
)

// SchedulerTick claims and fires every due cron trigger. The caller runs it
// once per minute, coalesced; within the tick, trigger workers drain due
// rows concurrently, each row claimed by exactly one worker via the
// PENDING -> TRIGGERING findAndModify.
func (s *Service) SchedulerTick(ctx context.Context) error {
	cronTime := s.now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.triggerWorkers; i++ {
		g.Go(func() error {
			for {
				row, err := s.triggers.ClaimDue(ctx, cronTime)
				if errors.Is(err, triggers.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				s.fireTrigger(ctx, cronTime, row)
			}
		})
	}
	return g.Wait()
}

// fireTrigger runs one claimed cron row through the graph-trigger path,
// finishes the row TRIGGERED or FAILED, and always enqueues the next fire.
func (s *Service) fireTrigger(ctx context.Context, cronTime time.Time, row *triggers.Trigger) {
	defer s.scheduleNextFire(ctx, cronTime, row)

	outcome := triggers.Triggered
	result, err := s.TriggerGraph(ctx, row.Namespace, row.GraphName, TriggerRequest{})
	if err != nil {
		outcome = triggers.Failed
		s.logger.Error(ctx, "cron trigger failed",
			"namespace", row.Namespace, "graph", row.GraphName, "expression", row.Expression, "err", err)
	} else {
		s.logger.Info(ctx, "cron trigger fired",
			"namespace", row.Namespace, "graph", row.GraphName, "expression", row.Expression, "run_id", result.RunID)
	}
	s.metrics.IncCounter(telemetry.MetricTriggersFired, 1, "outcome", string(outcome))

	expiresAt := s.now().Add(s.triggerRetention)
	if err := s.triggers.Finish(ctx, row.ID, outcome, expiresAt); err != nil {
		s.logger.Error(ctx, "finish trigger row", "trigger_id", row.ID, "err", err)
	}
}

// scheduleNextFire inserts the PENDING row for the next fire of the cron,
// advancing past missed ticks until the fire time lies in the future.
// Duplicate rows mean another replica got there first.
func (s *Service) scheduleNextFire(ctx context.Context, cronTime time.Time, row *triggers.Trigger) {
	next := row.TriggerTime
	for !next.After(cronTime) {
		var err error
		next, err = triggers.NextFire(row.Expression, row.Timezone, next)
		if err != nil {
			s.logger.Error(ctx, "compute next fire",
				"namespace", row.Namespace, "graph", row.GraphName, "expression", row.Expression, "err", err)
			return
		}
	}
	err := s.triggers.Insert(ctx, &triggers.Trigger{
		Type:        row.Type,
		Expression:  row.Expression,
		Timezone:    row.Timezone,
		GraphName:   row.GraphName,
		Namespace:   row.Namespace,
		TriggerTime: next,
		Status:      triggers.Pending,
	})
	switch {
	case errors.Is(err, triggers.ErrDuplicate):
		s.logger.Debug(ctx, "next trigger row already exists",
			"namespace", row.Namespace, "graph", row.GraphName, "expression", row.Expression, "at", next)
	case err != nil:
		s.logger.Error(ctx, "insert next trigger row",
			"namespace", row.Namespace, "graph", row.GraphName, "expression", row.Expression, "err", err)
	}
}

// ReconcileTriggers marks terminal trigger rows left without an expiry, e.g.
// by a crash before Finish completed, as CANCELLED with a fresh one so the
// TTL index reclaims them. Run once at startup.
func (s *Service) ReconcileTriggers(ctx context.Context) error {
	reconciled, err := s.triggers.ReconcileStale(ctx, s.now().Add(s.triggerRetention))
	if err != nil {
		return internal("reconcile stale triggers", err)
	}
	if reconciled > 0 {
		s.logger.Info(ctx, "reconciled stale trigger rows", "count", reconciled)
	}
	return nil
}

// CancelTriggersResult reports an operator cancellation of a graph's trigger
// rows.
type CancelTriggersResult struct {
	Namespace      string `json:"namespace"`
	GraphName      string `json:"graph_name"`
	CancelledCount int64  `json:"cancelled_count"`
	Message        string `json:"message"`
}

// CancelTriggers cancels every PENDING and TRIGGERING row of the graph. The
// template's trigger declarations are untouched; the next upsert reschedules
// them.
func (s *Service) CancelTriggers(ctx context.Context, namespace, graphName string) (*CancelTriggersResult, error) {
	cancelled, err := s.triggers.CancelAll(ctx, namespace, graphName, s.now().Add(s.triggerRetention))
	if err != nil {
		return nil, internal("cancel triggers", err)
	}
	result := &CancelTriggersResult{
		Namespace:      namespace,
		GraphName:      graphName,
		CancelledCount: cancelled,
	}
	if cancelled == 0 {
		result.Message = "No pending triggers found to cancel"
		return result, nil
	}
	result.Message = fmt.Sprintf("Successfully cancelled %d trigger(s)", cancelled)
	s.logger.Info(ctx, "cancelled triggers",
		"namespace", namespace, "graph", graphName, "count", cancelled)
	return result, nil
}
