package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exospherehost/state-manager/graph"
	"github.com/exospherehost/state-manager/triggers"
)

func cronGraph(trigs ...graph.Trigger) UpsertGraphRequest {
	return UpsertGraphRequest{
		Nodes: []graph.NodeTemplate{{
			NodeName:   "nodeA",
			Namespace:  testNamespace,
			Identifier: "A",
			Inputs:     map[string]string{"msg": "hi"},
		}},
		Triggers: trigs,
	}
}

func TestCronTriggerLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNode(t, "nodeA", []string{"msg"}, nil)

	env.upsertGraph(t, "cron", cronGraph(graph.Trigger{
		Type:       graph.TriggerTypeCron,
		Expression: "*/5 * * * *",
		Timezone:   "America/New_York",
	}))

	pending, err := env.triggers.ListPending(ctx, testNamespace, "cron")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	expected, err := triggers.NextFire("*/5 * * * *", "America/New_York", env.clock.Now())
	require.NoError(t, err)
	require.True(t, pending[0].TriggerTime.Equal(expected))

	// Ticking before the fire time claims nothing.
	require.NoError(t, env.svc.SchedulerTick(ctx))
	pending, err = env.triggers.ListPending(ctx, testNamespace, "cron")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Ticking after the fire time triggers a run and enqueues the next fire.
	env.clock.Advance(expected.Sub(env.clock.Now()) + time.Second)
	require.NoError(t, env.svc.SchedulerTick(ctx))

	runs, err := env.svc.ListRuns(ctx, testNamespace, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, runs.Total)
	require.Equal(t, "cron", runs.Runs[0].GraphName)

	pending, err = env.triggers.ListPending(ctx, testNamespace, "cron")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, pending[0].TriggerTime.After(expected))
	next, err := triggers.NextFire("*/5 * * * *", "America/New_York", expected)
	require.NoError(t, err)
	require.True(t, pending[0].TriggerTime.Equal(next))
}

func TestUpsertCancelsRemovedCrons(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNode(t, "nodeA", []string{"msg"}, nil)

	env.upsertGraph(t, "reconciled", cronGraph(graph.Trigger{
		Type:       graph.TriggerTypeCron,
		Expression: "0 * * * *",
		Timezone:   "UTC",
	}))
	pending, err := env.triggers.ListPending(ctx, testNamespace, "reconciled")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Replacing the cron cancels the old row and schedules the new one.
	env.upsertGraph(t, "reconciled", cronGraph(graph.Trigger{
		Type:       graph.TriggerTypeCron,
		Expression: "30 * * * *",
		Timezone:   "UTC",
	}))
	pending, err = env.triggers.ListPending(ctx, testNamespace, "reconciled")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "30 * * * *", pending[0].Expression)

	// Dropping all triggers leaves nothing pending.
	env.upsertGraph(t, "reconciled", cronGraph())
	pending, err = env.triggers.ListPending(ctx, testNamespace, "reconciled")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDuplicateCronsCollapse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNode(t, "nodeA", []string{"msg"}, nil)

	trig := graph.Trigger{Type: graph.TriggerTypeCron, Expression: "*/10 * * * *", Timezone: "UTC"}
	env.upsertGraph(t, "dups", cronGraph(trig, trig, trig))

	pending, err := env.triggers.ListPending(ctx, testNamespace, "dups")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestCancelTriggers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNode(t, "nodeA", []string{"msg"}, nil)

	env.upsertGraph(t, "cancellable", cronGraph(graph.Trigger{
		Type:       graph.TriggerTypeCron,
		Expression: "0 * * * *",
		Timezone:   "UTC",
	}))
	pending, err := env.triggers.ListPending(ctx, testNamespace, "cancellable")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	result, err := env.svc.CancelTriggers(ctx, testNamespace, "cancellable")
	require.NoError(t, err)
	require.EqualValues(t, 1, result.CancelledCount)
	require.Equal(t, "Successfully cancelled 1 trigger(s)", result.Message)

	pending, err = env.triggers.ListPending(ctx, testNamespace, "cancellable")
	require.NoError(t, err)
	require.Empty(t, pending)

	// Nothing left to cancel, and unknown graphs report zero rather than an
	// error.
	result, err = env.svc.CancelTriggers(ctx, testNamespace, "cancellable")
	require.NoError(t, err)
	require.Zero(t, result.CancelledCount)
	require.Equal(t, "No pending triggers found to cancel", result.Message)

	result, err = env.svc.CancelTriggers(ctx, testNamespace, "ghost")
	require.NoError(t, err)
	require.Zero(t, result.CancelledCount)
}
