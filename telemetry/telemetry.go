// Package telemetry defines the logging and metrics seams of the manager.
//
// The interfaces keep the engine code free of any concrete observability
// stack: production wires the clue/OTEL implementations, tests wire the
// no-ops.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log messages.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}
)

// Metric names recorded by the manager.
const (
	// MetricStatesCreated counts states inserted, by source (trigger,
	// fanout, retry, manual_retry).
	MetricStatesCreated = "states_created"
	// MetricStatesClaimed counts states handed to runtimes.
	MetricStatesClaimed = "states_claimed"
	// MetricStatesTimedout counts states expired by the sweeper.
	MetricStatesTimedout = "states_timedout"
	// MetricTriggersFired counts cron fires, by outcome.
	MetricTriggersFired = "triggers_fired"
	// MetricGraphValidations counts background validations, by outcome.
	MetricGraphValidations = "graph_validations"
	// MetricFanoutDuration times fan-out executions.
	MetricFanoutDuration = "fanout_duration"
	// MetricFanoutsRecovered counts stuck EXECUTED states re-driven by the
	// recovery sweep.
	MetricFanoutsRecovered = "fanouts_recovered"
)
