// Package manager implements the workflow execution engine: graph upserts
// and background validation, run triggering, the dispatch protocol over
// states (enqueue, executed, errored, manual retry, timeout sweep, fan-out
// recovery), the fan-out/join engine, the retry engine, the cron trigger
// scheduler and the query surface.
//
// All cross-request mutual exclusion is delegated to the stores; the service
// holds no locks of its own and any number of replicas can run concurrently
// against one database.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/exospherehost/state-manager/graph"
	"github.com/exospherehost/state-manager/noderegistry"
	"github.com/exospherehost/state-manager/runs"
	"github.com/exospherehost/state-manager/secrets"
	"github.com/exospherehost/state-manager/state"
	"github.com/exospherehost/state-manager/telemetry"
	"github.com/exospherehost/state-manager/triggers"
)

// Defaults applied by New when the corresponding option is zero.
const (
	defaultValidWaitInterval   = time.Second
	defaultValidWaitTimeout    = 5 * time.Minute
	defaultTimeoutMinutes      = 30
	defaultTriggerWorkers      = 1
	defaultTriggerRetention    = 30 * 24 * time.Hour
	defaultDispatcherBatchSize = 10
	defaultFanoutRecoveryAge   = 10 * time.Minute
	fanoutRecoveryBatch        = 100
)

// Options configures a Service. Stores and the encrypter are required;
// everything else has defaults.
type Options struct {
	Graphs   graph.Store
	Nodes    noderegistry.Store
	States   state.Store
	Runs     runs.Store
	Triggers triggers.Store

	Encrypter *secrets.Encrypter
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics

	// Clock is the time source; defaults to time.Now. Tests inject a fake.
	Clock func() time.Time

	// DefaultTimeoutMinutes bounds QUEUED states whose template and
	// registered node declare no timeout.
	DefaultTimeoutMinutes int
	// TriggerWorkers is the number of concurrent workers per cron tick.
	TriggerWorkers int
	// TriggerRetention sets expires_at on terminal trigger rows.
	TriggerRetention time.Duration

	// ValidWaitInterval and ValidWaitTimeout bound the fan-out engine's
	// poll for a VALID template.
	ValidWaitInterval time.Duration
	ValidWaitTimeout  time.Duration

	// FanoutRecoveryAge is how long a state may sit EXECUTED before the
	// recovery sweep re-runs its fan-out.
	FanoutRecoveryAge time.Duration
}

// Service is the workflow execution engine.
type Service struct {
	graphs   graph.Store
	nodes    noderegistry.Store
	states   state.Store
	runs     runs.Store
	triggers triggers.Store

	encrypter *secrets.Encrypter
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	schemas   *noderegistry.SchemaCache
	clock     func() time.Time

	defaultTimeoutMinutes int
	triggerWorkers        int
	triggerRetention      time.Duration
	validWaitInterval     time.Duration
	validWaitTimeout      time.Duration
	fanoutRecoveryAge     time.Duration

	// wg tracks background tasks spawned by operations (validation,
	// fan-out) so shutdown and tests can drain them.
	wg sync.WaitGroup
}

// New creates a Service from the options.
func New(opts Options) (*Service, error) {
	if opts.Graphs == nil || opts.Nodes == nil || opts.States == nil ||
		opts.Runs == nil || opts.Triggers == nil {
		return nil, errors.New("all stores are required")
	}
	if opts.Encrypter == nil {
		return nil, errors.New("encrypter is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DefaultTimeoutMinutes <= 0 {
		opts.DefaultTimeoutMinutes = defaultTimeoutMinutes
	}
	if opts.TriggerWorkers <= 0 {
		opts.TriggerWorkers = defaultTriggerWorkers
	}
	if opts.TriggerRetention <= 0 {
		opts.TriggerRetention = defaultTriggerRetention
	}
	if opts.ValidWaitInterval <= 0 {
		opts.ValidWaitInterval = defaultValidWaitInterval
	}
	if opts.ValidWaitTimeout <= 0 {
		opts.ValidWaitTimeout = defaultValidWaitTimeout
	}
	if opts.FanoutRecoveryAge <= 0 {
		opts.FanoutRecoveryAge = defaultFanoutRecoveryAge
	}
	return &Service{
		graphs:                opts.Graphs,
		nodes:                 opts.Nodes,
		states:                opts.States,
		runs:                  opts.Runs,
		triggers:              opts.Triggers,
		encrypter:             opts.Encrypter,
		logger:                opts.Logger,
		metrics:               opts.Metrics,
		schemas:               noderegistry.NewSchemaCache(),
		clock:                 opts.Clock,
		defaultTimeoutMinutes: opts.DefaultTimeoutMinutes,
		triggerWorkers:        opts.TriggerWorkers,
		triggerRetention:      opts.TriggerRetention,
		validWaitInterval:     opts.ValidWaitInterval,
		validWaitTimeout:      opts.ValidWaitTimeout,
		fanoutRecoveryAge:     opts.FanoutRecoveryAge,
	}, nil
}

// now returns the clock time in UTC.
func (s *Service) now() time.Time { return s.clock().UTC() }

// nowMillis returns the clock time in wall-clock milliseconds.
func (s *Service) nowMillis() int64 { return s.clock().UnixMilli() }

// spawn runs fn on a tracked goroutine, detached from the caller's
// cancellation so an HTTP response does not abort the background work.
func (s *Service) spawn(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until every spawned background task has finished.
func (s *Service) Wait() { s.wg.Wait() }
