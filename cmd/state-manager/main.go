// Command state-manager runs the workflow state manager: the JSON/HTTP API,
// the timeout and fan-out recovery sweeps and the cron trigger scheduler,
// backed by MongoDB.
//
// Configuration is read from the environment:
//
//	MONGO_URI               - MongoDB connection string (required)
//	MONGO_DATABASE_NAME     - database name (default: "exosphere-state-manager")
//	STATE_MANAGER_SECRET    - api key runtimes present in x-api-key (required)
//	SECRETS_ENCRYPTION_KEY  - URL-safe base64 of 32 raw bytes (required)
//	TRIGGER_WORKERS         - concurrent workers per cron tick (default: 1)
//	TRIGGER_RETENTION_DAYS  - retention of terminal trigger rows (default: 30)
//	RUN_TTL_DAYS            - retention of runs and states (default: 30)
//	NODE_TIMEOUT_MINUTES    - default node execution timeout (default: 30)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/exospherehost/state-manager/config"
	graphmongo "github.com/exospherehost/state-manager/graph/mongo"
	"github.com/exospherehost/state-manager/manager"
	nodemongo "github.com/exospherehost/state-manager/noderegistry/mongo"
	runsmongo "github.com/exospherehost/state-manager/runs/mongo"
	"github.com/exospherehost/state-manager/secrets"
	"github.com/exospherehost/state-manager/server"
	statemongo "github.com/exospherehost/state-manager/state/mongo"
	"github.com/exospherehost/state-manager/telemetry"
	triggersmongo "github.com/exospherehost/state-manager/triggers/mongo"
)

const (
	sweepInterval = 30 * time.Second
	tickInterval  = time.Minute
)

func main() {
	var (
		httpAddr = flag.String("http", ":8080", "HTTP listen address")
		debug    = flag.Bool("debug", false, "enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *httpAddr); err != nil {
		log.Errorf(ctx, err, "state manager exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, httpAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongodb")
		}
	}()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}

	graphStore, err := graphmongo.New(graphmongo.Options{Client: client, Database: cfg.DatabaseName})
	if err != nil {
		return err
	}
	nodeStore, err := nodemongo.New(nodemongo.Options{Client: client, Database: cfg.DatabaseName})
	if err != nil {
		return err
	}
	stateStore, err := statemongo.New(statemongo.Options{Client: client, Database: cfg.DatabaseName})
	if err != nil {
		return err
	}
	runStore, err := runsmongo.New(runsmongo.Options{Client: client, Database: cfg.DatabaseName})
	if err != nil {
		return err
	}
	triggerStore, err := triggersmongo.New(triggersmongo.Options{Client: client, Database: cfg.DatabaseName})
	if err != nil {
		return err
	}

	for name, ensure := range map[string]func(context.Context) error{
		"graph_templates":  graphStore.EnsureIndexes,
		"registered_nodes": nodeStore.EnsureIndexes,
		"states":           stateStore.EnsureIndexes,
		"triggers":         triggerStore.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			return fmt.Errorf("ensure %s indexes: %w", name, err)
		}
	}
	if err := runStore.EnsureIndexes(ctx, cfg.RunRetention); err != nil {
		return fmt.Errorf("ensure runs indexes: %w", err)
	}

	encrypter, err := secrets.New(cfg.SecretsEncryptionKey)
	if err != nil {
		return fmt.Errorf("build encrypter: %w", err)
	}

	svc, err := manager.New(manager.Options{
		Graphs:                graphStore,
		Nodes:                 nodeStore,
		States:                stateStore,
		Runs:                  runStore,
		Triggers:              triggerStore,
		Encrypter:             encrypter,
		Logger:                telemetry.NewClueLogger(),
		Metrics:               telemetry.NewClueMetrics(),
		DefaultTimeoutMinutes: cfg.NodeTimeoutMinutes,
		TriggerWorkers:        cfg.TriggerWorkers,
		TriggerRetention:      cfg.TriggerRetention,
	})
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	if err := svc.ReconcileTriggers(ctx); err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Service: svc,
		APIKey:  cfg.StateManagerSecret,
		Logger:  telemetry.NewClueLogger(),
		Health:  []health.Pinger{stateStore},
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	httpServer := &http.Server{Addr: httpAddr, Handler: srv.Handler()}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof(ctx, "http server listening on %s", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Timeout sweeper and stuck fan-out recovery.
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := svc.SweepTimeouts(ctx); err != nil {
					log.Errorf(ctx, err, "timeout sweep")
				}
				if _, err := svc.SweepStuckFanouts(ctx); err != nil {
					log.Errorf(ctx, err, "fanout recovery sweep")
				}
			}
		}
	})

	// Cron scheduler tick. Ticks are sequential, so a slow tick coalesces
	// with the next.
	g.Go(func() error {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := svc.SchedulerTick(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Errorf(ctx, err, "scheduler tick")
				}
			}
		}
	})

	err = g.Wait()
	svc.Wait()
	return err
}
