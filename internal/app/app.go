// Package app wires configuration into the long-lived harvest services and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/api"
	"github.com/JakeFAU/caseharvest/internal/clock/system"
	"github.com/JakeFAU/caseharvest/internal/config"
	"github.com/JakeFAU/caseharvest/internal/coordinator"
	"github.com/JakeFAU/caseharvest/internal/driver/headless"
	"github.com/JakeFAU/caseharvest/internal/driver/replay"
	"github.com/JakeFAU/caseharvest/internal/harvest"
	"github.com/JakeFAU/caseharvest/internal/hash/sha256"
	"github.com/JakeFAU/caseharvest/internal/id/uuid"
	"github.com/JakeFAU/caseharvest/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/caseharvest/internal/publisher/pubsub"
	"github.com/JakeFAU/caseharvest/internal/retrieval"
	"github.com/JakeFAU/caseharvest/internal/scheduler"
	"github.com/JakeFAU/caseharvest/internal/storage/gcs"
	"github.com/JakeFAU/caseharvest/internal/storage/local"
	"github.com/JakeFAU/caseharvest/internal/storage/postgres"
	"github.com/JakeFAU/caseharvest/internal/store"
	"github.com/JakeFAU/caseharvest/internal/telemetry"
	"github.com/JakeFAU/caseharvest/internal/traversal"
	"github.com/JakeFAU/caseharvest/internal/worker"
)

// App holds the services of one harvest process.
type App struct {
	logger      *zap.Logger
	store       *store.Store
	coordinator *coordinator.Coordinator
	tracker     *api.Tracker
	server      *api.Server
	closers     []func() error
}

// New builds every service named by cfg. It fails fast if an enabled
// backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger, tracker: api.NewTracker()}
	defer func() {
		if err != nil {
			if cerr := a.Close(); cerr != nil {
				logger.Warn("cleanup after failed init", zap.Error(cerr))
			}
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.ServiceName)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		return tp.Shutdown(context.WithoutCancel(ctx))
	})

	clock := system.New()
	a.store, err = store.New(store.Config{RootDir: cfg.Store.RootDir, Fsync: cfg.Store.Fsync}, clock, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	drivers, err := newDriverFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	var retriever harvest.DocumentRetriever
	if cfg.Retrieval.Enabled {
		r, err := a.newRetriever(ctx, cfg)
		if err != nil {
			return nil, err
		}
		retriever = r
	}

	engine := traversal.New(
		traversal.Config{
			PageTimeout: cfg.Traversal.PageTimeout,
			MaxPages:    cfg.Traversal.MaxPages,
			PaceQPS:     cfg.Traversal.PaceQPS,
		},
		harvest.NewExponentialRetryPolicy(cfg.Traversal.MaxRetries, cfg.Traversal.BackoffInitial, cfg.Traversal.BackoffMax),
		sha256.New(),
		logger.Named("traversal"),
	)
	processor := worker.New(engine, a.store, retriever, logger.Named("worker"))

	deps := coordinator.Deps{
		Store:    a.store,
		Drivers:  drivers,
		Executor: processor,
		Observer: a.tracker,
		IDs:      uuid.New(),
		Clock:    clock,
	}
	if cfg.DB.DSN != "" {
		ledger, err := a.openLedger(ctx, cfg)
		if err != nil {
			return nil, err
		}
		deps.Ledger = ledger
	}
	if cfg.PubSub.Topic != "" {
		pub, err := pubsubpublisher.Open(ctx, pubsubpublisher.Config{
			ProjectID: cfg.PubSub.ProjectID,
			Topic:     cfg.PubSub.Topic,
		}, logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		deps.Publisher = pub
		logger.Info("run summaries will be published", zap.String("topic", cfg.PubSub.Topic))
	}

	alloc, err := cfg.AllocationByYear()
	if err != nil {
		return nil, err
	}
	a.coordinator, err = coordinator.New(deps, coordinator.Config{
		WorkerBudget: cfg.Scheduler.WorkerBudget,
		Allocation:   alloc,
		OnCorrupt:    coordinator.CorruptPolicy(cfg.Store.OnCorrupt),
		Scheduler: scheduler.Config{
			MaxAttempts:    cfg.Scheduler.MaxAttempts,
			RestartBackoff: cfg.Scheduler.RestartBackoff,
		},
	}, logger.Named("coordinator"))
	if err != nil {
		return nil, fmt.Errorf("init coordinator: %w", err)
	}

	if cfg.Server.Enabled {
		a.server = api.NewServer(a.tracker, api.Config{Port: cfg.Server.Port, APIKey: cfg.Server.APIKey}, logger.Named("api"))
	}
	return a, nil
}

func newDriverFactory(cfg config.Config, logger *zap.Logger) (harvest.DriverFactory, error) {
	switch cfg.Driver.Kind {
	case config.DriverReplay:
		src, err := replay.LoadFile(cfg.Driver.Fixtures)
		if err != nil {
			return nil, fmt.Errorf("init replay driver: %w", err)
		}
		logger.Info("using replay driver", zap.String("fixtures", cfg.Driver.Fixtures))
		return &replay.Factory{Source: src}, nil
	default:
		f, err := headless.NewFactory(cfg.HeadlessConfig(), logger.Named("driver"))
		if err != nil {
			return nil, fmt.Errorf("init headless driver: %w", err)
		}
		return f, nil
	}
}

func (a *App) newRetriever(ctx context.Context, cfg config.Config) (*retrieval.Retriever, error) {
	var blobs harvest.BlobStore
	switch cfg.Storage.Kind {
	case config.StorageGCS:
		s, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		blobs = s
		a.logger.Info("documents stored in gcs", zap.String("bucket", cfg.Storage.GCSBucket))
	default:
		s, err := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		blobs = s
	}
	pacer := ratelimit.New(ratelimit.Config{RPS: cfg.Retrieval.RPS, Burst: cfg.Retrieval.Burst})
	r, err := retrieval.New(retrieval.Config{
		UserAgent: cfg.Retrieval.UserAgent,
		Timeout:   cfg.Retrieval.Timeout,
		MaxBytes:  cfg.Retrieval.MaxBytes,
	}, blobs, pacer, a.logger.Named("retrieval"))
	if err != nil {
		return nil, fmt.Errorf("init retriever: %w", err)
	}
	return r.WithHasher(sha256.New()), nil
}

func (a *App) openLedger(ctx context.Context, cfg config.Config) (*postgres.Ledger, error) {
	ledger, err := postgres.Open(ctx, postgres.Config{
		DSN:        cfg.DB.DSN,
		RunsTable:  cfg.DB.RunsTable,
		TasksTable: cfg.DB.TasksTable,
		MaxConns:   cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ledger.Close()
		return nil
	})
	if cfg.DB.Migrate {
		if err := ledger.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
	}
	a.logger.Info("run ledger enabled", zap.String("runs_table", cfg.DB.RunsTable))
	return ledger, nil
}

// Store exposes the partition store.
func (a *App) Store() *store.Store {
	return a.store
}

// Tracker exposes live run progress.
func (a *App) Tracker() *api.Tracker {
	return a.tracker
}

// Run harvests scope. The status server, when enabled, serves for the
// duration of the run.
func (a *App) Run(ctx context.Context, scope coordinator.Scope) (coordinator.Summary, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "harvest.run")
	defer span.End()

	if a.server != nil {
		srvCtx, stop := context.WithCancel(ctx)
		srvErr := make(chan error, 1)
		go func() {
			srvErr <- a.server.ListenAndServe(srvCtx)
		}()
		defer func() {
			stop()
			if serr := <-srvErr; serr != nil {
				a.logger.Warn("status server stopped with error", zap.Error(serr))
			}
		}()
	}

	summary, err := a.coordinator.Run(ctx, scope)
	span.SetAttributes(
		attribute.String("run_id", summary.RunID),
		attribute.Int("tasks_failed", summary.TasksFailed),
		attribute.Int("inserted", summary.Inserted),
		attribute.Int("skipped", summary.Skipped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return summary, err
}

// Close shuts services down in reverse order of construction.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
