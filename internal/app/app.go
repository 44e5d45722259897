package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/adapter/repository/postgres"
	"github.com/connectica/enrichd/internal/admission"
	"github.com/connectica/enrichd/internal/api"
	"github.com/connectica/enrichd/internal/config"
	"github.com/connectica/enrichd/internal/dispatch"
	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/entity"
	"github.com/connectica/enrichd/internal/domain/serviceconfig"
	"github.com/connectica/enrichd/internal/eligibility"
	"github.com/connectica/enrichd/internal/seqqueue"
	"github.com/connectica/enrichd/internal/stats"
	"github.com/connectica/enrichd/internal/usecase/enrichment"
	"github.com/connectica/enrichd/pkg/db"
	zaplog "github.com/connectica/enrichd/pkg/log"
	"github.com/connectica/enrichd/pkg/snowflake"
	"github.com/connectica/enrichd/sql/migrations"
)

// RunServer starts the HTTP server and background workers.
func RunServer() {
	app := fx.New(
		fx.Provide(
			// Config
			config.Load,

			// Infrastructure (Adapters)
			newRedisClient,

			// Domain Adapters (Bind Interfaces)
			fx.Annotate(
				postgres.NewAuditStore,
				fx.As(new(audit.Store)),
			),
			fx.Annotate(
				postgres.NewConfigStore,
				fx.As(new(serviceconfig.Source)),
			),
			fx.Annotate(
				postgres.NewCandidateSource,
				fx.As(new(entity.Source)),
			),

			// Scheduling core
			serviceconfig.NewRegistry,
			newEngine,
			admission.NewController,
			newDispatcher,
			newQueues,
			newReaper,
			newAggregator,

			// Use Cases
			enrichment.NewRequestUseCase,

			// API
			api.NewRouter,
		),
		db.Module,        // Database Module
		snowflake.Module, // Snowflake ID Module
		zaplog.Module,    // Logger Module
		fx.Invoke(registerRunners),
		fx.Invoke(registerHooks),
	)

	app.Run()
}

// RunMigrations executes database migrations (up or down).
func RunMigrations(command string) error {
	if command == "" {
		command = "up"
	}

	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting database migration...", zap.String("command", command))

	dbURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBSSLMode,
	)

	d, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migration files: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, dbURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration up failed: %w", err)
		}
		if err == migrate.ErrNoChange {
			logger.Info("No changes to apply")
		} else {
			logger.Info("Migration up applied successfully")
		}
	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration down failed: %w", err)
		}
		logger.Info("Migration down applied successfully")
	default:
		return fmt.Errorf("unknown migration command: %s", command)
	}

	return nil
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func newEngine(registry *serviceconfig.Registry, store audit.Store, cfg *config.Config, logger *zap.Logger) *eligibility.Engine {
	return eligibility.NewEngine(registry, store, logger).
		WithDebounceWindow(cfg.DebounceWindow)
}

func newDispatcher(store audit.Store, cfg *config.Config, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(store, logger, cfg.DispatchRatePerS)
}

// logLauncher is the default promotion hand-off. Vendor integrations replace
// it by embedding the library; the service shell only records that the queue
// head changed.
type logLauncher struct {
	logger *zap.Logger
}

func (l *logLauncher) Launch(ctx context.Context, job seqqueue.Job) error {
	l.logger.Info("sequential_job_launched",
		zap.String("job_id", job.JobID),
		zap.Int64("entity_id", job.EntityID),
		zap.String("service_type", job.ServiceType),
	)
	return nil
}

func newQueues(cfg *config.Config, client *redis.Client, logger *zap.Logger) (map[string]*seqqueue.Queue, []*seqqueue.Queue) {
	byName := make(map[string]*seqqueue.Queue, len(cfg.SeqQueueServices))
	all := make([]*seqqueue.Queue, 0, len(cfg.SeqQueueServices))
	launcher := &logLauncher{logger: logger.Named("launcher")}
	for _, name := range cfg.SeqQueueServices {
		q := seqqueue.NewQueue(client, name, launcher, logger).
			WithMaxJobDuration(cfg.MaxJobDuration)
		byName[name] = q
		all = append(all, q)
	}
	return byName, all
}

func newReaper(queues []*seqqueue.Queue, cfg *config.Config, logger *zap.Logger) *seqqueue.Reaper {
	return seqqueue.NewReaper(queues, cfg.ReaperInterval, logger)
}

// queueDepths reports sequential queue depth per service; services without a
// queue report zero.
type queueDepths struct {
	queues map[string]*seqqueue.Queue
}

func (p *queueDepths) QueueDepth(ctx context.Context, serviceName string) (int64, error) {
	q, ok := p.queues[serviceName]
	if !ok {
		return 0, nil
	}
	return q.Depth(ctx)
}

func newAggregator(
	engine *eligibility.Engine,
	store audit.Store,
	candidates entity.Source,
	queues map[string]*seqqueue.Queue,
	cfg *config.Config,
	logger *zap.Logger,
) *stats.Aggregator {
	return stats.NewAggregator(engine, store, candidates, &queueDepths{queues: queues}, cfg.StatsCacheTTL, logger)
}

// registerRunners binds sequential-queue services to queue-backed runners and
// wires the stats invalidation hook.
func registerRunners(dispatcher *dispatch.Dispatcher, queues map[string]*seqqueue.Queue, aggregator *stats.Aggregator) {
	for name, q := range queues {
		dispatcher.Register(name, seqqueue.NewQueueRunner(q))
	}
	dispatcher.SetInvalidator(aggregator)
}

func registerHooks(lc fx.Lifecycle, router *api.Router, registry *serviceconfig.Registry, reaper *seqqueue.Reaper, cfg *config.Config, logger *zap.Logger) {
	var registryCancel context.CancelFunc
	var reaperCancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting HTTP server", zap.String("port", cfg.Port))

			if err := registry.Reload(ctx); err != nil {
				return fmt.Errorf("load service configurations: %w", err)
			}

			registryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			registryCancel = cancel
			go registry.Run(registryCtx, cfg.RegistryReload)

			reaperCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			reaperCancel = cancel
			go reaper.Run(reaperCtx)

			go func() {
				if err := router.Run(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Server failed to start", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server gracefully...")

			if registryCancel != nil {
				registryCancel()
			}
			if reaperCancel != nil {
				reaperCancel()
			}

			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			if err := router.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
				return err
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		},
	})
}
