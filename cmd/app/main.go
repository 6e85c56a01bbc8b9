package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"omnidesk/internal/automation"
	"omnidesk/internal/cache"
	"omnidesk/internal/config"
	"omnidesk/internal/deadletter"
	"omnidesk/internal/inbox"
	"omnidesk/internal/logging"
	"omnidesk/internal/metrics"
	"omnidesk/internal/notify"
	"omnidesk/internal/repo"
	"omnidesk/internal/tenant"
	"omnidesk/migrations"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "omnidesk",
		Short:         "Multi-tenant WhatsApp and Instagram inbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a config file (default ./config.yaml when present)")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newDeadLetterCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// runtime holds what every command loads first.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func load(opts *rootOptions) (*runtime, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &runtime{
		cfg:     cfg,
		logger:  logging.NewLogger(cfg.Log.Level, cfg.Log.Format),
		metrics: metrics.Registry(cfg.Metrics.Namespace),
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openRepository(ctx context.Context, rt *runtime) (repo.Repository, error) {
	db := rt.cfg.Database
	switch db.Driver {
	case "sqlite":
		return repo.NewSQLite(ctx, db.SQLitePath, rt.logger)
	default:
		return repo.New(ctx, db.URL, db.Schema, rt.logger)
	}
}

// core is the ingestion pipeline shared by serve and deadletter replay.
type core struct {
	repository repo.Repository
	redis      *cache.Redis
	dead       deadletter.Store
	notifier   notify.Emitter
	dispatcher *automation.Dispatcher
	engine     *inbox.Engine
	closers    []func() error
}

func (c *core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildCore(ctx context.Context, rt *runtime) (*core, error) {
	cfg := rt.cfg
	logger := rt.logger
	c := &core{}

	repository, err := openRepository(ctx, rt)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	c.repository = repository
	c.closers = append(c.closers, func() error { repository.Close(); return nil })

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated", "driver", cfg.Database.Driver)

	if cfg.Redis.Addr != "" {
		c.redis = cache.New(cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			UseTLS:   cfg.Redis.TLS,
		}, logger)
		c.closers = append(c.closers, c.redis.Close)
		if err := c.redis.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		c.dead = deadletter.NewRedisSink(c.redis, cfg.DeadLetter.Key, cfg.DeadLetter.MaxLength, logger, rt.metrics)
	} else {
		logger.Warn("redis not configured, dead letters are kept in memory")
		c.dead = deadletter.NewMemorySink(int(cfg.DeadLetter.MaxLength), logger, rt.metrics)
	}

	emitters := notify.Multi{notify.NewStoreEmitter(repository, logger)}
	if cfg.RabbitMQ.URL != "" {
		publisher, err := notify.NewAMQPPublisher(notify.AMQPConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			Producer:   cfg.RabbitMQ.Producer,
		}, logger)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("init rabbitmq publisher: %w", err)
		}
		c.closers = append(c.closers, publisher.Close)
		emitters = append(emitters, publisher)
	}
	c.notifier = emitters

	c.dispatcher = automation.NewDispatcher(automation.Config{
		Workers:     cfg.Automation.Workers,
		QueueSize:   cfg.Automation.QueueSize,
		MaxAttempts: cfg.Automation.MaxAttempts,
		BackoffBase: cfg.Automation.BackoffBase,
		BackoffCap:  cfg.Automation.BackoffCap,
	}, automation.NewClient(cfg.Automation.Timeout, rt.metrics), c.dead, c.notifier, logger, rt.metrics)

	resolver := tenant.New(repository, logger, rt.metrics, tenant.Config{LegacyFallback: cfg.Resolver.LegacyFallback})
	var tenants inbox.TenantResolver = resolver
	if c.redis != nil && cfg.Resolver.CacheTTL > 0 {
		tenants = tenant.NewCaching(resolver, c.redis, cfg.Resolver.CacheTTL, logger, rt.metrics)
	}

	c.engine = inbox.New(tenants, inbox.Stores{
		Conversations: repository,
		Messages:      repository,
		Settings:      repository,
	}, c.dispatcher, c.notifier, logger, rt.metrics)
	return c, nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured driver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load(opts)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			repository, err := openRepository(ctx, rt)
			if err != nil {
				return fmt.Errorf("init repository: %w", err)
			}
			defer repository.Close()
			if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			rt.logger.Info("database migrated", "driver", rt.cfg.Database.Driver)
			return nil
		},
	}
}
