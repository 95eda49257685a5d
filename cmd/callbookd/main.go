package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/internal/clock"
	"github.com/MarkoPoloResearchLab/callbook/internal/config"
	"github.com/MarkoPoloResearchLab/callbook/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/callbook/internal/httpapi"
	"github.com/MarkoPoloResearchLab/callbook/internal/logging"
	"github.com/MarkoPoloResearchLab/callbook/internal/metrics"
	"github.com/MarkoPoloResearchLab/callbook/internal/notify"
	"github.com/MarkoPoloResearchLab/callbook/internal/realtime"
	"github.com/MarkoPoloResearchLab/callbook/internal/rooms"
	"github.com/MarkoPoloResearchLab/callbook/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/callbook/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/callbook/internal/sweeper"
	"github.com/MarkoPoloResearchLab/callbook/internal/telemetry"
	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
	"github.com/MarkoPoloResearchLab/callbook/pkg/orchestrator"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "callbookd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg config.Config
	cmd := &cobra.Command{
		Use:           "callbookd",
		Short:         "Paid video-session booking server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cmd)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	config.RegisterFlags(cmd)
	return cmd
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry(version))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := prepareSchema(gormDB); err != nil {
		return err
	}
	store := gormstore.New(gormDB)

	ledgerStore, closeLedgerStore, err := openLedgerStore(ctx, driver, cfg.DatabaseURL, store)
	if err != nil {
		return err
	}
	defer closeLedgerStore()

	systemClock := clock.NewSystem()
	ledgerService, err := ledger.NewService(ledgerStore, clock.UnixFunc(systemClock), ledger.WithOperationLogger(logging.NewOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	registry := metrics.New()
	roomClient, err := rooms.New(cfg.Rooms(), rooms.WithLogger(logger), rooms.WithRequestCounter(registry.RoomRequests()))
	if err != nil {
		return err
	}

	redisClient, publisher, err := openRealtime(ctx, cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	notifier, closeNotifier, err := openNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	service, err := orchestrator.New(orchestrator.Dependencies{
		Bookings:     store,
		Availability: store,
		Ledger:       ledgerService,
		Rooms:        roomClient,
		Notifier:     notifier,
		Publisher:    publisher,
		Clock:        systemClock,
	}, cfg.Orchestrator(), orchestrator.WithLogger(logger), orchestrator.WithObserver(registry))
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	deadlines, err := sweeper.New(cfg.Sweeper(), store, service, systemClock, sweeper.WithLogger(logger), sweeper.WithResultHook(registry.ObserveSweep))
	if err != nil {
		return err
	}
	if err := deadlines.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := deadlines.Shutdown(); err != nil {
			logger.Warn("sweeper shutdown failed", zap.Error(err))
		}
	}()

	api, err := httpapi.New(httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		HistoryLimit:      cfg.HistoryLimit,
	}, service, ledgerService, httpapi.WithLogger(logger), httpapi.WithMetrics(registry))
	if err != nil {
		return err
	}

	probes, err := healthProbes(gormDB, redisClient)
	if err != nil {
		return err
	}
	health, err := grpcserver.New(probes, grpcserver.WithLogger(logger))
	if err != nil {
		return err
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	errCh := make(chan error, 2)
	go func() { errCh <- api.Run(serveCtx) }()
	go func() { errCh <- health.ListenAndServe(serveCtx, cfg.HealthAddr) }()

	// whichever server stops first takes the other one down
	err = <-errCh
	cancelServe()
	if secondErr := <-errCh; err == nil {
		err = secondErr
	}
	logger.Info("shutdown complete")
	return err
}

// openLedgerStore uses the native pgx store on postgres and the gorm store otherwise.
func openLedgerStore(ctx context.Context, driver string, dsn string, fallback *gormstore.Store) (ledger.Store, func(), error) {
	if driver != driverPostgres {
		return fallback, func() {}, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}

// openRealtime connects to redis when configured; otherwise changes are discarded.
func openRealtime(ctx context.Context, redisURL string, logger *zap.Logger) (*redis.Client, orchestrator.Publisher, error) {
	if redisURL == "" {
		logger.Info("realtime feed disabled: no redis url")
		return nil, realtime.Discard{}, nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, realtime.NewPublisher(client), nil
}

// openNotifier publishes to RabbitMQ when configured; otherwise notifications are logged.
func openNotifier(cfg config.Config, logger *zap.Logger) (orchestrator.Notifier, func(), error) {
	if cfg.AMQPURL == "" {
		logger.Info("notifications logged only: no amqp url")
		return notify.NewLogNotifier(logger), func() {}, nil
	}
	notifier, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, notify.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return notifier, func() {
		if err := notifier.Close(); err != nil {
			logger.Warn("amqp close failed", zap.Error(err))
		}
	}, nil
}
