// Package main is the entry point of the XP engine HTTP service.
//
// Startup order: configuration, logging, tracing, the store (the process
// exits if it cannot be reached), migrations, event fan-out, handlers and
// finally the HTTP server. SIGINT or SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/eduplatform/xp-engine/config"
	"github.com/eduplatform/xp-engine/internal/application/command"
	"github.com/eduplatform/xp-engine/internal/application/ledger"
	"github.com/eduplatform/xp-engine/internal/application/query"
	"github.com/eduplatform/xp-engine/internal/domain/leveling"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/infrastructure/messaging"
	"github.com/eduplatform/xp-engine/internal/infrastructure/persistence/postgres"
	redisstore "github.com/eduplatform/xp-engine/internal/infrastructure/persistence/redis"
	httpapi "github.com/eduplatform/xp-engine/internal/interface/http"
	"github.com/eduplatform/xp-engine/internal/interface/http/handlers"
	"github.com/eduplatform/xp-engine/internal/observability"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION AND LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		Format:    cfg.Observability.LogFormat,
		AddCaller: true,
	})
	defer log.Sync()

	log.Info("starting xp engine",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.Int("xp_per_level", cfg.XP.PerLevel),
	)

	policy, err := leveling.New(cfg.XP.PerLevel)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. TRACING
	// ─────────────────────────────────────────────────────────────────────────
	shutdownTracing := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.Observability.TracingEnabled,
		ServiceName: cfg.App.Name,
		Environment: string(cfg.App.Environment),
		Version:     cfg.App.Version,
		Endpoint:    cfg.Observability.TracingEndpoint,
		Insecure:    cfg.Observability.TracingInsecure,
		Headers:     observability.ParseHeaders(cfg.Observability.TracingHeaders),
		SampleRatio: cfg.Observability.TracingSampleRatio,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 3. STORE
	// ─────────────────────────────────────────────────────────────────────────
	gw := postgres.NewGateway(gatewayConfig(cfg.Database), log)
	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("database: %s", shared.UserMessage(err, "unavailable"))
	}
	defer gw.Close()

	if cfg.Database.Migrate {
		applied, err := postgres.NewMigrator(gw, log).Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("schema is up to date", logger.Int("applied", len(applied)))
	}

	students := postgres.NewStudentRepository(gw, policy)
	entries := postgres.NewLedgerRepository(gw)
	lessons := postgres.NewLessonRepository(gw)
	progress := postgres.NewProgressRepository(gw)

	health := handlers.NewHealthChecker(cfg.App.Version)
	health.AddCheck("database", gw.Ping, true)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. EVENTS
	// ─────────────────────────────────────────────────────────────────────────
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.Logger = log
	bus := messaging.NewInMemoryEventBus(busCfg)
	defer bus.Close()

	if err := bus.SubscribeAll(func(ev shared.Event) error {
		log.Debug("domain event",
			logger.String("event_type", string(ev.EventType())),
			logger.String("aggregate_id", ev.AggregateID()),
		)
		return nil
	}); err != nil {
		return err
	}

	var publisher shared.EventPublisher = bus
	if cfg.Redis.Enabled {
		rc, err := redisstore.NewClient(ctx, redisConfig(cfg.Redis))
		if err != nil {
			// Events are best effort; the engine runs without Redis.
			log.Warn("redis unavailable, events stay in process", logger.Err(err))
		} else {
			defer rc.Close()
			health.AddCheck("redis", rc.Ping, false)

			publisher, err = messaging.NewRedisPublisher(messaging.RedisPublisherConfig{
				Client:  rc,
				Local:   bus,
				Timeout: cfg.Redis.PublishTimeout,
				Logger:  log,
			})
			if err != nil {
				return err
			}
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. APPLICATION
	// ─────────────────────────────────────────────────────────────────────────
	ledgerSvc := ledger.NewService(students, publisher, log)

	server := httpapi.NewServer(httpConfig(cfg), httpapi.Dependencies{
		ViewLesson: command.NewViewLessonHandler(students, lessons, progress, ledgerSvc),
		CompleteLesson: command.NewCompleteLessonHandler(command.CompleteLessonDeps{
			Tx:       gw,
			Students: students,
			Lessons:  lessons,
			Progress: progress,
			Rewards:  entries,
			Ledger:   ledgerSvc,
			Logger:   log,
		}),
		AdminXP:        command.NewAdminXPHandler(students, ledgerSvc, log),
		XPSummary:      query.NewGetXPSummaryHandler(students, policy),
		LessonProgress: query.NewGetLessonProgressHandler(lessons, progress),
		AdminStudent:   query.NewAdminGetStudentHandler(students, entries, progress),
		Reconciliation: query.NewReconciliationReportHandler(progress),
		Logger:         log,
		Health:         health,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 6. SERVE UNTIL SIGNALLED
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("starting graceful shutdown", logger.Duration("timeout", cfg.App.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown completed with errors", logger.Err(err))
		return err
	}
	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG MAPPING
// ══════════════════════════════════════════════════════════════════════════════

func gatewayConfig(c config.DatabaseConfig) postgres.Config {
	return postgres.Config{
		URL:               c.URL,
		Host:              c.Host,
		Port:              c.Port,
		Database:          c.Name,
		User:              c.User,
		Password:          c.Password,
		SSLMode:           c.SSLMode,
		MaxConns:          c.MaxConns,
		MinConns:          c.MinConns,
		MaxConnLifetime:   c.ConnMaxLifetime,
		MaxConnIdleTime:   c.ConnMaxIdleTime,
		HealthCheckPeriod: postgres.DefaultConfig().HealthCheckPeriod,
		ConnectTimeout:    c.ConnectTimeout,
		ConnectAttempts:   c.ConnectAttempts,
		ConnectRetryDelay: c.ConnectRetryDelay,
	}
}

func redisConfig(c config.RedisConfig) redisstore.Config {
	rc := redisstore.DefaultConfig()
	rc.URL = c.URL
	rc.Host = c.Host
	rc.Port = c.Port
	rc.Password = c.Password
	rc.DB = c.DB
	rc.PoolSize = c.PoolSize
	rc.DialTimeout = c.DialTimeout
	return rc
}

func httpConfig(cfg *config.Config) httpapi.Config {
	hc := httpapi.DefaultConfig()
	hc.Host = cfg.HTTP.Host
	hc.Port = cfg.HTTP.Port
	hc.ReadTimeout = cfg.HTTP.ReadTimeout
	hc.WriteTimeout = cfg.HTTP.WriteTimeout
	hc.IdleTimeout = cfg.HTTP.IdleTimeout
	hc.AllowedOrigins = cfg.HTTP.AllowedOrigins
	hc.AdminKeyHash = cfg.Admin.APIKeyHash
	hc.ServiceName = cfg.App.Name
	hc.Version = cfg.App.Version
	return hc
}
