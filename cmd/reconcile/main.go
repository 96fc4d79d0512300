// Package main reports completed lessons that never received their XP reward
// and, with -repair, grants the missing rewards.
//
//	reconcile                 # report only
//	reconcile -repair -limit 500
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eduplatform/xp-engine/config"
	"github.com/eduplatform/xp-engine/internal/application/command"
	"github.com/eduplatform/xp-engine/internal/application/ledger"
	"github.com/eduplatform/xp-engine/internal/application/query"
	"github.com/eduplatform/xp-engine/internal/domain/leveling"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/infrastructure/persistence/postgres"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		repair     = flag.Bool("repair", false, "grant the missing rewards instead of only reporting them")
		limit      = flag.Int("limit", 100, "maximum number of completions to process")
		timeout    = flag.Duration("timeout", 5*time.Minute, "bound on the whole run")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *repair, *limit, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, repair bool, limit int, timeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Options{
		Output:    os.Stderr,
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		Format:    cfg.Observability.LogFormat,
		AddCaller: true,
	}).With(logger.Component("reconcile"))
	defer log.Sync()

	policy, err := leveling.New(cfg.XP.PerLevel)
	if err != nil {
		return err
	}

	gw := postgres.NewGateway(postgres.Config{
		URL:               cfg.Database.URL,
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		Database:          cfg.Database.Name,
		User:              cfg.Database.User,
		Password:          cfg.Database.Password,
		SSLMode:           cfg.Database.SSLMode,
		MaxConns:          2,
		MinConns:          1,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
		ConnectAttempts:   cfg.Database.ConnectAttempts,
		ConnectRetryDelay: cfg.Database.ConnectRetryDelay,
	}, log)
	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("database: %s", shared.UserMessage(err, "unavailable"))
	}
	defer gw.Close()

	progress := postgres.NewProgressRepository(gw)

	if !repair {
		report, err := query.NewReconciliationReportHandler(progress).Handle(ctx, query.ReconciliationReportQuery{Limit: limit})
		if err != nil {
			return err
		}
		return printJSON(report)
	}

	// Events are not fanned out from a one-shot run; the ledger rows are
	// the record of the repair.
	ledgerSvc := ledger.NewService(postgres.NewStudentRepository(gw, policy), nil, log)
	handler := command.NewReconcileRewardsHandler(postgres.NewLessonRepository(gw), progress, ledgerSvc, log)

	stats, err := handler.Handle(ctx, command.ReconcileRewardsCommand{Limit: limit, Timeout: timeout})
	if err != nil {
		return err
	}

	errs := make([]string, 0, len(stats.Errors))
	for _, e := range stats.Errors {
		errs = append(errs, e.Error())
	}
	if err := printJSON(map[string]interface{}{
		"found":      stats.Found,
		"repaired":   stats.Repaired,
		"xp_granted": stats.XPGranted,
		"skipped":    stats.Skipped,
		"errors":     errs,
		"duration":   stats.Duration.String(),
	}); err != nil {
		return err
	}

	if len(stats.Errors) > 0 {
		return fmt.Errorf("%d completions could not be repaired", len(stats.Errors))
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
