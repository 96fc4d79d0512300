// Package main applies, reverts and reports the schema migrations.
//
//	migrate up                # apply pending migrations
//	migrate status            # list migrations as JSON
//	migrate -steps 2 down     # revert the two newest migrations
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eduplatform/xp-engine/config"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/infrastructure/persistence/postgres"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		steps      = flag.Int("steps", 1, "number of migrations to revert with down")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: migrate [-config path] [-steps n] up|down|status\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, flag.Arg(0), *steps); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, action string, steps int) error {
	if action != "up" && action != "down" && action != "status" {
		return fmt.Errorf("unknown action %q", action)
	}
	if action == "down" && steps < 1 {
		return fmt.Errorf("-steps must be at least 1")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Options{
		Output:    os.Stderr,
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		Format:    cfg.Observability.LogFormat,
		AddCaller: true,
	}).With(logger.Component("migrate"))
	defer log.Sync()

	gw := postgres.NewGateway(postgres.Config{
		URL:               cfg.Database.URL,
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		Database:          cfg.Database.Name,
		User:              cfg.Database.User,
		Password:          cfg.Database.Password,
		SSLMode:           cfg.Database.SSLMode,
		MaxConns:          1,
		MinConns:          1,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
		ConnectAttempts:   cfg.Database.ConnectAttempts,
		ConnectRetryDelay: cfg.Database.ConnectRetryDelay,
	}, log)
	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("database: %s", shared.UserMessage(err, "unavailable"))
	}
	defer gw.Close()

	m := postgres.NewMigrator(gw, log)

	switch action {
	case "up":
		applied, err := m.Migrate(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"applied": nonNil(applied)})
	case "down":
		reverted, err := m.Rollback(ctx, steps)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"reverted": nonNil(reverted)})
	default:
		status, err := m.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(status)
	}
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
