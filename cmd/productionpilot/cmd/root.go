package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/fkirchmann/ProductionPilot/internal/core/config"
	"github.com/fkirchmann/ProductionPilot/internal/core/db"
	"github.com/fkirchmann/ProductionPilot/internal/opc"
	"github.com/fkirchmann/ProductionPilot/internal/opc/uaclient"
	"github.com/fkirchmann/ProductionPilot/internal/subscription"
)

const Version = "0.1.0"

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:          "productionpilot",
	Short:        "ProductionPilot OPC UA parameter recorder",
	Long:         `ProductionPilot records OPC UA node values into a database at per-parameter sampling rates.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
}

func Execute() error {
	return rootCmd.Execute()
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "trace":
		lvl = subscription.LevelTrace
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (expected trace|debug|info|warn|error)", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (expected json|text)", format)
	}

	return slog.New(handler), nil
}

// setup loads the configuration and builds the logger shared by every command.
func setup() (*config.Config, *slog.Logger, error) {
	logger, err := buildLogger(logLevel, logFormat)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logger, nil
}

func openDatabase(ctx context.Context) (*sqlx.DB, error) {
	if dbURL == "" {
		dbURL = os.Getenv("PP_DB_URL")
	}
	if dbURL == "" {
		return nil, fmt.Errorf("--db-url required")
	}
	return db.Open(ctx, dbURL)
}

// openStore opens the database and checks that its schema is current.
func openStore(ctx context.Context) (*sqlx.DB, *db.Store, error) {
	database, err := openDatabase(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RequireMigrated(ctx, database); err != nil {
		database.Close()
		return nil, nil, err
	}
	store, err := db.NewStore(database)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, store, nil
}

// dialer returns a function opening OPC UA sessions with the configured options.
func dialer(cfg *config.Config, logger *slog.Logger) func(ctx context.Context) (opc.Client, error) {
	opts := uaclient.Options{
		Endpoint:         cfg.OPC.ServerURL,
		HostnameOverride: cfg.OPC.HostnameOverride,
		Username:         cfg.OPC.Username,
		Password:         config.Password(),
		RequestTimeout:   cfg.OPC.RequestTimeout,
		SessionTimeout:   cfg.OPC.SessionTimeout,
		Logger:           logger,
	}
	return func(ctx context.Context) (opc.Client, error) {
		c, err := uaclient.Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func subscriptionConfig(cfg *config.Config) subscription.Config {
	return subscription.Config{
		MaxItemsPerGroup: cfg.Subscription.MaxItemsPerGroup,
		QueueWindow:      cfg.Subscription.QueueWindow,
		MinQueueSize:     uint32(cfg.Subscription.MinQueueSize),
		RetryDelay:       cfg.Subscription.RetryDelay,
	}
}
