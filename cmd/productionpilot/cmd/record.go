package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fkirchmann/ProductionPilot/internal/connection"
	"github.com/fkirchmann/ProductionPilot/internal/core/api"
	"github.com/fkirchmann/ProductionPilot/internal/core/server"
	"github.com/fkirchmann/ProductionPilot/internal/directory"
	"github.com/fkirchmann/ProductionPilot/internal/metric"
	"github.com/fkirchmann/ProductionPilot/internal/recording"
	"github.com/fkirchmann/ProductionPilot/internal/subscription"
)

const shutdownTimeout = 30 * time.Second

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record all parameters until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().String("server-url", "", "OPC UA server endpoint (overrides opc.server_url)")
	recordCmd.Flags().String("host", "", "status server host (overrides status.host)")
	recordCmd.Flags().Int("port", 0, "status server port (overrides status.port)")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("server-url") {
		cfg.OPC.ServerURL, _ = cmd.Flags().GetString("server-url")
	}
	if cmd.Flags().Changed("host") {
		cfg.Status.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Status.Port, _ = cmd.Flags().GetInt("port")
	}
	if err := cfg.RequireServer(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	reg := metric.NewRegistry()
	metrics := metric.New(reg)

	manager := subscription.NewManager(subscriptionConfig(cfg), logger, metrics)
	conn := connection.New(dialer(cfg, logger), manager,
		connection.Config{RetryInterval: cfg.OPC.ConnectRetryInterval}, logger, metrics)
	reconciler := recording.New(store, manager, conn, recording.Config{
		EarlyTolerance: cfg.Recording.EarlyTolerance,
		ReadTimeout:    cfg.Recording.ReadTimeout,
	}, logger, metrics)
	dir := directory.New(store, reconciler, directory.Config{PollInterval: cfg.Directory.PollInterval}, logger)

	grpcServer, err := server.NewGRPCServer(cfg.Status, api.NewStatusService(reconciler), conn, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := grpcServer.Listen(); err != nil {
		return err
	}
	var metricServer *metric.Server
	if cfg.Status.MetricsAddr != "" {
		metricServer = metric.NewServer(cfg.Status.MetricsAddr, reg, logger)
	}

	initial, err := dir.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to list parameters: %w", err)
	}

	logger.Info("recorder: starting", "version", Version, "server", cfg.OPC.ServerURL, "parameters", len(initial))

	// The worker and the session outlive ctx: on shutdown the worker deletes
	// its groups first, and only then is the session closed.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	sessionCtx, stopSession := context.WithCancel(context.Background())
	defer stopSession()
	workerDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(workerDone)
		return ignoreCanceled(manager.Run(workerCtx))
	})
	g.Go(func() error { return ignoreCanceled(conn.Run(sessionCtx)) })
	g.Go(func() error { return grpcServer.Start(gctx) })
	if metricServer != nil {
		g.Go(metricServer.Start)
	}

	reconciler.Start(gctx, initial)
	g.Go(func() error { return dir.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("recorder: shutting down")

		reconciler.Stop()
		stopWorker()
		<-workerDone
		stopSession()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		errs = append(errs, grpcServer.Shutdown(shutdownCtx))
		if metricServer != nil {
			errs = append(errs, metricServer.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("recorder: stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
