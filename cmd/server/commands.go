package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/config"
	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/db"
	grpcserver "github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/grpc"
	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/httpapi"
	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/logger"
)

const shutdownTimeout = 15 * time.Second

// RootOptions holds state shared by every subcommand.
type RootOptions struct {
	cfg *config.Config
	log *logrus.Logger
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "operations",
		Short:         "Event-sourced credit and debit operations service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.cfg = config.Load()
			opts.log = logger.New(opts.cfg.LogLevel, cmd.ErrOrStderr())
			return opts.cfg.Validate()
		},
	}

	cmd.AddCommand(
		newServeCommand(opts),
		newWorkerCommand(opts),
		newMigrateCommand(opts),
	)

	return cmd
}

func newServeCommand(opts *RootOptions) *cobra.Command {
	var withWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and gRPC health server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, withWorkers)
		},
	}

	cmd.Flags().BoolVar(&withWorkers, "workers", false, "also run queue consumers in this process")

	return cmd
}

func newWorkerCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queue consumers that process operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.runWorkers(ctx)
		},
	}
}

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := openPool(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(cmd.Context(), pool.Pool); err != nil {
				return err
			}
			opts.log.Info("schema applied")
			return nil
		},
	}
}

func serve(ctx context.Context, opts *RootOptions, withWorkers bool) error {
	cfg, log := opts.cfg, opts.log

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewHandler(a.service, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := grpcserver.NewHealthServer(a.pool, 5*time.Second, log)
	grpcServer := grpcserver.NewServer(health)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}

	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.WithField("port", cfg.GRPCPort).Info("gRPC server starting")
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		health.Watch(ctx)
		return nil
	})

	if withWorkers {
		g.Go(func() error {
			return a.runWorkers(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("servers stopped")
	return nil
}
