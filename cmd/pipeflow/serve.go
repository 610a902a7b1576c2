package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/observability"
)

type serveOptions struct {
	listen          string
	skipRecovery    bool
	shutdownTimeout time.Duration
}

func newServeCmd(root *rootFlags) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a long-lived worker",
		Long: `Run the engine as a long-lived worker.

On start the worker recovers unfinished executions from the database, then
resumes queued executions as wait tokens are notified (over NATS when
configured). /metrics and /healthz are served when metrics are enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "Address for /metrics and /healthz (overrides metrics.listen)")
	cmd.Flags().BoolVar(&opts.skipRecovery, "skip-recovery", false, "Do not resume unfinished executions on start")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for running nodes on shutdown")

	return cmd
}

func runServe(cmd *cobra.Command, root *rootFlags, opts *serveOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := openApp(ctx, "serve", root)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	var ready atomic.Bool
	var server *http.Server
	if app.Config.Metrics.Enabled || opts.listen != "" {
		listen := app.Config.Metrics.Listen
		if opts.listen != "" {
			listen = opts.listen
		}
		var registry *prometheus.Registry
		if app.Metrics != nil {
			registry = app.Metrics.Registry()
		}
		server = &http.Server{
			Addr: listen,
			Handler: observability.NewRouter(registry, func(*http.Request) error {
				if !ready.Load() {
					return errors.New("recovering")
				}
				return nil
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Logger.Error(ctx, "metrics server stopped", "listen", listen, "error", err)
			}
		}()
		app.Logger.Info(ctx, "serving metrics", "listen", listen)
	}

	if !opts.skipRecovery {
		report, err := app.Engine.Recover(ctx)
		if err != nil {
			app.Logger.Error(ctx, "recovery finished with errors", "error", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "recovered %d executions (%d resubmitted, %d interrupted, %d waiting, %d retries, %d aborted)\n",
			report.Executions, report.Resubmitted, report.Interrupted, report.Interventions, report.Retries, report.Terminated)
	}
	ready.Store(true)
	app.Logger.Info(ctx, "pipeflow worker ready", "driver", app.Config.Database.Driver, "workers", app.Config.Workers.Count)

	<-ctx.Done()
	app.Logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	if err := app.Drain(shutdownCtx); err != nil {
		app.Logger.Warn(shutdownCtx, "node work still running at shutdown", "error", err)
	}
	return nil
}
