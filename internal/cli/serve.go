package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"seqtx/admin"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		addr    string
		noSweep bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API and run the sweeper",
		Long: `Serve the admin JSON API until interrupted. The API lists and compacts
series, reports store circuit and sweeper statistics, keeps a log of recent
events and exposes Prometheus metrics at /metrics.

The sweeper runs alongside the API unless --no-sweep is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				listen := rt.Config.Admin.Addr
				if addr != "" {
					listen = addr
				}

				eventStore := admin.NewEventStore(rt.Config.Admin.MaxEvents)
				if err := rt.Events.SubscribeAll(eventStore.EventHandler()); err != nil {
					return err
				}

				worker, err := newSweepWorker(rt, rt.Config.SweepConfig())
				if err != nil {
					return err
				}

				server := admin.NewAdminServer(
					admin.WithAddr(listen),
					admin.WithAdminImpl(admin.NewAdmin(
						admin.WithAdminCoordinator(rt.Coordinator),
						admin.WithAdminBreaker(rt.Breaker),
						admin.WithAdminLogger(rt.Logger),
					)),
					admin.WithServerBreaker(rt.Breaker),
					admin.WithServerSweeper(worker),
					admin.WithEventStore(eventStore),
					admin.WithMetricsHandler(promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{})),
					admin.WithServerLogger(rt.Logger),
				)

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				if !noSweep {
					if err := worker.Start(ctx); err != nil {
						return err
					}
					defer worker.Stop()
				}

				serveErr := make(chan error, 1)
				go func() { serveErr <- server.Start() }()

				select {
				case err := <-serveErr:
					if err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := server.Stop(shutdownCtx); err != nil {
						rt.Logger.Warn("admin server shutdown failed", zap.Error(err))
					}
				}

				return out.Success(statsSummary(worker.Stats()))
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address of the admin API, overrides config")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the sweeper")

	return cmd
}
