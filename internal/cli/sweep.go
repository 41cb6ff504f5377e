package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"seqtx/sweep"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		once        bool
		interval    time.Duration
		series      []string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Compact series periodically until interrupted",
		Long: `Run the background sweeper. Each pass compacts every series the store can
list, or the series named by --series. With the redis backend, sweepers in
different processes skip series another sweeper holds.

When a metrics address is configured the Prometheus endpoint is served at
/metrics for as long as the sweeper runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				cfg := rt.Config.SweepConfig()
				if interval > 0 {
					cfg.Interval = interval
				}
				if len(series) > 0 {
					cfg.Series = series
				}

				worker, err := newSweepWorker(rt, cfg)
				if err != nil {
					return err
				}

				if once {
					worker.ScanOnce(cmd.Context())
					return out.Success(statsSummary(worker.Stats()))
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				addr := rt.Config.Metrics.Addr
				if metricsAddr != "" {
					addr = metricsAddr
				}
				if addr != "" {
					srv := serveMetrics(rt, addr)
					defer func() {
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						_ = srv.Shutdown(shutdownCtx)
					}()
				}

				if err := worker.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				worker.Stop()

				return out.Success(statsSummary(worker.Stats()))
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between passes, overrides config")
	cmd.Flags().StringSliceVar(&series, "series", nil, "series to sweep, overrides config")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address of the /metrics endpoint, overrides config")

	return cmd
}

// newSweepWorker builds a sweeper over the runtime. Sweep locks are only
// available with the redis backend.
func newSweepWorker(rt *Runtime, cfg sweep.Config) (*sweep.Worker, error) {
	opts := []sweep.WorkerOption{
		sweep.WithCoordinator(rt.Coordinator),
		sweep.WithEventBus(rt.Events),
		sweep.WithMetrics(rt.Metrics),
		sweep.WithConfig(cfg),
		sweep.WithLogger(rt.Logger),
	}
	if rt.Locker != nil {
		opts = append(opts, sweep.WithLocker(rt.Locker))
	}
	return sweep.NewWorker(opts...)
}

func serveMetrics(rt *Runtime, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		rt.Logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// SweepSummary is the result of the sweep command.
type SweepSummary struct {
	Scanned   int64 `json:"scanned"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

func (s SweepSummary) String() string {
	return fmt.Sprintf("scanned=%d processed=%d failed=%d skipped=%d",
		s.Scanned, s.Processed, s.Failed, s.Skipped)
}

func statsSummary(st sweep.Stats) SweepSummary {
	return SweepSummary{
		Scanned:   st.ScannedCount,
		Processed: st.ProcessedCount,
		Failed:    st.FailedCount,
		Skipped:   st.SkippedCount,
	}
}
