package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"k8s-ai-assistant/internal/api"
	"k8s-ai-assistant/internal/collector"
	"k8s-ai-assistant/internal/predictor"
	"k8s-ai-assistant/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func Run(st *state) *cobra.Command {
	var noAPI, apiOnly bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the monitoring loop, the log tailer and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noAPI && apiOnly {
				return errors.New("--no-api and --api-only cannot be combined")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, st, !apiOnly, !noAPI)
		},
	}
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "run the monitoring loop without the HTTP API")
	cmd.Flags().BoolVar(&apiOnly, "api-only", false, "serve the HTTP API without the monitoring loop")
	return cmd
}

func run(ctx context.Context, st *state, monitor, serve bool) error {
	a, err := st.build(needs{cluster: true, forecast: true, llm: true})
	if err != nil {
		return err
	}
	logger := st.logger
	if a.watched != nil && !st.noWatch {
		a.watched.Watch()
		logger.Info("watching runtime configuration", zap.String("path", a.watched.Path()))
	}

	rt := a.source.Current()
	logger.Info("assistant starting",
		zap.String("mode", string(rt.Mode)),
		zap.String("automation", string(rt.Automation)),
		zap.Bool("auto_remediation", rt.AutoRemediation),
		zap.Bool("dry_run", st.cfg.Kubernetes.DryRun),
		zap.Bool("cluster_connected", a.collector.Connected()),
		zap.String("llm_backend", a.assistant.Backend()))
	go a.assistant.CheckHealth(ctx)

	opts := []scheduler.Option{
		scheduler.WithForecaster(a.forecaster),
		scheduler.WithHistory(a.history),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(a.metrics),
	}
	if a.storage != nil {
		opts = append(opts, scheduler.WithStorage(a.storage))
	}
	sched := scheduler.New(scheduler.FromConfig(st.cfg), a.collector, a.executor, a.source, opts...)
	tailer := collector.NewLogTailer(a.clientset, logger, a.metrics)
	tailer.OnEntry = a.observeLog

	g, gctx := errgroup.WithContext(ctx)
	if monitor {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			tailer.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			if !sched.Stop() {
				logger.Warn("monitoring loop still busy at shutdown")
			}
			return nil
		})
	}

	if serve {
		server := api.NewServer(st.cfg.API, api.NewHandler(api.Deps{
			Collector:        a.collector,
			Executor:         a.executor,
			Classifier:       a.classifier,
			Source:           a.source,
			Assistant:        a.assistant,
			Forecaster:       a.forecaster,
			Storage:          a.storage,
			Logs:             tailer,
			Scheduler:        sched,
			Metrics:          a.metrics,
			Logger:           logger,
			ForecastDays:     st.cfg.Forecasting.Days,
			ForecastResource: predictor.Resource(st.cfg.Forecasting.Resource),
		}), logger)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	a.saveHistory()
	logger.Info("assistant stopped")
	return err
}
