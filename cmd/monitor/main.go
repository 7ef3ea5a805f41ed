package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/alert"
	"github.com/hamed0406/uptimewatch/internal/config"
	"github.com/hamed0406/uptimewatch/internal/httpapi"
	"github.com/hamed0406/uptimewatch/internal/logging"
	"github.com/hamed0406/uptimewatch/internal/metrics"
	"github.com/hamed0406/uptimewatch/internal/notify"
	"github.com/hamed0406/uptimewatch/internal/probe"
	"github.com/hamed0406/uptimewatch/internal/scheduler"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.NewLogger(logging.Options{
		Dir:     cfg.Log.Dir,
		Level:   cfg.Log.Level,
		Console: !cfg.Production(),
		Service: "uptimewatch",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("monitor_exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, st.close...)

	transport, tclose, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, tclose...)

	cycleLease, lclose, err := buildLease(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, lclose...)

	notifier := notify.New(transport, logger, notify.Options{
		QueueSize: cfg.Notify.QueueSize,
		Workers:   cfg.Notify.Workers,
		Retry: notify.RetryPolicy{
			Attempts:   cfg.Notify.Attempts,
			Backoff:    cfg.Notify.Backoff,
			Multiplier: 2,
		},
		Metrics: m,
	})

	sched := scheduler.New(scheduler.Deps{
		Logger:   logger,
		Targets:  st.targets,
		Sink:     st.sink,
		Prober:   probe.NewHTTPProber(cfg.Scheduler.ProbeTimeout),
		Engine:   alert.NewEngine(st.alerts, logger),
		Notifier: notifier,
		Owners:   st.owners,
		Lease:    cycleLease,
		Metrics:  m,
	}, scheduler.Config{
		Interval:         cfg.Scheduler.Interval,
		Concurrency:      cfg.Scheduler.Concurrency,
		LeaseTTL:         cfg.Scheduler.LeaseTTL,
		DefaultRecipient: cfg.Notify.DefaultRecipient,
	})

	ops := httpapi.NewServer(logger, sched, reg, cfg.Ops.AllowedOrigins, st.checks...)
	srv := &http.Server{
		Addr:              cfg.Ops.Addr,
		Handler:           ops.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("ops_listen", zap.String("addr", cfg.Ops.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	if st.watch != nil {
		go func() {
			if err := st.watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("targets_watch_stopped", zap.Error(err))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		if err != nil {
			logger.Error("ops_listen_failed", zap.Error(err))
			stop()
		}
	}
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = multierr.Combine(err, srv.Shutdown(shutdownCtx), notifier.Close(shutdownCtx))
	logger.Info("monitor_stopped")
	return err
}
