// Command guardd runs the pipeline guard: the queue worker, scheduler
// catch-up, DLQ healer and periodic recalibration, plus the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jdziat/pipeline-guard/internal/admin"
	"github.com/jdziat/pipeline-guard/internal/config"
	"github.com/jdziat/pipeline-guard/internal/telemetry"
	"github.com/jdziat/pipeline-guard/pkg/alert"
	"github.com/jdziat/pipeline-guard/pkg/budget"
	"github.com/jdziat/pipeline-guard/pkg/calibration"
	"github.com/jdziat/pipeline-guard/pkg/catchup"
	"github.com/jdziat/pipeline-guard/pkg/dlq"
	"github.com/jdziat/pipeline-guard/pkg/queue"
	"github.com/jdziat/pipeline-guard/pkg/schedule"
	"github.com/jdziat/pipeline-guard/pkg/storage"
	"github.com/jdziat/pipeline-guard/pkg/worker"
)

// recalibrateJob is the periodic job that refits the confidence curve.
const recalibrateJob = "calibration.refit"

func main() {
	configPath := flag.String("config", os.Getenv("GUARD_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("guardd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTrace, err := telemetry.Init(ctx, cfg.Service, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	st, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, gormlogger.Warn, cfg.Database.PoolOptions()...)
	if err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	sinks := []alert.Sink{alert.NewLogSink(logger), alert.NewStoreSink(st)}
	if cfg.Kafka.Brokers != "" {
		ks := alert.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	sink := alert.Multi(sinks...)

	governor := budget.New(
		budget.WithConfig(cfg.Budget.Governor()),
		budget.WithAlertSink(sink),
		budget.WithLogger(logger),
	)

	q := queue.New(st)

	svc := catchup.NewService(st,
		catchup.WithAlertSink(sink),
		catchup.WithServiceLogger(logger),
		catchup.WithMissedWindow(cfg.Scheduler.MissedWindow),
		catchup.WithStaleThreshold(cfg.Scheduler.StaleThreshold),
	)
	runner := catchup.NewRunner(svc, q,
		catchup.WithQueue(cfg.Scheduler.Queue),
		catchup.WithCheckInterval(cfg.Scheduler.CheckInterval),
		catchup.WithGracePeriod(cfg.Scheduler.GracePeriod),
		catchup.WithRetention(cfg.Scheduler.Retention),
		catchup.WithRunnerLogger(logger),
	)

	recal := calibration.NewRecalibrator(st,
		calibration.WithWindow(cfg.Calibration.Window),
		calibration.WithRetention(cfg.Calibration.Retention),
		calibration.WithAlertSink(sink),
		calibration.WithLogger(logger),
	)
	if err := recal.Load(ctx); err != nil {
		logger.Warn("starting without calibration parameters", "error", err)
	}
	refit, err := schedule.Parse(cfg.Calibration.Schedule)
	if err != nil {
		return err
	}
	err = runner.Register(recalibrateJob, refit, func(ctx context.Context) error {
		_, err := recal.Recalibrate(ctx)
		return err
	})
	if err != nil {
		return err
	}

	healer := dlq.NewHealer(st, q,
		dlq.WithInterval(cfg.DLQ.Interval),
		dlq.WithBatchSize(cfg.DLQ.BatchSize),
		dlq.WithAdaptiveCooldowns(cfg.DLQ.Adaptive),
		dlq.WithStatsWindow(cfg.DLQ.StatsWindow),
		dlq.WithMinSamples(cfg.DLQ.MinSamples),
		dlq.WithAlertSink(sink),
		dlq.WithLogger(logger),
	)
	healer.Attach(q)

	workerOpts := []worker.WorkerOption{
		worker.PollInterval(cfg.Worker.PollInterval),
		worker.HeartbeatInterval(cfg.Worker.HeartbeatInterval),
		worker.StaleLockReaper(cfg.Worker.ReapInterval, cfg.Worker.StaleGrace),
		worker.WithWorkerID(runner.InstanceID()),
		worker.WithLogger(logger),
	}
	for name, n := range cfg.Worker.Queues {
		workerOpts = append(workerOpts, worker.WorkerQueue(name, worker.Concurrency(n)))
	}
	w := worker.NewWorker(q, workerOpts...)

	router := admin.NewRouter(&admin.App{
		Governor:  governor,
		Scheduler: svc,
		Healer:    healer,
		Store:     st,
		Logger:    logger,
	})

	logger.Info("guardd starting",
		"driver", cfg.Database.Driver,
		"admin_addr", cfg.Admin.Addr,
		"instance_id", runner.InstanceID(),
		"adaptive_dlq", cfg.DLQ.Adaptive,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Start(gctx) })
	g.Go(func() error { return runner.Start(gctx) })
	g.Go(func() error { return healer.Start(gctx) })
	g.Go(func() error { return admin.Serve(gctx, cfg.Admin.Addr, router, logger) })
	return g.Wait()
}
