package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/app/bootstrap"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("expiry-worker starting up", zap.String("env", cfg.Env), zap.Duration("interval", cfg.WorkerInterval))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.BuildRuntime(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("runtime init failed", zap.Error(err))
	}
	defer rt.Close()
	if !rt.Shared() {
		logger.Fatal("expiry-worker needs POSTGRES_DSN; in-memory state is private to the api-server")
	}

	m := metrics.New(prometheus.NewRegistry())
	svc, err := bootstrap.BuildServices(cfg, rt, m, logger)
	if err != nil {
		logger.Fatal("service init failed", zap.Error(err))
	}

	w := &worker{rt: rt, svc: svc, metrics: m, log: logger}

	// Run once at startup
	w.runOnce(rootCtx)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			w.runOnce(rootCtx)
		}
	}
}

type worker struct {
	rt      *bootstrap.Runtime
	svc     *bootstrap.Services
	metrics *metrics.Metrics
	log     *zap.Logger
}

func (w *worker) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	released, err := w.rt.Slots.ExpireHolds(runCtx, start)
	if err != nil {
		w.log.Error("hold expiry failed", zap.Error(err))
		return
	}
	w.metrics.ObserveExpiredHolds(len(released))

	// reservations only live across processes when Redis backs them
	settled := 0
	if w.rt.Redis != nil {
		settled, err = w.svc.Coordinator.ExpireStale(runCtx)
		if err != nil {
			w.log.Error("reservation expiry failed", zap.Error(err))
		}
	}

	w.log.Info("expiry run complete",
		zap.Int("holds_released", len(released)),
		zap.Int("reservations_settled", settled),
		zap.Duration("took", time.Since(start)),
	)
}
