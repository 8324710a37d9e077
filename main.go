package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron"

	appsync "github.com/aitbekov/kaspi-sync/internal/application/sync"
	"github.com/aitbekov/kaspi-sync/internal/config"
	"github.com/aitbekov/kaspi-sync/internal/infrastructure/id"
	"github.com/aitbekov/kaspi-sync/internal/infrastructure/kaspi"
	"github.com/aitbekov/kaspi-sync/internal/infrastructure/memory"
	"github.com/aitbekov/kaspi-sync/internal/infrastructure/mysql"
	"github.com/aitbekov/kaspi-sync/internal/infrastructure/observability/oteltrace"
	"github.com/aitbekov/kaspi-sync/internal/infrastructure/observability/prometrics"
	"github.com/aitbekov/kaspi-sync/internal/infrastructure/observability/telemetry"
	"github.com/aitbekov/kaspi-sync/internal/infrastructure/observability/zaplogger"
	"github.com/aitbekov/kaspi-sync/internal/infrastructure/rediscursor"
	"github.com/aitbekov/kaspi-sync/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := zaplogger.Must(cfg.LogLevel,
		observability.F("service", cfg.ServiceName),
		observability.F("env", cfg.Env),
	)
	defer func() {
		if s, ok := logger.(interface{ Sync() error }); ok {
			_ = s.Sync()
		}
	}()

	tel := telemetry.New(
		oteltrace.New(cfg.ServiceName),
		logger,
		prometrics.New(prometheus.DefaultRegisterer, "kaspi_sync"),
	)

	ledger, cursor, err := buildStorage(cfg, tel)
	if err != nil {
		logger.Error("storage_init_failed", observability.F("error", err.Error()))
		os.Exit(1)
	}

	gateway := kaspi.New(kaspi.Config{
		BaseURL:   cfg.Kaspi.BaseURL,
		AuthToken: cfg.Kaspi.AuthToken,
		UserAgent: cfg.Kaspi.UserAgent,
	}, nil, tel)

	runner := appsync.NewTaskRunner(ledger, tel, cfg.Sync.CallTimeout)
	orch := appsync.New(gateway, ledger, cursor, runner, id.NewUUIDGenerator(), tel, appsync.Config{
		MaxRounds:   cfg.Sync.MaxRounds,
		Concurrency: cfg.Sync.Concurrency,
		RoundDelay:  cfg.Sync.RoundDelay,
		CallTimeout: cfg.Sync.CallTimeout,
		MaxWindow:   cfg.Sync.MaxWindow,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One run at a time; a slow run makes the next tick a no-op instead
	// of piling up.
	var busy sync.Mutex
	runJob := func() {
		if !busy.TryLock() {
			logger.Warn("sync_run_skipped_previous_still_running")
			return
		}
		defer busy.Unlock()

		runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
		orch.RunOnce(runCtx)
	}

	scheduler := cron.New()
	if err := scheduler.AddFunc(cfg.Schedule, runJob); err != nil {
		logger.Error("invalid_schedule",
			observability.F("schedule", cfg.Schedule),
			observability.F("error", err.Error()),
		)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	go runJob()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		logger.Info("metrics_server_start", observability.F("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_error", observability.F("error", err.Error()))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown_signal_received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics_server_shutdown_error", observability.F("error", err.Error()))
	}

	// Let an in-flight run finish before the process exits.
	busy.Lock()
	logger.Info("stopped")
}

func buildStorage(cfg config.Config, tel observability.Telemetry) (appsync.Ledger, appsync.CursorStore, error) {
	switch cfg.Storage.Driver {
	case config.StorageMySQL:
		db, err := mysql.Open(cfg.Storage.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		cursor, err := rediscursor.New(
			cfg.Storage.RedisAddr,
			cfg.Storage.RedisPassword,
			cfg.Storage.RedisDB,
			cfg.ServiceName,
		)
		if err != nil {
			return nil, nil, err
		}
		return mysql.NewLedger(db, tel), cursor, nil
	default:
		return memory.NewLedger(), memory.NewCursorStore(), nil
	}
}
