package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/db"
	"github.com/noetl/noetl/internal/executors"
	"github.com/noetl/noetl/internal/notify"
	"github.com/noetl/noetl/internal/observability"
	"github.com/noetl/noetl/internal/platform/envutil"
	"github.com/noetl/noetl/internal/platform/logger"
	"github.com/noetl/noetl/internal/repos"
	"github.com/noetl/noetl/internal/secrets"
	"github.com/noetl/noetl/internal/worker"
)

func main() {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "noetl-worker",
		Environment: envutil.String("NOETL_ENV", "development"),
		Version:     envutil.String("NOETL_VERSION", "dev"),
	})

	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	thePG := postgresService.DB()

	eventRepo := repos.NewEventRepo(thePG, log)
	queueRepo := repos.NewQueueRepo(thePG, log,
		envutil.Seconds("NOETL_BACKOFF_BASE", 2*time.Second),
		envutil.Seconds("NOETL_BACKOFF_CAP", 5*time.Minute))
	runtimeRepo := repos.NewRuntimeRepo(thePG, log)
	credentialRepo := repos.NewCredentialRepo(thePG, log)
	workloadRepo := repos.NewWorkloadRepo(thePG, log)

	var bus notify.Bus
	if envutil.String("NOETL_REDIS_ADDR", "") != "" {
		bus, err = notify.NewRedisBus(log)
		if err != nil {
			log.Fatal("Redis bus init failed", "error", err)
		}
	} else {
		log.Warn("No NOETL_REDIS_ADDR; evaluation wake-ups will not reach the server")
		bus = notify.NewLocalBus()
	}
	defer bus.Close()

	var sealer *secrets.Sealer
	if key := envutil.String("NOETL_CRED_KEY", ""); key != "" {
		sealer, err = secrets.NewSealer(key)
		if err != nil {
			log.Fatal("Sealer init failed", "error", err)
		}
	}

	hostname, _ := os.Hostname()
	defaultID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	registry := executors.NewRegistry(executors.NewHTTPExecutor(), executors.NewPostgresExecutor())

	wk := worker.New(queueRepo, eventRepo, runtimeRepo, credentialRepo, workloadRepo,
		sealer, registry, bus, log, worker.Config{
			RuntimeID:        envutil.String("NOETL_WORKER_POOL_RUNTIME", defaultID),
			Pool:             envutil.String("NOETL_WORKER_POOL_NAME", ""),
			Concurrency:      envutil.Int("NOETL_WORKER_CONCURRENCY", 4),
			PollInterval:     envutil.Seconds("NOETL_POLL_INTERVAL_SECONDS", 2*time.Second),
			LeaseDuration:    envutil.Seconds("NOETL_LEASE_DURATION_SECONDS", 60*time.Second),
			RuntimeHeartbeat: envutil.Seconds("NOETL_HEARTBEAT_INTERVAL_SECONDS", 15*time.Second),
		})

	if err := wk.Run(ctx); err != nil {
		log.Fatal("worker failed", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownOtel != nil {
		_ = shutdownOtel(shutdownCtx)
	}
}
