package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/broker"
	"github.com/noetl/noetl/internal/db"
	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/executors"
	"github.com/noetl/noetl/internal/handlers"
	"github.com/noetl/noetl/internal/notify"
	"github.com/noetl/noetl/internal/observability"
	"github.com/noetl/noetl/internal/platform/envutil"
	"github.com/noetl/noetl/internal/platform/logger"
	"github.com/noetl/noetl/internal/repos"
	"github.com/noetl/noetl/internal/secrets"
	"github.com/noetl/noetl/internal/server"
	"github.com/noetl/noetl/internal/sse"
	"github.com/noetl/noetl/internal/worker"
)

func main() {
	// Logger
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "noetl-server",
		Environment: envutil.String("NOETL_ENV", "development"),
		Version:     envutil.String("NOETL_VERSION", "dev"),
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos...")
	eventRepo := repos.NewEventRepo(thePG, log)
	queueRepo := repos.NewQueueRepo(thePG, log,
		envutil.Seconds("NOETL_BACKOFF_BASE", 2*time.Second),
		envutil.Seconds("NOETL_BACKOFF_CAP", 5*time.Minute))
	executionRepo := repos.NewExecutionRepo(thePG, log)
	runtimeRepo := repos.NewRuntimeRepo(thePG, log)
	credentialRepo := repos.NewCredentialRepo(thePG, log)
	catalogRepo := repos.NewCatalogRepo(thePG, log)
	workloadRepo := repos.NewWorkloadRepo(thePG, log)

	// Bus: redis when configured, in-process otherwise.
	var bus notify.Bus
	if envutil.String("NOETL_REDIS_ADDR", "") != "" {
		bus, err = notify.NewRedisBus(log)
		if err != nil {
			log.Fatal("Redis bus init failed", "error", err)
		}
	} else {
		log.Info("No NOETL_REDIS_ADDR; using in-process bus")
		bus = notify.NewLocalBus()
	}
	defer bus.Close()

	// Credential sealer
	var sealer *secrets.Sealer
	if key := envutil.String("NOETL_CRED_KEY", ""); key != "" {
		sealer, err = secrets.NewSealer(key)
		if err != nil {
			log.Fatal("Sealer init failed", "error", err)
		}
	} else {
		log.Warn("NOETL_CRED_KEY unset; credential endpoints disabled")
	}

	// Broker
	bkr := broker.New(thePG, eventRepo, queueRepo, executionRepo, catalogRepo, workloadRepo,
		bus, log, broker.Config{
			MaxQueuedPerExecution: envutil.Int("NOETL_MAX_QUEUED_PER_EXECUTION", 0),
			DefaultTimeoutSeconds: envutil.Int("NOETL_DEFAULT_TIMEOUT_SECONDS", 300),
			DefaultMaxAttempts:    envutil.Int("NOETL_MAX_ATTEMPTS", domain.DefaultMaxAttempts),
		})

	// SSE fan-out and evaluation wake-ups
	hub := sse.NewHub(log)
	if err := bus.StartEventForwarder(ctx, func(ev *domain.Event) {
		hub.Broadcast(sse.Message{
			Channel: ev.ExecutionID.String(),
			Event:   ev.EventType,
			Data:    ev,
		})
	}); err != nil {
		log.Fatal("event forwarder failed", "error", err)
	}
	if err := bus.StartEvaluateForwarder(ctx, func(executionID uuid.UUID) {
		if err := bkr.Evaluate(ctx, executionID); err != nil {
			log.Error("evaluation failed", "execution_id", executionID, "error", err)
		}
	}); err != nil {
		log.Fatal("evaluate forwarder failed", "error", err)
	}

	// Background maintenance: lease reaper and runtime sweeper.
	go maintenanceLoop(ctx, log, bkr, runtimeRepo)

	// Embedded worker for single-process deployments.
	if envutil.Bool("NOETL_EMBED_WORKER", false) {
		registry := executors.NewRegistry(executors.NewHTTPExecutor(), executors.NewPostgresExecutor())
		wk := worker.New(queueRepo, eventRepo, runtimeRepo, credentialRepo, workloadRepo,
			sealer, registry, bus, log, worker.Config{
				RuntimeID:        envutil.String("NOETL_WORKER_POOL_RUNTIME", "embedded-"+uuid.NewString()[:8]),
				Pool:             envutil.String("NOETL_WORKER_POOL_NAME", ""),
				Concurrency:      envutil.Int("NOETL_WORKER_CONCURRENCY", 4),
				PollInterval:     envutil.Seconds("NOETL_POLL_INTERVAL_SECONDS", 2*time.Second),
				LeaseDuration:    envutil.Seconds("NOETL_LEASE_DURATION_SECONDS", 60*time.Second),
				RuntimeHeartbeat: envutil.Seconds("NOETL_HEARTBEAT_INTERVAL_SECONDS", 15*time.Second),
			})
		go func() {
			if err := wk.Run(ctx); err != nil {
				log.Error("embedded worker stopped", "error", err)
			}
		}()
	}

	// Handlers and router
	executionHandler := handlers.NewExecutionHandler(log, bkr, executionRepo, eventRepo, hub)
	queueHandler := handlers.NewQueueHandler(log, queueRepo, eventRepo, workloadRepo, bus)
	runtimeHandler := handlers.NewRuntimeHandler(log, runtimeRepo)
	catalogHandler := handlers.NewCatalogHandler(log, catalogRepo)
	credentialHandler := handlers.NewCredentialHandler(log, credentialRepo, sealer)

	router := server.NewRouter(server.RouterConfig{
		ExecutionHandler:  executionHandler,
		QueueHandler:      queueHandler,
		RuntimeHandler:    runtimeHandler,
		CatalogHandler:    catalogHandler,
		CredentialHandler: credentialHandler,
	})

	addr := ":" + envutil.String("NOETL_PORT", "8080")
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.Info("Server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	if shutdownOtel != nil {
		_ = shutdownOtel(shutdownCtx)
	}
}

// maintenanceLoop reclaims expired leases, settles dead-lettered jobs and
// marks silent runtimes offline.
func maintenanceLoop(ctx context.Context, log *logger.Logger, bkr *broker.Broker, runtimes repos.RuntimeRepo) {
	reapInterval := envutil.Seconds("NOETL_REAP_INTERVAL_SECONDS", 30*time.Second)
	offlineAfter := envutil.Seconds("NOETL_RUNTIME_OFFLINE_SECONDS", 60*time.Second)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := bkr.ReapExpired(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				log.Error("lease reap failed", "error", err)
			}
			if _, err := runtimes.SweepOffline(ctx, offlineAfter); err != nil && ctx.Err() == nil {
				log.Error("runtime sweep failed", "error", err)
			}
		}
	}
}
