package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/executors"
	"github.com/noetl/noetl/internal/notify"
	"github.com/noetl/noetl/internal/platform/logger"
	"github.com/noetl/noetl/internal/repos"
	"github.com/noetl/noetl/internal/secrets"
)

type Config struct {
	RuntimeID         string
	Pool              string
	Concurrency       int
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	RuntimeHeartbeat  time.Duration
	SweepOfflineAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.RuntimeHeartbeat <= 0 {
		c.RuntimeHeartbeat = 15 * time.Second
	}
}

// Worker leases jobs from the queue and runs them through registered
// executors. It owns a runtime registration whose heartbeat keeps the pool
// visible; job leases are heartbeated independently per job.
type Worker struct {
	queue     repos.QueueRepo
	events    repos.EventRepo
	runtimes  repos.RuntimeRepo
	creds     repos.CredentialRepo
	workloads repos.WorkloadRepo
	sealer    *secrets.Sealer
	registry  *executors.Registry
	bus       notify.Bus
	log       *logger.Logger
	cfg       Config

	slots chan struct{}
	wg    sync.WaitGroup
}

func New(queue repos.QueueRepo, events repos.EventRepo, runtimes repos.RuntimeRepo,
	creds repos.CredentialRepo, workloads repos.WorkloadRepo, sealer *secrets.Sealer,
	registry *executors.Registry, bus notify.Bus, baseLog *logger.Logger, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		queue:     queue,
		events:    events,
		runtimes:  runtimes,
		creds:     creds,
		workloads: workloads,
		sealer:    sealer,
		registry:  registry,
		bus:       bus,
		log:       baseLog.With("component", "worker", "runtime_id", cfg.RuntimeID),
		cfg:       cfg,
		slots:     make(chan struct{}, cfg.Concurrency),
	}
}

// Run registers the runtime and polls until ctx is cancelled, then drains
// in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	caps, _ := json.Marshal(w.registry.Types())
	if err := w.runtimes.Upsert(ctx, nil, &domain.Runtime{
		RuntimeID:    w.cfg.RuntimeID,
		PoolName:     w.cfg.Pool,
		Capabilities: datatypes.JSON(caps),
		Status:       domain.RuntimeReady,
	}); err != nil {
		return err
	}
	w.log.Info("runtime registered", "pool", w.cfg.Pool, "capabilities", w.registry.Types())

	go w.heartbeatRuntime(ctx)

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case w.slots <- struct{}{}:
		}

		job, err := w.queue.Lease(ctx, w.cfg.RuntimeID, w.cfg.Pool, w.registry.Types(), w.cfg.LeaseDuration)
		if err != nil {
			<-w.slots
			if ctx.Err() != nil {
				return w.drain()
			}
			w.log.Error("lease failed", "error", err)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			<-w.slots
			w.sleep(ctx)
			continue
		}

		w.wg.Add(1)
		go func(job *domain.QueueJob) {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.process(ctx, job)
		}(job)
	}
}

func (w *Worker) drain() error {
	w.log.Info("draining")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.runtimes.Heartbeat(drainCtx, w.cfg.RuntimeID, domain.RuntimeDraining); err != nil {
		w.log.Warn("drain heartbeat failed", "error", err)
	}
	w.wg.Wait()
	if err := w.runtimes.Heartbeat(drainCtx, w.cfg.RuntimeID, domain.RuntimeOffline); err != nil {
		w.log.Warn("offline heartbeat failed", "error", err)
	}
	return nil
}

func (w *Worker) heartbeatRuntime(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RuntimeHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := domain.RuntimeReady
			if len(w.slots) == w.cfg.Concurrency {
				status = domain.RuntimeBusy
			}
			err := w.runtimes.Heartbeat(ctx, w.cfg.RuntimeID, status)
			if errors.Is(err, repos.ErrNotFound) {
				// Registration was swept while we were alive; re-register.
				caps, _ := json.Marshal(w.registry.Types())
				err = w.runtimes.Upsert(ctx, nil, &domain.Runtime{
					RuntimeID:    w.cfg.RuntimeID,
					PoolName:     w.cfg.Pool,
					Capabilities: datatypes.JSON(caps),
					Status:       status,
				})
			}
			if err != nil && ctx.Err() == nil {
				w.log.Warn("runtime heartbeat failed", "error", err)
			}
		}
	}
}

// sleep waits one poll interval with jitter so a worker fleet does not thunder
// against the queue in lockstep.
func (w *Worker) sleep(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(w.cfg.PollInterval) / 2))
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval/2 + jitter):
	}
}
