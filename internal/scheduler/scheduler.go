// Package scheduler implements the job dispatcher of spec.md §4.8:
// periodic and on-demand dispatch, a bounded queue, a per-tenant
// exclusivity guarantee, a global worker pool, and cooperative shutdown
// draining.
//
// The Start/Stop lifecycle and background poll-loop shape are grounded
// on provider.HealthPoller: a cancellable context captured at Start,
// a done channel closed when the loop goroutine exits, Stop blocking on
// that channel. Per-tenant exclusivity is grounded on
// middleware.KeyedMutex, adapted unchanged in spirit (lock by key,
// refcounted cleanup) but now serializing SyncJob dispatch instead of
// wallet mutations.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wbsync/syncengine/internal/model"
	"github.com/wbsync/syncengine/internal/synclog"
)

// minCadence is the floor below which a tenant's configured cadence is
// clamped, protecting the shared marketplace rate limiter (SPEC_FULL.md
// §F.1).
const minCadence = 1 * time.Hour

// TenantLister supplies the set of active (non-paused) tenants and their
// schedules; backed by internal/tenantstore.
type TenantLister interface {
	ListActive(ctx context.Context) ([]model.Tenant, error)
}

// Runner executes one sync job and returns its terminal SyncLog. Satisfied
// by *orchestrator.Orchestrator.RunSync.
type Runner func(ctx context.Context, tenantID string, trigger model.Trigger) *model.SyncLog

// Config tunes queue depth, worker count, and timeouts.
type Config struct {
	QueueDepth     int
	WorkerPoolSize int
	HardTimeout    time.Duration
	SoftTimeout    time.Duration
	ShutdownDrain  time.Duration
	TickInterval   time.Duration // how often the scheduler re-evaluates tenant due-ness
}

// DefaultConfig mirrors spec.md §4.8/§6's defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:     256,
		WorkerPoolSize: 8,
		HardTimeout:    10 * time.Minute,
		SoftTimeout:    9 * time.Minute,
		ShutdownDrain:  30 * time.Second,
		TickInterval:   1 * time.Minute,
	}
}

// keyedMutex serializes dispatch per tenant id — grounded on
// middleware.KeyedMutex. Unlike the teacher's version this also exposes
// TryLock, since the scheduler must reject a second concurrent dispatch
// for the same tenant rather than queue behind it (spec.md §8 invariant 6:
// "at most one in-flight SyncJob per tenant").
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	mu      sync.Mutex
	waiters int
	busy    bool
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*tenantLock)}
}

// TryLock attempts to claim the per-tenant lock without blocking. Returns
// an unlock function and true on success, or (nil, false) if another job
// for this tenant is already running.
func (k *keyedMutex) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &tenantLock{}
		k.locks[key] = entry
	}
	if entry.busy {
		k.mu.Unlock()
		return nil, false
	}
	entry.busy = true
	entry.waiters++
	k.mu.Unlock()

	return func() {
		k.mu.Lock()
		entry.busy = false
		entry.waiters--
		if entry.waiters == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}, true
}

// dispatchRequest is one unit of work on the bounded queue.
type dispatchRequest struct {
	tenantID string
	trigger  model.Trigger
}

// Scheduler dispatches sync jobs periodically and on demand, bounding
// concurrency globally and per tenant.
type Scheduler struct {
	cfg     Config
	tenants TenantLister
	run     Runner
	logs    *synclog.Store
	logger  zerolog.Logger

	queue chan dispatchRequest
	locks *keyedMutex

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a Scheduler. logs receives every terminal SyncLog produced by
// a dispatched job.
func New(cfg Config, tenants TenantLister, run Runner, logs *synclog.Store, logger zerolog.Logger) *Scheduler {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultConfig().WorkerPoolSize
	}
	return &Scheduler{
		cfg:     cfg,
		tenants: tenants,
		run:     run,
		logs:    logs,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		queue:   make(chan dispatchRequest, cfg.QueueDepth),
		locks:   newKeyedMutex(),
		done:    make(chan struct{}),
	}
}

// Start launches the worker pool and the periodic tick loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for i := 0; i < s.cfg.WorkerPoolSize; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	go s.tickLoop(ctx)
	s.logger.Info().Int("workers", s.cfg.WorkerPoolSize).Int("queue_depth", s.cfg.QueueDepth).Msg("scheduler started")
}

// Stop signals every in-flight job and waits up to cfg.ShutdownDrain for
// workers to finish before returning (spec.md §4.8 cancellation policy).
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info().Msg("scheduler drained cleanly")
	case <-time.After(s.cfg.ShutdownDrain):
		s.logger.Warn().Dur("drain_timeout", s.cfg.ShutdownDrain).Msg("scheduler shutdown drain timed out, workers terminated")
	}
}

// TriggerNow enqueues an immediate on-demand sync, rejecting the request
// if the queue is full (spec.md §4.8: callers "must tolerate rejection").
func (s *Scheduler) TriggerNow(tenantID string) bool {
	select {
	case s.queue <- dispatchRequest{tenantID: tenantID, trigger: model.TriggerManual}:
		return true
	default:
		s.logger.Warn().Str("tenant", tenantID).Msg("dispatch queue full, rejecting on-demand trigger")
		return false
	}
}

// tickLoop periodically re-scans tenants and enqueues those whose cadence
// has elapsed. Jitter of +/-5 min avoids a stampede when many tenants
// share the same cadence (spec.md §4.8).
func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenants, err := s.tenants.ListActive(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to list active tenants")
				continue
			}
			for _, tenant := range tenants {
				cadence := clampCadence(tenant.Cadence, s.logger)
				due := time.Now()
				if last, ok := lastRun[tenant.ID]; ok && due.Sub(last) < cadence {
					continue
				}
				lastRun[tenant.ID] = due

				jitter := time.Duration(rand.Int63n(int64(10*time.Minute))) - 5*time.Minute
				time.AfterFunc(jitter, func(tenantID string) func() {
					return func() {
						select {
						case s.queue <- dispatchRequest{tenantID: tenantID, trigger: model.TriggerScheduled}:
						default:
							s.logger.Warn().Str("tenant", tenantID).Msg("dispatch queue full, dropping scheduled tick")
						}
					}
				}(tenant.ID))
			}
		}
	}
}

func clampCadence(cadence time.Duration, logger zerolog.Logger) time.Duration {
	if cadence <= 0 {
		return 24 * time.Hour
	}
	if cadence < minCadence {
		logger.Warn().Dur("configured", cadence).Dur("floor", minCadence).Msg("cadence below floor, clamping")
		return minCadence
	}
	return cadence
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			s.dispatch(ctx, req)
		}
	}
}

// dispatch claims the per-tenant lock, runs the job under the hard
// timeout, and records the resulting SyncLog. A soft-timeout reason is
// recorded by the orchestrator itself when it voluntarily abandons work;
// this function only enforces the hard boundary.
func (s *Scheduler) dispatch(ctx context.Context, req dispatchRequest) {
	unlock, ok := s.locks.TryLock(req.tenantID)
	if !ok {
		s.logger.Debug().Str("tenant", req.tenantID).Msg("tenant already has an in-flight sync, skipping")
		return
	}
	defer unlock()

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.HardTimeout)
	defer cancel()

	softCtx, softCancel := context.WithTimeout(jobCtx, s.cfg.SoftTimeout)
	defer softCancel()

	log := s.run(softCtx, req.tenantID, req.trigger)

	if jobCtx.Err() != nil && log.Status != model.StatusSuccess {
		log.MarkFailed(time.Now(), "deadline", "cancelled", "job cancelled by scheduler shutdown or hard timeout")
	}

	if s.logs != nil {
		s.logs.Append(ctx, *log)
	}
}
