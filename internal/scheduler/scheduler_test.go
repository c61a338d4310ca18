package scheduler

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wbsync/syncengine/internal/model"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fakeTenantLister struct {
	tenants []model.Tenant
	err     error
}

func (f *fakeTenantLister) ListActive(ctx context.Context) ([]model.Tenant, error) {
	return f.tenants, f.err
}

func newTestScheduler(t *testing.T, cfg Config, run Runner) *Scheduler {
	t.Helper()
	return New(cfg, &fakeTenantLister{}, run, nil, testLogger())
}

func TestTriggerNowAcceptsUntilQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepth = 1
	cfg.WorkerPoolSize = 0 // New substitutes the default; no worker runs without Start

	block := make(chan struct{})
	run := func(ctx context.Context, tenantID string, trigger model.Trigger) *model.SyncLog {
		<-block
		log := &model.SyncLog{TenantID: tenantID}
		log.MarkSuccess(time.Now())
		return log
	}
	s := newTestScheduler(t, cfg, run)
	// No Start() call: the queue channel exists but nothing drains it.

	if !s.TriggerNow("tenant-1") {
		t.Fatal("expected first trigger to be accepted into the empty queue")
	}
	if s.TriggerNow("tenant-2") {
		t.Fatal("expected second trigger to be rejected once the queue is full")
	}
	close(block)
}

func TestDispatchSkipsSecondConcurrentRunForSameTenant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 2
	cfg.QueueDepth = 8
	cfg.HardTimeout = 5 * time.Second
	cfg.SoftTimeout = 4 * time.Second

	var running int32
	var maxConcurrent int32
	release := make(chan struct{})

	run := func(ctx context.Context, tenantID string, trigger model.Trigger) *model.SyncLog {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		log := &model.SyncLog{TenantID: tenantID}
		log.MarkSuccess(time.Now())
		return log
	}

	s := newTestScheduler(t, cfg, run)
	s.Start()
	defer s.Stop()

	if !s.TriggerNow("tenant-1") {
		t.Fatal("expected first trigger accepted")
	}
	// Give the worker pool a moment to pick up the first job and claim the
	// per-tenant lock before the second trigger races in.
	time.Sleep(50 * time.Millisecond)
	s.TriggerNow("tenant-1")

	time.Sleep(50 * time.Millisecond)
	close(release)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Fatalf("expected at most 1 concurrent run for the same tenant, saw %d", maxConcurrent)
	}
}

func TestKeyedMutexTryLockRejectsSecondHolder(t *testing.T) {
	k := newKeyedMutex()

	unlock1, ok1 := k.TryLock("tenant-1")
	if !ok1 {
		t.Fatal("expected first TryLock to succeed")
	}
	if _, ok2 := k.TryLock("tenant-1"); ok2 {
		t.Fatal("expected second TryLock for the same key to fail while held")
	}

	unlock1()

	if _, ok3 := k.TryLock("tenant-1"); !ok3 {
		t.Fatal("expected TryLock to succeed again after unlock")
	}
}

func TestKeyedMutexAllowsDifferentKeysConcurrently(t *testing.T) {
	k := newKeyedMutex()

	_, ok1 := k.TryLock("tenant-1")
	_, ok2 := k.TryLock("tenant-2")
	if !ok1 || !ok2 {
		t.Fatal("expected independent keys to lock independently")
	}
}

func TestClampCadenceFloorsAndDefaults(t *testing.T) {
	logger := testLogger()

	if got := clampCadence(0, logger); got != 24*time.Hour {
		t.Fatalf("expected default 24h for zero cadence, got %s", got)
	}
	if got := clampCadence(30*time.Minute, logger); got != minCadence {
		t.Fatalf("expected floor of %s for a sub-floor cadence, got %s", minCadence, got)
	}
	if got := clampCadence(6*time.Hour, logger); got != 6*time.Hour {
		t.Fatalf("expected an above-floor cadence to pass through unchanged, got %s", got)
	}
}

func TestDispatchMarksFailedOnHardTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 1
	cfg.QueueDepth = 1
	cfg.HardTimeout = 30 * time.Millisecond
	cfg.SoftTimeout = 20 * time.Millisecond

	// run ignores the soft-deadline context entirely, simulating work that
	// overruns both the soft and hard boundaries, and never marks its own
	// log terminal — dispatch must do it instead once jobCtx (the hard
	// timeout) has expired.
	var got *model.SyncLog
	run := func(ctx context.Context, tenantID string, trigger model.Trigger) *model.SyncLog {
		time.Sleep(100 * time.Millisecond)
		got = &model.SyncLog{TenantID: tenantID}
		return got
	}

	s := newTestScheduler(t, cfg, run)
	s.dispatch(context.Background(), dispatchRequest{tenantID: "tenant-1", trigger: model.TriggerManual})

	if got == nil || got.Status != model.StatusFailed || got.Reason != "cancelled" {
		t.Fatalf("expected FAILED(cancelled) after hard timeout, got %+v", got)
	}
}

func TestStopDrainsWithinTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 1
	cfg.QueueDepth = 1
	cfg.ShutdownDrain = 200 * time.Millisecond

	done := make(chan struct{})
	run := func(ctx context.Context, tenantID string, trigger model.Trigger) *model.SyncLog {
		close(done)
		log := &model.SyncLog{TenantID: tenantID}
		log.MarkSuccess(time.Now())
		return log
	}

	s := newTestScheduler(t, cfg, run)
	s.Start()
	s.TriggerNow("tenant-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within a reasonable bound")
	}
}
