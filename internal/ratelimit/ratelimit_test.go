package ratelimit

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestCheckAdmitsUnderLimit(t *testing.T) {
	l := New(testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := l.Check(ctx, "tenant:1", 3, time.Minute)
		if !allowed {
			t.Fatalf("request %d should be admitted", i)
		}
		if remaining != 2-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 2-i, remaining)
		}
	}
}

func TestCheckRejectsOverLimit(t *testing.T) {
	l := New(testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "tenant:1", 3, time.Minute)
	}

	allowed, remaining, resetAt := l.Check(ctx, "tenant:1", 3, time.Minute)
	if allowed {
		t.Fatal("4th request should be rejected")
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}
	if !resetAt.After(time.Now()) {
		t.Fatal("resetAt should be in the future")
	}
}

func TestCheckIsPerKey(t *testing.T) {
	l := New(testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "tenant:1", 3, time.Minute)
	}

	allowed, _, _ := l.Check(ctx, "tenant:2", 3, time.Minute)
	if !allowed {
		t.Fatal("a different key should have its own independent window")
	}
}

func TestCheckSlidesWindow(t *testing.T) {
	l := New(testLogger())
	ctx := context.Background()

	// Use a very short window so the test doesn't need to sleep long.
	window := 50 * time.Millisecond
	for i := 0; i < 2; i++ {
		l.Check(ctx, "tenant:1", 2, window)
	}

	allowed, _, _ := l.Check(ctx, "tenant:1", 2, window)
	if allowed {
		t.Fatal("expected rejection while window is still full")
	}

	time.Sleep(window + 10*time.Millisecond)

	allowed, _, _ = l.Check(ctx, "tenant:1", 2, window)
	if !allowed {
		t.Fatal("expected admission after window slides past old entries")
	}
}

func TestCleanupRemovesStaleWindows(t *testing.T) {
	l := New(testLogger())
	ctx := context.Background()

	l.Check(ctx, "tenant:stale", 10, time.Minute)
	l.windows["tenant:stale"].timestamps[0] = time.Now().Add(-time.Hour)

	l.Cleanup(time.Minute)

	if _, ok := l.windows["tenant:stale"]; ok {
		t.Fatal("expected stale window to be cleaned up")
	}
}
