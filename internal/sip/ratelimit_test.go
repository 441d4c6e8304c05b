package sip

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiterAllow(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(10),
		Burst:           2,
		CleanupInterval: time.Hour, // won't trigger during test
		MaxAge:          time.Hour,
	}

	rl := NewRateLimiter(cfg, testLogger())
	defer rl.Stop()

	if !rl.Allow("198.51.100.1") {
		t.Error("expected first call to be allowed")
	}
	if !rl.Allow("198.51.100.1") {
		t.Error("expected second call to be allowed (within burst)")
	}
	if rl.Allow("198.51.100.1") {
		t.Error("expected third immediate call to be rejected")
	}
}

func TestRateLimiterSeparateHosts(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(10),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}

	rl := NewRateLimiter(cfg, testLogger())
	defer rl.Stop()

	// Each host has its own bucket.
	if !rl.Allow("198.51.100.1") {
		t.Error("expected host-a first call allowed")
	}
	if !rl.Allow("198.51.100.2") {
		t.Error("expected host-b first call allowed")
	}
	if rl.Allow("198.51.100.1") {
		t.Error("expected host-a second call rejected")
	}
	if rl.Allow("198.51.100.2") {
		t.Error("expected host-b second call rejected")
	}
}

func TestRateLimiterRecovery(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(100), // 10ms per token
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}

	rl := NewRateLimiter(cfg, testLogger())
	defer rl.Stop()

	rl.Allow("198.51.100.1")

	time.Sleep(20 * time.Millisecond)
	if !rl.Allow("198.51.100.1") {
		t.Error("expected call allowed after token replenishment")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(10),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          10 * time.Millisecond,
	}

	rl := NewRateLimiter(cfg, testLogger())
	defer rl.Stop()

	rl.Allow("198.51.100.1")
	time.Sleep(20 * time.Millisecond)
	rl.cleanup()

	rl.mu.Lock()
	remaining := len(rl.entries)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Errorf("entries after cleanup = %d, want 0", remaining)
	}
}
