package service

import (
	"errors"
	"testing"
	"time"

	"pharma_comms/server/comms/domain"
)

func TestRateLimiterCapsWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewRateLimiter(30, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 30; i++ {
		if err := l.Allow("conn-1"); err != nil {
			t.Fatalf("message %d unexpectedly limited: %v", i+1, err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := l.Allow("conn-1"); !errors.Is(err, domain.ErrRateLimited) {
			t.Fatalf("message %d: expected ErrRateLimited, got %v", 31+i, err)
		}
	}
}

func TestRateLimiterSlidesWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewRateLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	if err := l.Allow("conn-1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.Allow("conn-1"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := l.Allow("conn-1"); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("third: expected ErrRateLimited, got %v", err)
	}
	now = now.Add(61 * time.Second)
	if err := l.Allow("conn-1"); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestRateLimiterIsolatesConnections(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)
	if err := l.Allow("conn-a"); err != nil {
		t.Fatalf("conn-a: %v", err)
	}
	if err := l.Allow("conn-b"); err != nil {
		t.Fatalf("conn-b should have its own window: %v", err)
	}
	if err := l.Allow("conn-a"); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("conn-a second: expected ErrRateLimited, got %v", err)
	}
}

func TestRateLimiterForget(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)
	if err := l.Allow("conn-1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	l.Forget("conn-1")
	if err := l.Allow("conn-1"); err != nil {
		t.Fatalf("after forget: %v", err)
	}
}
