package service

import (
	"sync"
	"time"

	"pharma_comms/server/comms/domain"
)

// RateLimiter enforces a sliding-window send cap per connection. A violation
// rejects the message outright; nothing is queued or delayed.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   map[string][]time.Time{},
		now:    time.Now,
	}
}

func (l *RateLimiter) Allow(connID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	hits := l.hits[connID]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[connID] = kept
		return domain.ErrRateLimited
	}
	l.hits[connID] = append(kept, now)
	return nil
}

// Forget drops a connection's window state on disconnect.
func (l *RateLimiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, connID)
}
