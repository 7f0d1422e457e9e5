// Package ratelimit bounds request frequency per authenticated identity per
// operation class using fixed one-minute counter windows.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when an identity exhausts its class quota.
var ErrRateLimited = errors.New("ratelimit: quota exceeded")

// Class names a quota bucket. The names are part of the HTTP contract.
type Class struct {
	Name   string
	Limit  int64
	Window time.Duration
}

var (
	ClassIngestion = Class{Name: "event-ingestion", Limit: 30, Window: time.Minute}
	ClassWatchdog  = Class{Name: "watchdog-alerts", Limit: 10, Window: time.Minute}
)

// Counter is an atomic increment-and-expire counter store. Implementations
// must make Incr a single atomic operation; a read-then-write would let a
// concurrent burst exceed the quota.
type Counter interface {
	// Incr bumps the counter for key, setting it to expire after window on
	// first increment, and returns the post-increment value.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter enforces class quotas on top of a Counter.
type Limiter struct {
	counter Counter
}

func NewLimiter(counter Counter) *Limiter {
	return &Limiter{counter: counter}
}

// Allow consumes one request from the identity's quota in the given class.
// Counters for different classes are fully independent.
func (l *Limiter) Allow(ctx context.Context, identity string, class Class) error {
	key := fmt.Sprintf("ratelimit:%s:%s", class.Name, identity)
	n, err := l.counter.Incr(ctx, key, class.Window)
	if err != nil {
		return fmt.Errorf("rate counter: %w", err)
	}
	if n > class.Limit {
		return ErrRateLimited
	}
	return nil
}

// memoryWindow is one fixed counter window.
type memoryWindow struct {
	count   int64
	expires time.Time
}

// sweepInterval bounds how often Incr purges expired windows, so identities
// that stop sending do not pin map entries forever.
const sweepInterval = time.Minute

// MemoryCounter is an in-process Counter for tests and single-instance
// deployments. Quotas are per process; multi-instance deployments should
// use the Redis counter so instances share windows.
type MemoryCounter struct {
	mu        sync.Mutex
	windows   map[string]*memoryWindow
	now       func() time.Time
	nextSweep time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*memoryWindow), now: time.Now}
}

// SetClock overrides the time source, for window-expiry tests.
func (c *MemoryCounter) SetClock(now func() time.Time) { c.now = now }

func (c *MemoryCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !now.Before(c.nextSweep) {
		for k, w := range c.windows {
			if now.After(w.expires) {
				delete(c.windows, k)
			}
		}
		c.nextSweep = now.Add(sweepInterval)
	}
	w, ok := c.windows[key]
	if !ok || now.After(w.expires) {
		w = &memoryWindow{expires: now.Add(window)}
		c.windows[key] = w
	}
	w.count++
	return w.count, nil
}
