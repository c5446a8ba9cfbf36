// Package ratelimit paces API traffic per key (a role on the client side,
// a bearer token on the stub backend side).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the rate limiting configuration.
type Config struct {
	RPS             float64       // Requests per second per key
	Burst           int           // Burst size per key
	CleanupInterval time.Duration // How often idle limiters are dropped; zero disables cleanup
}

// DefaultConfig matches the defaults of config.Config.
var DefaultConfig = Config{
	RPS:             20,
	Burst:           40,
	CleanupInterval: 10 * time.Minute,
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Throttle manages one token bucket per key.
type Throttle struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	config   Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a throttle. When CleanupInterval is positive a background
// goroutine drops idle limiters; call Stop to end it.
func New(config Config) *Throttle {
	th := &Throttle{
		limiters: make(map[string]*limiterEntry),
		config:   config,
		stopCh:   make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		th.wg.Add(1)
		go th.cleanupLoop()
	}
	return th
}

// Wait blocks until a request for key may proceed or ctx is done.
func (th *Throttle) Wait(ctx context.Context, key string) error {
	return th.limiter(key).Wait(ctx)
}

// Allow reports whether a request for key may proceed right now.
func (th *Throttle) Allow(key string) bool {
	return th.limiter(key).Allow()
}

func (th *Throttle) limiter(key string) *rate.Limiter {
	th.mu.Lock()
	defer th.mu.Unlock()

	entry, ok := th.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(th.config.RPS), th.config.Burst)}
		th.limiters[key] = entry
	}
	entry.lastUsed = time.Now()
	return entry.limiter
}

// Len returns the number of tracked keys.
func (th *Throttle) Len() int {
	th.mu.Lock()
	defer th.mu.Unlock()
	return len(th.limiters)
}

// Cleanup removes limiters idle for longer than the cleanup interval.
func (th *Throttle) Cleanup() {
	th.mu.Lock()
	defer th.mu.Unlock()

	cutoff := time.Now().Add(-th.config.CleanupInterval)
	for key, entry := range th.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(th.limiters, key)
		}
	}
}

func (th *Throttle) cleanupLoop() {
	defer th.wg.Done()

	ticker := time.NewTicker(th.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			th.Cleanup()
		case <-th.stopCh:
			return
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (th *Throttle) Stop() {
	th.stopOnce.Do(func() {
		close(th.stopCh)
	})
	th.wg.Wait()
}
