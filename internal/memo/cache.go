// Package memo provides a generic memoization primitive combining a TTL value
// cache with in-flight call deduplication: concurrent resolves for the same
// key share one computation, and only successful outcomes are cached.
package memo

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/metrics"
)

const (
	defaultTTL     = 10 * time.Minute
	defaultTimeout = 8 * time.Second
)

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// Cache is one key family's deduped TTL cache. Each instance owns its own
// in-flight registry; construct separate instances for isolation, there is no
// package-level singleton. The registry is process-local by design:
// cross-process coordination is the enrichment lock's job, not this cache's.
type Cache[V any] struct {
	family string
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]entry[V]

	flight singleflight.Group
	stats  Stats
}

type Option[V any] func(*Cache[V])

// WithClock injects a time source so expiry is testable without sleeping.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		if now != nil {
			c.now = now
		}
	}
}

func New[V any](family string, opts ...Option[V]) *Cache[V] {
	cache := &Cache[V]{
		family:  family,
		now:     time.Now,
		entries: make(map[string]entry[V]),
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

// Options bound one resolution. Both are per-call so different callers of the
// same cache can run under different SLAs.
type Options struct {
	TTL     time.Duration
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return o
}

// Resolve answers from cache, or coordinates a single live computation for
// key. Concurrent callers with the same key await the same outcome. The
// computation runs under its own detached context bounded by opts.Timeout, so
// one caller's cancellation cannot poison the shared call; a caller whose own
// ctx dies stops waiting immediately with an aborted error.
//
// Failures (timeout included) are never cached: the next Resolve retries.
func (c *Cache[V]) Resolve(ctx context.Context, key string, compute func(context.Context) (V, error), opts Options) (V, error) {
	opts = opts.withDefaults()
	c.stats.call()

	if value, ok := c.lookup(key); ok {
		c.stats.hit()
		metrics.CacheHitsTotal.WithLabelValues(c.family).Inc()
		return value, nil
	}
	metrics.CacheMissesTotal.WithLabelValues(c.family).Inc()

	startedAt := c.now()
	ch := c.flight.DoChan(key, func() (any, error) {
		value, err := c.runCompute(compute, opts.Timeout)
		if err != nil {
			return nil, err
		}
		c.store(key, value, opts.TTL)
		return value, nil
	})

	select {
	case res := <-ch:
		c.stats.observe(c.now().Sub(startedAt))
		if res.Shared {
			metrics.DedupedCallsTotal.WithLabelValues(c.family).Inc()
		}
		if res.Err != nil {
			c.recordFailure(res.Err)
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		c.stats.observe(c.now().Sub(startedAt))
		err := domain.NewAbortedError(ctx.Err())
		c.recordFailure(err)
		var zero V
		return zero, err
	}
}

// ResolveOrFallback absorbs any resolution failure into fallback. Meant for
// cosmetic values where a degraded answer beats a propagated error.
func (c *Cache[V]) ResolveOrFallback(ctx context.Context, key string, compute func(context.Context) (V, error), fallback V, opts Options) V {
	value, err := c.Resolve(ctx, key, compute, opts)
	if err != nil {
		return fallback
	}
	return value
}

// runCompute races compute against a hard timeout. compute receives a context
// that expires with the deadline, but the race does not rely on compute
// honoring it.
func (c *Cache[V]) runCompute(compute func(context.Context) (V, error), timeout time.Duration) (V, error) {
	computeCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type outcome struct {
		value V
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := compute(computeCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if computeCtx.Err() == context.DeadlineExceeded {
				var zero V
				return zero, domain.NewTimeoutError(out.err)
			}
			var zero V
			return zero, out.err
		}
		return out.value, nil
	case <-computeCtx.Done():
		var zero V
		return zero, domain.NewTimeoutError(computeCtx.Err())
	}
}

// lookup returns a live entry, lazily evicting an expired one it touches.
func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) store(key string, value V, ttl time.Duration) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
}

// Sweep drops all expired entries. Correctness does not need it (lookup
// evicts lazily); it only bounds memory for keys that stop being requested.
func (c *Cache[V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FlushStats returns the counters accumulated since the previous flush and
// resets them, keeping stat memory bounded per logical request.
func (c *Cache[V]) FlushStats() StatsSnapshot {
	return c.stats.flush()
}

func (c *Cache[V]) recordFailure(err error) {
	kind := domain.ErrorKind(err)
	if kind == domain.CallKindTimeout {
		c.stats.timeout()
	} else {
		c.stats.failure()
	}
	metrics.ComputeFailuresTotal.WithLabelValues(c.family, string(kind)).Inc()
}
