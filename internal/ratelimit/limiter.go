// Package ratelimit implements the Rate Limiter (C2): a global token
// bucket gating C3.initiate calls. Grounded on the reference load
// balancer's atomic round-robin counters for the single-process fast path,
// and on the cache package's atomic incr-with-expire counter for the
// optional multi-instance mode.
package ratelimit

import (
    "context"
    "sync"
    "time"

    "github.com/hamzaKhattat/callqueue-engine/internal/queue/cache"
)

// Limiter is a classic token bucket: capacity tokens, refilled at
// perSecond, acquired one at a time. No per-priority reservation — urgency
// is handled entirely by the Store's queue ordering (§4.2).
type Limiter struct {
    mu         sync.Mutex
    tokens     float64
    capacity   float64
    perSecond  float64
    lastRefill time.Time

    mirror      *cache.Cache
    distributed bool
}

func New(perSecond float64, burst int, mirror *cache.Cache, distributed bool) *Limiter {
    if burst <= 0 {
        burst = 1
    }
    return &Limiter{
        tokens:      float64(burst),
        capacity:    float64(burst),
        perSecond:   perSecond,
        lastRefill:  time.Now(),
        mirror:      mirror,
        distributed: distributed,
    }
}

// Acquire blocks until a token is available or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
    if l.distributed && l.mirror != nil {
        return l.acquireDistributed(ctx)
    }
    return l.acquireLocal(ctx)
}

func (l *Limiter) acquireLocal(ctx context.Context) error {
    ticker := time.NewTicker(10 * time.Millisecond)
    defer ticker.Stop()

    for {
        if l.tryTake() {
            return nil
        }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-ticker.C:
        }
    }
}

func (l *Limiter) tryTake() bool {
    l.mu.Lock()
    defer l.mu.Unlock()

    now := time.Now()
    elapsed := now.Sub(l.lastRefill).Seconds()
    l.lastRefill = now
    l.tokens += elapsed * l.perSecond
    if l.tokens > l.capacity {
        l.tokens = l.capacity
    }

    if l.tokens >= 1 {
        l.tokens--
        return true
    }
    return false
}

// acquireDistributed coordinates a shared per-second counter across
// instances via the Redis mirror's atomic incr-with-expire, falling back to
// the local bucket if Redis is unreachable (never blocks forever on an
// infrastructure blip).
func (l *Limiter) acquireDistributed(ctx context.Context) error {
    ticker := time.NewTicker(10 * time.Millisecond)
    defer ticker.Stop()

    for {
        window := time.Now().Truncate(time.Second)
        key := "ratelimit:" + window.Format(time.RFC3339)
        count, err := l.mirror.IncrWithExpire(ctx, key, time.Second)
        if err != nil {
            return l.acquireLocal(ctx)
        }
        if count <= int64(l.perSecond) {
            return nil
        }

        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-ticker.C:
        }
    }
}
