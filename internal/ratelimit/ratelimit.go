// ABOUTME: Package ratelimit implements the rate limiter (component G): a
// ABOUTME: per-key token bucket with an injectable key policy and background eviction.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// KeyPolicy selects how a caller is bucketed.
type KeyPolicy string

const (
	// KeyPerPrincipal buckets by authenticated principal, falling back to
	// source address when no principal is present.
	KeyPerPrincipal KeyPolicy = "per-principal"
	// KeyPerSourceAddress buckets purely by source address.
	KeyPerSourceAddress KeyPolicy = "per-source-address"
)

// KeyFunc derives a bucket key from a principal (possibly empty) and a
// source address.
type KeyFunc func(principal, sourceAddr string) string

// KeyFuncForPolicy returns the KeyFunc implementing policy.
func KeyFuncForPolicy(policy KeyPolicy) KeyFunc {
	switch policy {
	case KeyPerPrincipal:
		return func(principal, sourceAddr string) string {
			if principal != "" {
				return "principal:" + principal
			}
			return "addr:" + sourceAddr
		}
	default:
		return func(_, sourceAddr string) string {
			return "addr:" + sourceAddr
		}
	}
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed    bool
	Limit      float64
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter is a token bucket per key: tokens refill continuously at qps and
// cap at burst. Distinct keys never contend on the same lock — each
// bucket owns its own mutex, and the top-level map uses sync.Map so a
// Check for key A never blocks a concurrent Check for key B.
type Limiter struct {
	qps   float64
	burst float64
	now   func() time.Time

	buckets sync.Map // string -> *bucket

	evictAfter    time.Duration
	evictInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// New builds a Limiter refilling at qps tokens/second up to burst tokens.
func New(qps float64, burst int) *Limiter {
	return &Limiter{
		qps:           qps,
		burst:         float64(burst),
		now:           time.Now,
		evictAfter:    5 * time.Minute,
		evictInterval: time.Minute,
		stop:          make(chan struct{}),
	}
}

// Check lazily refills key's bucket, then attempts to deduct one token.
func (l *Limiter) Check(key string) Result {
	now := l.now()
	v, _ := l.buckets.LoadOrStore(key, &bucket{tokens: l.burst, lastRefill: now})
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.qps)
		b.lastRefill = now
	}

	allowed := b.tokens >= 1.0
	if allowed {
		b.tokens -= 1.0
	}

	var retryAfter time.Duration
	if !allowed && l.qps > 0 {
		seconds := math.Ceil((1.0 - b.tokens) / l.qps)
		retryAfter = time.Duration(seconds * float64(time.Second))
	}

	return Result{
		Allowed:    allowed,
		Limit:      l.burst,
		Remaining:  int(math.Floor(b.tokens)),
		RetryAfter: retryAfter,
	}
}

// RunEviction starts a background task removing buckets whose last refill
// is older than 5 minutes, once per minute, until ctx is cancelled or Stop
// is called.
func (l *Limiter) RunEviction(ctx context.Context) {
	ticker := time.NewTicker(l.evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

// Stop terminates a running RunEviction loop.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) evict() {
	cutoff := l.now().Add(-l.evictAfter)
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		stale := b.lastRefill.Before(cutoff)
		b.mu.Unlock()
		if stale {
			l.buckets.Delete(key)
		}
		return true
	})
}
