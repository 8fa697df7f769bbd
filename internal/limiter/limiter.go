// Package limiter implements the token-bucket speed limiter of spec §4.B:
// continuous wall-clock refill, a live-updatable rate, and composition of a
// task-local limiter with a global one. It is grounded on the teacher's
// atomic/mutex style (internal/download/limiter.RateLimiter) but implements
// a different contract - byte-rate throttling rather than 429 backoff,
// which lives in internal/ratelimit instead.
package limiter

import (
	"context"
	"sync"
	"time"
)

// Limiter is satisfied by both TokenBucket and Unlimited, and by
// DelegatingLimiter which can swap between the two live.
type Limiter interface {
	// Acquire blocks until enough tokens have accumulated to permit
	// writing n bytes, or ctx is canceled.
	Acquire(ctx context.Context, n int) error
	// UpdateRate changes the bucket's rate live. A no-op on Unlimited.
	UpdateRate(bytesPerSecond int64)
}

// Unlimited never blocks. It is the distinguished limiter spec §4.B calls
// out for tasks with no speed limit configured.
type Unlimited struct{}

func (Unlimited) Acquire(context.Context, int) error { return nil }
func (Unlimited) UpdateRate(int64)                   {}

// TokenBucket refills continuously by wall clock: tokens += (now -
// lastRefill) * rate, clamped at burst. Default burst is rate/5, minimum 1
// byte, matching spec §4.B.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // bytes/sec
	burst      float64
	tokens     float64
	lastRefill time.Time
}

var _ Limiter = (*TokenBucket)(nil)

// New creates a token bucket at the given rate (bytes/sec) with the
// default burst (rate/5, minimum 1), starting full.
func New(bytesPerSecond int64) *TokenBucket {
	b := &TokenBucket{lastRefill: time.Now()}
	b.setRateLocked(bytesPerSecond)
	b.tokens = b.burst
	return b
}

func (b *TokenBucket) setRateLocked(bytesPerSecond int64) {
	if bytesPerSecond < 1 {
		bytesPerSecond = 1
	}
	b.rate = float64(bytesPerSecond)
	burst := b.rate / 5
	if burst < 1 {
		burst = 1
	}
	b.burst = burst
}

// UpdateRate mutates the rate live; a caller already blocked in Acquire
// observes the new rate on its next refill computation, since refill
// always reads b.rate under the same lock Acquire loops on.
func (b *TokenBucket) UpdateRate(bytesPerSecond int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setRateLocked(bytesPerSecond)
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

func (b *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

// Acquire returns once enough tokens have accumulated for n bytes. If n
// exceeds burst, the caller is still permitted but its effective rate is
// capped at rate (spec §4.B): it pays for the deficit at the bucket's
// refill speed.
func (b *TokenBucket) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	need := float64(n)
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= need {
			b.tokens -= need
			b.mu.Unlock()
			return nil
		}
		deficit := need - b.tokens
		rate := b.rate
		b.mu.Unlock()

		wait := time.Duration(deficit / rate * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// DelegatingLimiter lets the coordinator swap or reconfigure a task's
// limiter (Unlimited -> bounded, or a rate change) without disturbing the
// throttle callback already handed to a running source (spec §9 "Delegating
// limiter" design note).
type DelegatingLimiter struct {
	mu    sync.RWMutex
	inner Limiter
}

var _ Limiter = (*DelegatingLimiter)(nil)

func NewDelegating(inner Limiter) *DelegatingLimiter {
	if inner == nil {
		inner = Unlimited{}
	}
	return &DelegatingLimiter{inner: inner}
}

func (d *DelegatingLimiter) Acquire(ctx context.Context, n int) error {
	d.mu.RLock()
	inner := d.inner
	d.mu.RUnlock()
	return inner.Acquire(ctx, n)
}

func (d *DelegatingLimiter) UpdateRate(bytesPerSecond int64) {
	d.mu.RLock()
	inner := d.inner
	d.mu.RUnlock()
	inner.UpdateRate(bytesPerSecond)
}

// Replace swaps the delegate entirely - used when going from Unlimited to
// a bounded bucket or vice versa.
func (d *DelegatingLimiter) Replace(inner Limiter) {
	if inner == nil {
		inner = Unlimited{}
	}
	d.mu.Lock()
	d.inner = inner
	d.mu.Unlock()
}

// Composed chains a task-local limiter and a global limiter: Acquire calls
// the task limiter first, then the global one, so whichever is more
// restrictive dominates (spec §4.B "Composition").
type Composed struct {
	Task   Limiter
	Global Limiter
}

func (c Composed) Acquire(ctx context.Context, n int) error {
	if err := c.Task.Acquire(ctx, n); err != nil {
		return err
	}
	return c.Global.Acquire(ctx, n)
}

func (c Composed) UpdateRate(bytesPerSecond int64) {
	c.Task.UpdateRate(bytesPerSecond)
}
