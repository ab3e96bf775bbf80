package retry

// Package retry centralizes the backoff policy applied to model gateway and
// persistence calls. Both the interview turn path and the synthesis call path
// use the same policy: exponential backoff with jitter, a capped attempt
// count, and immediate short-circuit for non-retryable faults.

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/chorusinsights/chorus-ai/internal/faults"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 250 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
)

// Policy configures retry behavior. The zero value is not usable; construct
// with DefaultPolicy and override as needed.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep is swappable for tests. Defaults to a context-aware timer wait.
	Sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultPolicy returns the policy used across the service unless
// configuration overrides it.
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultMaxAttempts, DefaultBaseDelay, DefaultMaxDelay)
}

// NewPolicy builds a policy with its own jitter source.
func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Sleep:       sleepCtx,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the backoff before retrying after the given 0-based attempt:
// base doubling per attempt, capped, plus up to 50% random jitter. A
// provider retry-after hint overrides the computed delay when larger.
func (p *Policy) Delay(attempt int, lastErr error) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	p.mu.Lock()
	jitter := time.Duration(p.rng.Int63n(int64(d)/2 + 1))
	p.mu.Unlock()
	d += jitter

	if hint, ok := faults.RetryAfterHint(lastErr); ok && hint > d {
		d = hint
	}
	return d
}

// Do runs fn up to MaxAttempts times. Only retryable faults are retried;
// everything else returns immediately. The last error is returned on
// exhaustion.
func (p *Policy) Do(ctx context.Context, fn func() error) error {
	_, err := DoValue(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue runs fn up to MaxAttempts times and returns its value.
func DoValue[T any](ctx context.Context, p *Policy, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err
		if attempt == p.MaxAttempts-1 || !faults.Retryable(err) {
			return zero, err
		}
		if err := p.Sleep(ctx, p.Delay(attempt, lastErr)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
