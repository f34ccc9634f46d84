// Package ratelimit provides the shared per-strategy limiter resource.
//
// A Limiter combines a token bucket (requests per second), a concurrency cap and a hard
// per-run call budget. One Limiter is created per strategy per pipeline instance and shared by
// all workers; nothing here is process-global.
package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrBudgetExhausted is returned by Acquire once the per-run call budget is spent.
var ErrBudgetExhausted = errors.New("ratelimit: call budget exhausted")

// Options configures a Limiter. Zero values disable the corresponding control.
type Options struct {
	// RPS is the sustained rate across all callers. <=0 disables rate limiting.
	RPS float64
	// Burst is the token bucket size. Defaults to 1 when RPS is set.
	Burst int
	// Concurrency caps simultaneous in-flight calls. <=0 means unlimited.
	Concurrency int
	// Budget is the maximum number of calls for the lifetime of the Limiter. <=0 means unlimited.
	Budget int64
}

// Limiter is safe for concurrent use.
type Limiter struct {
	rate   *rate.Limiter
	sem    *semaphore.Weighted
	budget int64
	used   atomic.Int64
}

// New builds a Limiter.
func New(opts Options) *Limiter {
	l := &Limiter{budget: opts.Budget}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	if opts.Concurrency > 0 {
		l.sem = semaphore.NewWeighted(int64(opts.Concurrency))
	}
	return l
}

// Acquire reserves one call. The returned release must be called when the call completes.
//
// The budget is charged before waiting so that concurrent callers cannot overshoot it; a call
// that is charged but then cancelled while waiting is refunded.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if l == nil {
		return func() {}, nil
	}
	if l.budget > 0 {
		if n := l.used.Add(1); n > l.budget {
			l.used.Add(-1)
			return nil, ErrBudgetExhausted
		}
	}
	refund := func() {
		if l.budget > 0 {
			l.used.Add(-1)
		}
	}

	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			refund()
			return nil, err
		}
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			if l.sem != nil {
				l.sem.Release(1)
			}
			refund()
			return nil, err
		}
	}

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) && l.sem != nil {
			l.sem.Release(1)
		}
	}, nil
}

// Used reports how many calls have been charged against the budget.
func (l *Limiter) Used() int64 {
	if l == nil {
		return 0
	}
	return l.used.Load()
}

// Remaining reports the calls left in the budget, or -1 when the budget is unlimited.
func (l *Limiter) Remaining() int64 {
	if l == nil || l.budget <= 0 {
		return -1
	}
	left := l.budget - l.used.Load()
	if left < 0 {
		return 0
	}
	return left
}
