// Package worker runs a processor over a lazy sequence with a bounded pool.
package worker

import (
	"context"
	"iter"
	"sync"
)

type FailurePolicy int

const (
	FailurePolicyPartialOutput FailurePolicy = iota
	FailurePolicyFailFast
)

type Options struct {
	Workers       int
	FailurePolicy FailurePolicy
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Input  In
	Output Out
	Err    error
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	return o
}

// ProcessStream pulls items from a lazy sequence and runs processor on a bounded pool.
//
// At most Workers items are in flight, so memory stays bounded however long the sequence is.
// The sequence is consumed on a single goroutine. onResult is invoked on the calling goroutine
// in completion order; a callback error stops dispatch and is returned. Under FailFast the
// first processor error does the same. Cancelling ctx stops dispatch; items already handed to
// a worker still complete and are reported.
func ProcessStream[In any, Out any](
	ctx context.Context,
	items iter.Seq[In],
	processor func(context.Context, In) (Out, error),
	onResult func(Result[In, Out]) error,
	opts Options,
) error {
	opts = opts.withDefaults()

	stopCtx, stop := context.WithCancel(ctx)
	defer stop()

	jobs := make(chan In)
	done := make(chan Result[In, Out], opts.Workers)

	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			stop()
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for in := range jobs {
				out, err := processor(ctx, in)
				done <- Result[In, Out]{Input: in, Output: out, Err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		if stopCtx.Err() != nil {
			return
		}
		for in := range items {
			select {
			case jobs <- in:
			case <-stopCtx.Done():
				return
			}
			if stopCtx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	for res := range done {
		if res.Err != nil && opts.FailurePolicy == FailurePolicyFailFast {
			fail(res.Err)
		}
		if onResult != nil {
			if err := onResult(res); err != nil {
				fail(err)
			}
		}
	}

	mu.Lock()
	err := firstErr
	mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}
