package worker_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sysiphe/contactfinder/internal/pipeline/worker"
)

func TestProcessStream_BoundsInFlight(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	fn := func(_ context.Context, n int) (int, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return n, nil
	}

	var pulled atomic.Int64
	seq := func(yield func(int) bool) {
		for i := 0; i < 100; i++ {
			pulled.Add(1)
			if !yield(i) {
				return
			}
		}
	}

	var got []int
	err := worker.ProcessStream(context.Background(), seq, fn, func(r worker.Result[int, int]) error {
		got = append(got, r.Output)
		return nil
	}, worker.Options{Workers: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak.Load() > 3 {
		t.Fatalf("expected at most 3 in flight, got %d", peak.Load())
	}
	slices.Sort(got)
	if len(got) != 100 || got[0] != 0 || got[99] != 99 || pulled.Load() != 100 {
		t.Fatalf("unexpected results: n=%d pulled=%d", len(got), pulled.Load())
	}
}

func TestProcessStream_PartialOutputKeepsGoing(t *testing.T) {
	t.Parallel()

	fn := func(_ context.Context, n int) (int, error) {
		if n%2 == 0 {
			return 0, errors.New("even")
		}
		return n, nil
	}
	var okCount, errCount int
	err := worker.ProcessStream(context.Background(), slices.Values([]int{1, 2, 3, 4, 5}), fn, func(r worker.Result[int, int]) error {
		if r.Err != nil {
			errCount++
		} else {
			okCount++
		}
		return nil
	}, worker.Options{Workers: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if okCount != 3 || errCount != 2 {
		t.Fatalf("unexpected counts: ok=%d err=%d", okCount, errCount)
	}
}

func TestProcessStream_FailFastStopsDispatch(t *testing.T) {
	t.Parallel()

	boom := errors.New("store down")
	var calls atomic.Int64
	fn := func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		if n == 0 {
			return 0, boom
		}
		return n, nil
	}

	seq := func(yield func(int) bool) {
		for i := 0; i < 1000; i++ {
			if !yield(i) {
				return
			}
		}
	}
	err := worker.ProcessStream(context.Background(), seq, fn, nil, worker.Options{Workers: 1, FailurePolicy: worker.FailurePolicyFailFast})
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if calls.Load() >= 1000 {
		t.Fatalf("expected dispatch to stop early, calls=%d", calls.Load())
	}
}

func TestProcessStream_CallbackErrorStops(t *testing.T) {
	t.Parallel()

	stopErr := errors.New("sink full")
	fn := func(_ context.Context, n int) (int, error) { return n, nil }
	seen := 0
	seq := func(yield func(int) bool) {
		for i := 0; ; i++ {
			if !yield(i) {
				return
			}
		}
	}
	err := worker.ProcessStream(context.Background(), seq, fn, func(worker.Result[int, int]) error {
		seen++
		if seen == 5 {
			return stopErr
		}
		return nil
	}, worker.Options{Workers: 2})
	if !errors.Is(err, stopErr) {
		t.Fatalf("expected %v, got %v", stopErr, err)
	}
}

func TestProcessStream_CancellationStopsDispatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64
	fn := func(_ context.Context, n int) (int, error) {
		if calls.Add(1) == 3 {
			cancel()
		}
		return n, nil
	}
	seq := func(yield func(int) bool) {
		for i := 0; ; i++ {
			if !yield(i) {
				return
			}
		}
	}
	err := worker.ProcessStream(ctx, seq, fn, nil, worker.Options{Workers: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if calls.Load() > 5 {
		t.Fatalf("dispatch continued after cancellation: calls=%d", calls.Load())
	}
}
