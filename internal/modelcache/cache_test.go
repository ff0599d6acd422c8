package modelcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type handle struct {
	name   string
	closed atomic.Bool
}

func (h *handle) Close() error {
	h.closed.Store(true)
	return nil
}

type key struct {
	backend, model, device, compute string
}

func TestAcquireConstructsOncePerKeyUnderConcurrency(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	cache := New(func(_ context.Context, k key) (*handle, error) {
		calls.Add(1)
		<-release
		return &handle{name: k.model}, nil
	})

	k := key{"faster-whisper", "large-v3", "cpu", "int8"}
	const n = 16
	results := make([]*handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := cache.Acquire(context.Background(), k)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			results[i] = h
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("loader ran %d times, want 1", got)
	}
	for i, h := range results {
		if h != results[0] {
			t.Fatalf("result %d is a different instance", i)
		}
	}
}

func TestAcquireSeparatesDistinctKeys(t *testing.T) {
	var calls atomic.Int32
	cache := New(func(_ context.Context, k key) (*handle, error) {
		calls.Add(1)
		return &handle{name: k.model}, nil
	})

	a, _ := cache.Acquire(context.Background(), key{"faster-whisper", "large-v3", "cpu", "int8"})
	b, _ := cache.Acquire(context.Background(), key{"faster-whisper", "large-v3", "cuda", "float16"})
	if a == b {
		t.Fatal("distinct keys must not share a handle")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 constructions, got %d", calls.Load())
	}
	if cache.Len() != 2 || len(cache.Keys()) != 2 {
		t.Fatalf("unexpected size: len=%d keys=%v", cache.Len(), cache.Keys())
	}
}

func TestAcquireDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	cache := New(func(_ context.Context, k key) (*handle, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("parakeet-mlx is not installed")
		}
		return &handle{name: k.model}, nil
	})

	k := key{"parakeet-mlx", "mlx-community/parakeet-tdt-0.6b-v3", "mlx", "mlx"}
	if _, err := cache.Acquire(context.Background(), k); err == nil {
		t.Fatal("expected first construction to fail")
	}
	if _, ok := cache.Lookup(k); ok {
		t.Fatal("failed construction must not be cached")
	}

	// The lock must have been released by the failing call or this blocks.
	done := make(chan struct{})
	go func() {
		defer close(done)
		h, err := cache.Acquire(context.Background(), k)
		if err != nil || h == nil {
			t.Errorf("retry Acquire() = %v, %v", h, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry blocked; lock not released after failure")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected retry to construct again, calls=%d", calls.Load())
	}
}

func TestObserverSeesHitsAndLoads(t *testing.T) {
	var mu sync.Mutex
	var outcomes []string
	cache := New(func(_ context.Context, k key) (*handle, error) {
		return &handle{}, nil
	}, WithObserver[key, *handle](func(_ key, outcome string, _ time.Duration) {
		mu.Lock()
		outcomes = append(outcomes, outcome)
		mu.Unlock()
	}))

	k := key{"openai", "whisper-1", "remote", "remote"}
	_, _ = cache.Acquire(context.Background(), k)
	_, _ = cache.Acquire(context.Background(), k)

	if len(outcomes) != 2 || outcomes[0] != "loaded" || outcomes[1] != "hit" {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
}

func TestCloseClosesValues(t *testing.T) {
	cache := New(func(_ context.Context, k key) (*handle, error) {
		return &handle{name: k.model}, nil
	})
	h, _ := cache.Acquire(context.Background(), key{model: "m"})

	if err := cache.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !h.closed.Load() {
		t.Fatal("expected handle to be closed")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", cache.Len())
	}
}

func TestAcquireLoadSurvivesFirstCallerCancellation(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	cache := New(func(ctx context.Context, k key) (*handle, error) {
		calls.Add(1)
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &handle{name: k.model}, nil
	})
	k := key{"mlx-whisper", "large-v3", "metal", "float16"}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := cache.Acquire(firstCtx, k)
		firstDone <- err
	}()
	<-started

	waiterCtx, cancelWaiter := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := cache.Acquire(waiterCtx, k)
		waiterDone <- err
	}()

	cancelFirst()
	cancelWaiter()
	select {
	case err := <-waiterDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("waiter error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter stayed blocked on construction")
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if _, err := cache.Acquire(context.Background(), k); err != nil {
		t.Fatalf("later Acquire() error = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("loader ran %d times, want 1", got)
	}
}
