package transcription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scribe/internal/backend"
)

type window struct{ start, end time.Time }

type slowInvoker struct {
	mu      sync.Mutex
	windows []window
	delay   time.Duration
}

func (s *slowInvoker) Invoke(ctx context.Context, _ backend.Model, path string, _ backend.Options) (backend.Output, error) {
	start := time.Now()
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return backend.Output{}, ctx.Err()
	}
	s.mu.Lock()
	s.windows = append(s.windows, window{start, time.Now()})
	s.mu.Unlock()
	return backend.Output{Text: "text for " + path}, nil
}

type nopModel struct{}

func (nopModel) Key() backend.Key { return backend.Key{Backend: backend.FasterWhisper} }

func (nopModel) Transcribe(context.Context, string, backend.Options) (backend.Output, error) {
	return backend.Output{}, nil
}

func TestGateOfOneSerializesInvocations(t *testing.T) {
	inv := &slowInvoker{delay: 50 * time.Millisecond}
	svc := New(NewGate(1, nil), inv, 0)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Transcribe(context.Background(), nopModel{}, "a.wav", backend.Options{})
			if err != nil {
				t.Errorf("Transcribe() error = %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if len(inv.windows) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(inv.windows))
	}
	a, b := inv.windows[0], inv.windows[1]
	if a.start.Before(b.end) && b.start.Before(a.end) {
		t.Fatalf("invocation windows overlap: %v and %v", a, b)
	}
	if results[0].Queue < 40*time.Millisecond && results[1].Queue < 40*time.Millisecond {
		t.Fatalf("expected one request to queue, got %v and %v", results[0].Queue, results[1].Queue)
	}
	if stats := svc.Stats(); stats.Active != 0 || stats.Waiting != 0 || stats.Capacity != 1 {
		t.Fatalf("unexpected gate stats after completion: %+v", stats)
	}
}

func TestQueuedCallerLeavesOnCancel(t *testing.T) {
	gate := NewGate(1, nil)
	release, err := gate.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := gate.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if gate.Stats().Waiting != 0 {
		t.Fatalf("cancelled waiter still counted: %+v", gate.Stats())
	}

	release()
	release()
	next, err := gate.Acquire(context.Background())
	if err != nil {
		t.Fatalf("gate not released: %v", err)
	}
	next()
}

func TestBackendTimeout(t *testing.T) {
	svc := New(NewGate(1, nil), &slowInvoker{delay: time.Second}, 20*time.Millisecond)

	_, err := svc.Transcribe(context.Background(), nopModel{}, "a.wav", backend.Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
