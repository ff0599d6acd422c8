package warmup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"scribe/internal/backend"
	"scribe/internal/modelcache"
)

type stubModel struct{ key backend.Key }

func (m stubModel) Key() backend.Key { return m.key }
func (m stubModel) Transcribe(context.Context, string, backend.Options) (backend.Output, error) {
	return backend.Output{Text: "ok"}, nil
}

var testKey = backend.Key{Backend: "faster-whisper", Model: "large-v3", Device: "cpu", Compute: "int8"}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("warmup did not finish")
	}
}

func TestRunnerSharesConstructionWithConcurrentRequest(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	entered := make(chan struct{})
	cache := modelcache.New(func(_ context.Context, key backend.Key) (backend.Model, error) {
		if loads.Add(1) == 1 {
			close(entered)
		}
		<-release
		return stubModel{key: key}, nil
	})

	r := New(cache, testKey, nil)
	if got := r.Status().State; got != StatePending {
		t.Fatalf("expected pending before start, got %s", got)
	}
	r.Start(context.Background())
	r.Start(context.Background())
	<-entered

	if got := r.Status().State; got != StateRunning {
		t.Fatalf("expected running, got %s", got)
	}

	requestDone := make(chan backend.Model)
	go func() {
		m, err := cache.Acquire(context.Background(), testKey)
		if err != nil {
			t.Errorf("Acquire() error = %v", err)
		}
		requestDone <- m
	}()

	select {
	case <-requestDone:
		t.Fatal("request must wait for the in-flight warmup construction")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitDone(t, r)
	m := <-requestDone

	if loads.Load() != 1 {
		t.Fatalf("expected one construction, got %d", loads.Load())
	}
	if m.Key() != testKey {
		t.Fatalf("unexpected model key: %v", m.Key())
	}
	status := r.Status()
	if status.State != StateReady || status.FinishedAt.IsZero() || r.Err() != nil {
		t.Fatalf("unexpected final status: %+v err=%v", status, r.Err())
	}
}

func TestRunnerRecordsFailure(t *testing.T) {
	cache := modelcache.New(func(context.Context, backend.Key) (backend.Model, error) {
		return nil, errors.New("weights missing")
	})
	r := New(cache, testKey, nil)
	r.Start(context.Background())
	waitDone(t, r)

	status := r.Status()
	if status.State != StateFailed || status.Error != "weights missing" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if r.Err() == nil {
		t.Fatal("expected Err() after failure")
	}
}

func TestRunnerPreflightFailureDoesNotFailWarmup(t *testing.T) {
	cache := modelcache.New(func(_ context.Context, key backend.Key) (backend.Model, error) {
		return stubModel{key: key}, nil
	})
	checked := make(chan struct{})
	r := New(cache, testKey, nil, WithPreflight(func(context.Context) error {
		close(checked)
		return errors.New("connection refused")
	}))
	r.Start(context.Background())
	waitDone(t, r)

	select {
	case <-checked:
	case <-time.After(2 * time.Second):
		t.Fatal("preflight did not run")
	}
	if r.Status().State != StateReady {
		t.Fatalf("expected ready, got %+v", r.Status())
	}
}

func TestDisableClosesDone(t *testing.T) {
	r := New(nil, testKey, nil)
	r.Disable()
	waitDone(t, r)
	if got := r.Status().State; got != StateDisabled {
		t.Fatalf("expected disabled, got %s", got)
	}
	r.Start(context.Background())
	if got := r.Status().State; got != StateDisabled {
		t.Fatalf("Start after Disable must be a no-op, got %s", got)
	}
}

func TestWarmReportsAlreadyLoaded(t *testing.T) {
	var loads atomic.Int32
	cache := modelcache.New(func(_ context.Context, key backend.Key) (backend.Model, error) {
		loads.Add(1)
		return stubModel{key: key}, nil
	})

	already, err := Warm(context.Background(), cache, testKey)
	if err != nil || already {
		t.Fatalf("first Warm() = %v, %v", already, err)
	}
	already, err = Warm(context.Background(), cache, testKey)
	if err != nil || !already {
		t.Fatalf("second Warm() = %v, %v", already, err)
	}
	if loads.Load() != 1 {
		t.Fatalf("expected one load, got %d", loads.Load())
	}
}
